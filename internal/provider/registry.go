// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provider holds the adapter Registry and the three concrete
// adapter kinds (subprocess, in-process SDK, MCP-client) that
// implement wallbounce.Provider.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// Registry holds the set of adapters registered at startup. It is
// immutable in shape after construction (adapters are added only
// during setup); the read path takes only an RWMutex so concurrent
// Select calls never block each other.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]wallbounce.Provider
	descriptors map[string]wallbounce.ProviderDescriptor

	healthMu sync.RWMutex
	health   map[string]wallbounce.HealthResult

	log *wbslog.Logger
}

// Option configures a Registry during construction.
type Option func(*Registry)

// WithLogger overrides the registry's default logger.
func WithLogger(log *wbslog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers:   make(map[string]wallbounce.Provider),
		descriptors: make(map[string]wallbounce.ProviderDescriptor),
		health:      make(map[string]wallbounce.HealthResult),
		log:         wbslog.New("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Error is a registry-specific error carrying a stable code plus an
// optional cause.
type Error struct {
	ProviderID string
	Code       string
	Message    string
	Cause      error
}

const (
	ErrNotFound        = "registry_not_found"
	ErrDuplicate       = "registry_duplicate"
	ErrInvalidConfig   = "registry_invalid_config"
	ErrSelectionFailed = "registry_selection_failed"
)

func (e *Error) Error() string {
	if e.ProviderID != "" {
		return fmt.Sprintf("registry error for %q: %s", e.ProviderID, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Register adds a fully-constructed adapter to the registry, keyed by
// its descriptor's stable id. Registration is rejected at call time
// if the id is unknown to the caller's intent (duplicate ids), never
// deferred to dispatch time.
func (r *Registry) Register(p wallbounce.Provider) error {
	if p == nil {
		return &Error{Code: ErrInvalidConfig, Message: "provider cannot be nil"}
	}
	desc := p.Describe()
	if desc.ID == "" {
		return &Error{Code: ErrInvalidConfig, Message: "provider descriptor must have an id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[desc.ID]; exists {
		return &Error{ProviderID: desc.ID, Code: ErrDuplicate, Message: fmt.Sprintf("provider %q already registered", desc.ID)}
	}
	r.providers[desc.ID] = p
	r.descriptors[desc.ID] = desc
	r.log.WithProvider(desc.ID).Info("registered provider", map[string]any{
		"vendor": desc.Vendor, "tier": desc.Tier,
	})
	return nil
}

// Get retrieves a provider by id.
func (r *Registry) Get(id string) (wallbounce.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns every registered descriptor, sorted by id for
// deterministic output.
func (r *Registry) List() []wallbounce.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wallbounce.ProviderDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Selection is the outcome of Select: the ordered adapters to invoke
// plus whether the vendor-rotation constraint had to be relaxed.
type Selection struct {
	Providers       []wallbounce.Provider
	RotationRelaxed bool
}

// Select implements the tier/vendor-rotation rules of the registry's
// selection policy, returning a bounded, vendor-diverse, ordered list.
// mustDifferFrom lists vendor ids the caller prefers excluded (turn 2+
// of a session); when honoring it would violate the minimum provider
// count for taskType, the constraint is dropped and
// Selection.RotationRelaxed is set instead of failing the call.
func (r *Registry) Select(taskType wallbounce.TaskType, minProviders int, mustDifferFrom []string) (Selection, error) {
	r.mu.RLock()
	all := make([]wallbounce.ProviderDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		all = append(all, d)
	}
	r.mu.RUnlock()

	// Deterministic base order: tier first, id as the tie-break.
	sort.Slice(all, func(i, j int) bool {
		if all[i].Tier != all[j].Tier {
			return all[i].Tier < all[j].Tier
		}
		return all[i].ID < all[j].ID
	})

	eligible := filterByTaskType(all, taskType)
	if minProviders <= 0 {
		minProviders = 2
	}
	need := minProviders
	if floor := taskFloor(taskType); need < floor {
		need = floor
	}

	excluded := toSet(mustDifferFrom)
	rotated := excludeVendors(eligible, excluded)

	pool := rotated
	relaxed := false
	if len(rotated) < need && len(excluded) > 0 {
		pool = eligible
		relaxed = true
	}
	if len(pool) < need {
		return Selection{}, &Error{Code: ErrSelectionFailed, Message: fmt.Sprintf(
			"only %d eligible adapters for task %q, need %d", len(pool), taskType, need)}
	}

	chosen := pickDiverse(pool, need)

	if taskType == wallbounce.TaskCritical {
		var ok bool
		chosen, ok = ensureAggregatorLast(chosen, pool)
		if !ok {
			return Selection{}, &Error{Code: ErrSelectionFailed,
				Message: "critical tasks require an aggregation-capable adapter of tier 4 or above"}
		}
		if distinctVendors(chosen) < 3 {
			return Selection{}, &Error{Code: ErrSelectionFailed, Message: fmt.Sprintf(
				"critical tasks require 3 distinct vendors, found %d", distinctVendors(chosen))}
		}
	}
	if taskType == wallbounce.TaskPremium && distinctVendors(chosen) < 2 {
		return Selection{}, &Error{Code: ErrSelectionFailed,
			Message: "premium tasks require adapters from at least 2 distinct vendors"}
	}

	r.mu.RLock()
	providers := make([]wallbounce.Provider, 0, len(chosen))
	for _, d := range chosen {
		providers = append(providers, r.providers[d.ID])
	}
	r.mu.RUnlock()

	return Selection{Providers: providers, RotationRelaxed: relaxed}, nil
}

// taskFloor is the minimum adapter count each task type demands
// regardless of the caller's minProviders.
func taskFloor(taskType wallbounce.TaskType) int {
	switch taskType {
	case wallbounce.TaskPremium, wallbounce.TaskCritical:
		return 3
	default:
		return 2
	}
}

// pickDiverse chooses need descriptors from pool, preferring one
// adapter per vendor before doubling up. Pool order (tier, then id) is
// preserved within each pass, keeping selection deterministic.
func pickDiverse(pool []wallbounce.ProviderDescriptor, need int) []wallbounce.ProviderDescriptor {
	chosen := make([]wallbounce.ProviderDescriptor, 0, need)
	taken := make(map[string]bool, need)
	vendors := make(map[string]bool)

	for _, d := range pool {
		if len(chosen) == need {
			return chosen
		}
		if vendors[d.Vendor] {
			continue
		}
		vendors[d.Vendor] = true
		taken[d.ID] = true
		chosen = append(chosen, d)
	}
	for _, d := range pool {
		if len(chosen) == need {
			break
		}
		if taken[d.ID] {
			continue
		}
		taken[d.ID] = true
		chosen = append(chosen, d)
	}
	return chosen
}

func distinctVendors(descs []wallbounce.ProviderDescriptor) int {
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		seen[d.Vendor] = struct{}{}
	}
	return len(seen)
}

// filterByTaskType applies the tier/vendor-diversity floor for each
// task type, per the registry's selection rules.
func filterByTaskType(all []wallbounce.ProviderDescriptor, taskType wallbounce.TaskType) []wallbounce.ProviderDescriptor {
	switch taskType {
	case wallbounce.TaskBasic:
		var out []wallbounce.ProviderDescriptor
		for _, d := range all {
			if d.Tier <= 2 {
				out = append(out, d)
			}
		}
		return out
	case wallbounce.TaskPremium:
		var out []wallbounce.ProviderDescriptor
		for _, d := range all {
			if d.Tier >= 2 && d.Tier <= 4 {
				out = append(out, d)
			}
		}
		return out
	case wallbounce.TaskCritical:
		return all
	default:
		return all
	}
}

func excludeVendors(descs []wallbounce.ProviderDescriptor, excluded map[string]struct{}) []wallbounce.ProviderDescriptor {
	if len(excluded) == 0 {
		return descs
	}
	var out []wallbounce.ProviderDescriptor
	for _, d := range descs {
		if _, skip := excluded[d.Vendor]; skip {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ensureAggregatorLast guarantees the chosen set ends with a tier>=4
// aggregation-capable adapter, as required for critical sequential
// dispatch: an in-set aggregator is moved to the end, otherwise one is
// pulled in from the pool in place of the last non-aggregator. ok is
// false when the pool holds no aggregator at all.
func ensureAggregatorLast(chosen, pool []wallbounce.ProviderDescriptor) ([]wallbounce.ProviderDescriptor, bool) {
	isAggregator := func(d wallbounce.ProviderDescriptor) bool {
		return d.Tier >= 4 && hasCapability(d, wallbounce.CapabilityAggregation)
	}

	for i, d := range chosen {
		if !isAggregator(d) {
			continue
		}
		out := make([]wallbounce.ProviderDescriptor, 0, len(chosen))
		out = append(out, chosen[:i]...)
		out = append(out, chosen[i+1:]...)
		out = append(out, d)
		return out, true
	}

	inChosen := make(map[string]bool, len(chosen))
	for _, d := range chosen {
		inChosen[d.ID] = true
	}
	for _, d := range pool {
		if inChosen[d.ID] || !isAggregator(d) {
			continue
		}
		out := make([]wallbounce.ProviderDescriptor, 0, len(chosen))
		out = append(out, chosen[:len(chosen)-1]...)
		out = append(out, d)
		return out, true
	}
	return chosen, false
}

func hasCapability(d wallbounce.ProviderDescriptor, c wallbounce.Capability) bool {
	for _, cap := range d.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

func toSet(vendors []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vendors))
	for _, v := range vendors {
		out[v] = struct{}{}
	}
	return out
}

// HealthCheck polls every registered adapter and caches the result.
func (r *Registry) HealthCheck(ctx context.Context) map[string]wallbounce.HealthResult {
	r.mu.RLock()
	providers := make(map[string]wallbounce.Provider, len(r.providers))
	for id, p := range r.providers {
		providers[id] = p
	}
	r.mu.RUnlock()

	results := make(map[string]wallbounce.HealthResult, len(providers))
	for id, p := range providers {
		start := time.Now()
		res, err := p.HealthCheck(ctx)
		if err != nil {
			res = wallbounce.HealthResult{OK: false, LatencyMillis: time.Since(start).Milliseconds(), Message: err.Error()}
		}
		results[id] = res

		r.healthMu.Lock()
		r.health[id] = res
		r.healthMu.Unlock()
	}
	return results
}

// StartPeriodicHealthCheck runs HealthCheck on a ticker until ctx is
// done.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthCheck(ctx)
			}
		}
	}()
}

// GetHealth returns the last cached health result for id, if any.
func (r *Registry) GetHealth(id string) (wallbounce.HealthResult, bool) {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	h, ok := r.health[id]
	return h, ok
}
