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

// Package dispatcher invokes the selected adapters for one analysis,
// either concurrently or as a sequential chain, under per-adapter and
// whole-dispatch deadlines with partial-failure tolerance.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wallbounce/analyzer/internal/metrics"
	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// Default deadlines, each independently overridable per call.
const (
	DefaultPerAdapterTimeout = 30 * time.Second
	DefaultWholeTimeout      = 90 * time.Second

	// earlyExitMargin is added to the confidence floor to form the
	// sequential chain's early-exit threshold.
	earlyExitMargin = 0.15

	// earlyExitStreak is how many consecutive steps must clear the
	// threshold before the chain stops early.
	earlyExitStreak = 2
)

// Emitter is the slice of the event bus the dispatcher publishes
// through.
type Emitter interface {
	Publish(analysisID string, ev wallbounce.Event)
}

// Options bound one dispatch call.
type Options struct {
	Mode              wallbounce.DispatchMode
	MinProviders      int
	Depth             int
	ConfidenceFloor   float64
	IncludeThinking   bool
	Eager             bool
	PerAdapterTimeout time.Duration
	WholeTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = wallbounce.ModeParallel
	}
	if o.MinProviders <= 0 {
		o.MinProviders = 2
	}
	if o.PerAdapterTimeout <= 0 {
		o.PerAdapterTimeout = DefaultPerAdapterTimeout
	}
	if o.WholeTimeout <= 0 {
		o.WholeTimeout = 3 * o.PerAdapterTimeout
	}
	if o.Depth <= 0 {
		o.Depth = 3
	}
	return o
}

// Result is what one dispatch produced: every response collected,
// errored ones included so they can surface as errored votes.
type Result struct {
	Responses []wallbounce.ProviderResponse
	Succeeded int
}

// InsufficientError carries the tally behind an
// insufficient_providers failure; callers distinguish "every adapter
// failed" (typically all timeouts) from a partial shortfall.
type InsufficientError struct {
	Succeeded int
	Attempted int
	Needed    int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%d of %d adapters succeeded, need %d", e.Succeeded, e.Attempted, e.Needed)
}

// Dispatcher drives adapter invocations and reports through the bus.
type Dispatcher struct {
	emitter Emitter
	log     *wbslog.Logger
}

// Option configures a Dispatcher during construction.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher's default logger.
func WithLogger(log *wbslog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New builds a Dispatcher publishing through emitter.
func New(emitter Emitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{emitter: emitter, log: wbslog.New("dispatcher")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch invokes providers per opts.Mode. The returned Result always
// carries every collected response; the error is non-nil when the
// dispatch as a whole failed (insufficient providers, cancellation).
func (d *Dispatcher) Dispatch(ctx context.Context, analysisID string, providers []wallbounce.Provider, query wallbounce.Query, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var res *Result
	var err error
	if opts.Mode == wallbounce.ModeSequential {
		res, err = d.sequential(ctx, analysisID, providers, query, opts)
	} else {
		res, err = d.parallel(ctx, analysisID, providers, query, opts)
	}

	outcome := "ok"
	if err != nil {
		if werr, ok := err.(*wallbounce.Error); ok {
			outcome = string(werr.Kind)
		} else {
			outcome = "error"
		}
	}
	metrics.DispatchTotal.WithLabelValues(string(opts.Mode), outcome).Inc()
	metrics.DispatchDuration.WithLabelValues(string(opts.Mode)).Observe(time.Since(start).Seconds())
	return res, err
}

// parallel invokes every provider concurrently. Each adapter runs
// under its own deadline; when eager cancellation is off, an adapter
// keeps running after success is guaranteed so its output can still
// contribute to consensus.
func (d *Dispatcher) parallel(ctx context.Context, analysisID string, providers []wallbounce.Provider, query wallbounce.Query, opts Options) (*Result, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, opts.WholeTimeout)
	defer cancel()

	// eagerCtx is what adapters actually run under: it is canceled
	// early only in eager mode, once enough successes have arrived.
	eagerCtx, eagerCancel := context.WithCancel(dispatchCtx)
	defer eagerCancel()

	var (
		mu        sync.Mutex
		responses []wallbounce.ProviderResponse
		succeeded int
	)

	g := new(errgroup.Group)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			desc := p.Describe()
			if opts.IncludeThinking {
				d.emit(analysisID, wallbounce.Event{
					Type:       wallbounce.EventThinking,
					ProviderID: desc.ID,
					Content:    fmt.Sprintf("invoking %s", desc.Name),
				})
			}

			resp := d.invokeOne(eagerCtx, p, query, opts.PerAdapterTimeout)

			mu.Lock()
			responses = append(responses, resp)
			if resp.Error == nil {
				succeeded++
				if opts.Eager && succeeded >= opts.MinProviders {
					eagerCancel()
				}
			}
			mu.Unlock()

			d.emit(analysisID, wallbounce.Event{
				Type:       wallbounce.EventProviderResponse,
				ProviderID: desc.ID,
				Response:   &resp,
			})
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	out := &Result{Responses: responses, Succeeded: succeeded}
	mu.Unlock()

	// Caller cancellation takes precedence over any tally.
	if ctx.Err() != nil && dispatchCtx.Err() == context.Canceled {
		return out, wallbounce.NewError(wallbounce.KindCanceled, "analysis canceled").WithCause(ctx.Err())
	}

	if out.Succeeded < opts.MinProviders {
		cause := &InsufficientError{Succeeded: out.Succeeded, Attempted: len(providers), Needed: opts.MinProviders}
		return out, wallbounce.NewError(wallbounce.KindInsufficientProviders, cause.Error()).WithCause(cause)
	}
	return out, nil
}

// sequential invokes providers one at a time up to opts.Depth steps,
// feeding each subsequent adapter the concatenated prior responses.
// The chain stops early once the best self-confidence so far has
// cleared confidenceFloor+0.15 on two consecutive steps.
func (d *Dispatcher) sequential(ctx context.Context, analysisID string, providers []wallbounce.Provider, query wallbounce.Query, opts Options) (*Result, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, opts.WholeTimeout)
	defer cancel()

	threshold := opts.ConfidenceFloor + earlyExitMargin
	depth := opts.Depth
	if depth > len(providers) {
		depth = len(providers)
	}

	var (
		responses []wallbounce.ProviderResponse
		succeeded int
		best      float64
		streak    int
	)

	for step := 0; step < depth; step++ {
		if dispatchCtx.Err() != nil {
			break
		}
		p := providers[step]
		desc := p.Describe()

		stepQuery := query
		if len(responses) > 0 {
			stepQuery.Text = chainPrompt(query.Text, responses)
		}

		d.emit(analysisID, wallbounce.Event{
			Type:       wallbounce.EventThinking,
			ProviderID: desc.ID,
			Content:    fmt.Sprintf("chain step %d of %d via %s", step+1, depth, desc.Name),
		})

		resp := d.invokeOne(dispatchCtx, p, stepQuery, opts.PerAdapterTimeout)
		responses = append(responses, resp)
		if resp.Error == nil {
			succeeded++
			if resp.Confidence > best {
				best = resp.Confidence
			}
		}

		d.emit(analysisID, wallbounce.Event{
			Type:       wallbounce.EventProviderResponse,
			ProviderID: desc.ID,
			Response:   &resp,
		})

		if best > threshold {
			streak++
		} else {
			streak = 0
		}
		if streak >= earlyExitStreak {
			d.log.WithAnalysis(analysisID).Info("sequential chain stopped early", map[string]any{
				"step": step + 1, "best_confidence": best,
			})
			break
		}
	}

	out := &Result{Responses: responses, Succeeded: succeeded}

	if ctx.Err() != nil && dispatchCtx.Err() == context.Canceled {
		return out, wallbounce.NewError(wallbounce.KindCanceled, "analysis canceled").WithCause(ctx.Err())
	}
	if out.Succeeded < opts.MinProviders {
		cause := &InsufficientError{Succeeded: out.Succeeded, Attempted: len(responses), Needed: opts.MinProviders}
		return out, wallbounce.NewError(wallbounce.KindInsufficientProviders, cause.Error()).WithCause(cause)
	}
	return out, nil
}

// invokeOne runs a single adapter under its own deadline and folds any
// failure into the response as an adapter_error so it can be counted
// as an errored vote. Failed adapters are not retried within the same
// dispatch.
func (d *Dispatcher) invokeOne(ctx context.Context, p wallbounce.Provider, query wallbounce.Query, timeout time.Duration) wallbounce.ProviderResponse {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	desc := p.Describe()
	start := time.Now()
	resp, err := p.Invoke(actx, query)
	latency := time.Since(start)

	metrics.AdapterLatency.WithLabelValues(desc.ID).Observe(latency.Seconds())
	if err != nil {
		metrics.AdapterCalls.WithLabelValues(desc.ID, "error").Inc()
		if resp.Error == nil {
			werr := wallbounce.NewError(wallbounce.KindAdapterError, fmt.Sprintf("adapter %s failed: %v", desc.ID, err))
			r := wallbounce.ToResult(werr)
			resp.Error = &r
		}
		resp.ProviderID = desc.ID
		if resp.LatencyMillis == 0 {
			resp.LatencyMillis = latency.Milliseconds()
		}
		d.log.WithProvider(desc.ID).Warn("adapter failed", map[string]any{
			"reason": err.Error(),
		})
		return resp
	}
	metrics.AdapterCalls.WithLabelValues(desc.ID, "ok").Inc()
	return resp
}

func (d *Dispatcher) emit(analysisID string, ev wallbounce.Event) {
	if d.emitter == nil {
		return
	}
	d.emitter.Publish(analysisID, ev)
}
