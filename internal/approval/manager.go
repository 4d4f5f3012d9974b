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

// Package approval gates side-effecting tool invocations behind a
// risk-graded approval workflow: low/medium risk auto-approves when
// auto mode is on, everything else pauses until a human or policy
// engine resolves the request or it expires.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/analyzer/internal/metrics"
	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// DefaultTimeout is how long a pending request waits before expiring.
const DefaultTimeout = 60 * time.Second

// Decision is a resolver's verdict on a pending request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Emitter is the slice of the event bus the manager needs; it is an
// interface so tests can capture emissions without a live bus.
type Emitter interface {
	Publish(analysisID string, ev wallbounce.Event)
}

// request pairs the public ApprovalRequest with its waiters and the
// analysis that originated it.
type request struct {
	record     wallbounce.ApprovalRequest
	analysisID string
	resolved   chan struct{}
	timer      *time.Timer
}

// AuditEntry records one state transition. The audit log is
// append-only and observational; the request object's State field is
// the source of truth.
type AuditEntry struct {
	RequestID string
	From      wallbounce.ApprovalState
	To        wallbounce.ApprovalState
	At        time.Time
}

// Manager owns the approval request table. A single writer lock guards
// the table; each request carries its own resolved channel so waiters
// never hold the lock across the wait.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*request
	audit    []AuditEntry

	timeout time.Duration
	emitter Emitter
	log     *wbslog.Logger
}

// Option configures a Manager during construction.
type Option func(*Manager)

// WithTimeout overrides the pending-request expiry window.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithEmitter connects the manager to the event bus.
func WithEmitter(e Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithLogger overrides the manager's default logger.
func WithLogger(log *wbslog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager builds an empty approval Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		requests: make(map[string]*request),
		timeout:  DefaultTimeout,
		log:      wbslog.New("approval"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request classifies inv, creates an ApprovalRequest and either
// auto-approves it (auto mode, low/medium risk) or leaves it pending
// with an expiry timer and an approval_requested event.
func (m *Manager) Request(ctx context.Context, analysisID string, inv wallbounce.ToolInvocation, autoMode bool) (wallbounce.ApprovalRequest, error) {
	risk := Classify(inv, autoMode)

	rec := wallbounce.ApprovalRequest{
		RequestID:   uuid.New().String(),
		ToolName:    inv.ToolName,
		Arguments:   inv.Arguments,
		RiskLevel:   risk,
		RequestedAt: time.Now().UTC(),
		State:       wallbounce.ApprovalPending,
	}

	req := &request{record: rec, analysisID: analysisID, resolved: make(chan struct{})}

	m.mu.Lock()
	m.requests[rec.RequestID] = req
	if autoMode && (risk == wallbounce.RiskLow || risk == wallbounce.RiskMedium) {
		m.transitionLocked(req, wallbounce.ApprovalAutoApproved)
		snapshot := req.record
		m.mu.Unlock()
		m.emit(analysisID, wallbounce.Event{
			Type:     wallbounce.EventApprovalResolved,
			Approval: &snapshot,
		})
		return snapshot, nil
	}
	req.timer = time.AfterFunc(m.timeout, func() { m.expire(rec.RequestID) })
	snapshot := req.record
	m.mu.Unlock()

	m.emit(analysisID, wallbounce.Event{
		Type:     wallbounce.EventApprovalRequested,
		Approval: &snapshot,
	})
	m.log.WithAnalysis(analysisID).WithRequest(rec.RequestID).Info("approval requested", map[string]any{
		"tool": SanitizeLogString(inv.ToolName), "risk": string(risk),
	})
	return snapshot, nil
}

// Resolve applies a decision to a pending request. It is idempotent:
// repeating the same decision on a settled request is a no-op, while a
// conflicting decision fails with invalid_transition.
func (m *Manager) Resolve(requestID string, decision Decision) (wallbounce.ApprovalRequest, error) {
	target := wallbounce.ApprovalApproved
	if decision == DecisionDenied {
		target = wallbounce.ApprovalDenied
	}

	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return wallbounce.ApprovalRequest{}, wallbounce.NewError(wallbounce.KindInvalidInput,
			fmt.Sprintf("unknown approval request %q", requestID))
	}

	switch req.record.State {
	case wallbounce.ApprovalPending:
		if req.timer != nil {
			req.timer.Stop()
		}
		m.transitionLocked(req, target)
		rec := req.record
		analysisID := req.analysisID
		m.mu.Unlock()
		m.emit(analysisID, wallbounce.Event{
			Type:     wallbounce.EventApprovalResolved,
			Approval: &rec,
		})
		return rec, nil
	case target:
		// Same decision twice: terminal states are sticky and the
		// repeat is a no-op.
		rec := req.record
		m.mu.Unlock()
		return rec, nil
	default:
		rec := req.record
		m.mu.Unlock()
		return rec, wallbounce.NewError(wallbounce.KindInvalidTransition,
			fmt.Sprintf("approval %s already %s", requestID, rec.State))
	}
}

// Await blocks until the request reaches a terminal state or ctx is
// done. Denied and expired both surface as approval_denied with
// retryable=false, which the dispatcher folds into the adapter's vote.
func (m *Manager) Await(ctx context.Context, requestID string) (wallbounce.ApprovalState, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	m.mu.Unlock()
	if !ok {
		return "", wallbounce.NewError(wallbounce.KindInvalidInput,
			fmt.Sprintf("unknown approval request %q", requestID))
	}

	select {
	case <-req.resolved:
	case <-ctx.Done():
		m.expire(requestID)
		<-req.resolved
	}

	m.mu.Lock()
	state := req.record.State
	tool := req.record.ToolName
	m.mu.Unlock()

	switch state {
	case wallbounce.ApprovalApproved, wallbounce.ApprovalAutoApproved:
		return state, nil
	default:
		return state, wallbounce.NewError(wallbounce.KindApprovalDenied,
			fmt.Sprintf("tool %q was not approved (state %s)", tool, state)).WithRetryable(false)
	}
}

// Get returns a snapshot of the request, if known.
func (m *Manager) Get(requestID string) (wallbounce.ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return wallbounce.ApprovalRequest{}, false
	}
	return req.record, true
}

// Pending returns a snapshot of every request still awaiting
// resolution, ordered by request time.
func (m *Manager) Pending() []wallbounce.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wallbounce.ApprovalRequest
	for _, req := range m.requests {
		if req.record.State == wallbounce.ApprovalPending {
			out = append(out, req.record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// ExpireForAnalysis expires every still-pending request originated by
// a canceled analysis.
func (m *Manager) ExpireForAnalysis(analysisID string) {
	m.mu.Lock()
	var ids []string
	for id, req := range m.requests {
		if req.analysisID == analysisID && req.record.State == wallbounce.ApprovalPending {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.expire(id)
	}
}

// AuditLog returns a copy of the append-only transition log.
func (m *Manager) AuditLog() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok || req.record.State != wallbounce.ApprovalPending {
		m.mu.Unlock()
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	m.transitionLocked(req, wallbounce.ApprovalExpired)
	rec := req.record
	analysisID := req.analysisID
	m.mu.Unlock()

	m.emit(analysisID, wallbounce.Event{
		Type:     wallbounce.EventApprovalResolved,
		Approval: &rec,
	})
}

// transitionLocked moves req to state, signals waiters on terminal
// states and appends to the audit log. Callers hold m.mu.
func (m *Manager) transitionLocked(req *request, state wallbounce.ApprovalState) {
	m.audit = append(m.audit, AuditEntry{
		RequestID: req.record.RequestID,
		From:      req.record.State,
		To:        state,
		At:        time.Now().UTC(),
	})
	req.record.State = state
	metrics.ApprovalTransitions.WithLabelValues(string(state)).Inc()
	if state != wallbounce.ApprovalPending {
		close(req.resolved)
	}
}

func (m *Manager) emit(analysisID string, ev wallbounce.Event) {
	if m.emitter == nil {
		return
	}
	m.emitter.Publish(analysisID, ev)
}
