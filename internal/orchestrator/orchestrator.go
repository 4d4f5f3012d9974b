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

// Package orchestrator is the top-level entry point of the wall-bounce
// core: it validates a query, resolves session context, drives the
// dispatcher, scores consensus, persists the turn and emits the final
// event. It is the only layer that turns typed errors into
// user-visible results.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/analyzer/internal/approval"
	"github.com/wallbounce/analyzer/internal/consensus"
	"github.com/wallbounce/analyzer/internal/dispatcher"
	"github.com/wallbounce/analyzer/internal/eventbus"
	"github.com/wallbounce/analyzer/internal/provider"
	"github.com/wallbounce/analyzer/internal/session"
	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// State is the per-analysis state machine. escalated is terminal: it
// marks an analysis whose first consensus fell below the floor and was
// retried once with a wider provider set.
type State string

const (
	StateReceived         State = "received"
	StateDispatching      State = "dispatching"
	StateConsensusPending State = "consensus_pending"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateEscalated        State = "escalated"
)

// Config carries the orchestrator-level knobs from the configuration
// surface; zero values fall back to the documented defaults.
type Config struct {
	PerAdapterTimeout time.Duration
	WholeTimeout      time.Duration
	AutoEscalate      bool
}

// Orchestrator composes the core's components. It is constructed once
// at startup and passed around explicitly; tests substitute fakes for
// any dependency.
type Orchestrator struct {
	registry   *provider.Registry
	dispatcher *dispatcher.Dispatcher
	engine     *consensus.Engine
	sessions   *session.Manager
	approvals  *approval.Manager
	bus        *eventbus.Bus
	cfg        Config
	log        *wbslog.Logger
}

// New wires an Orchestrator from its components.
func New(reg *provider.Registry, disp *dispatcher.Dispatcher, eng *consensus.Engine, sess *session.Manager, appr *approval.Manager, bus *eventbus.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		dispatcher: disp,
		engine:     eng,
		sessions:   sess,
		approvals:  appr,
		bus:        bus,
		cfg:        cfg,
		log:        wbslog.New("orchestrator"),
	}
}

// Analysis is the outcome of one Analyze call.
type Analysis struct {
	AnalysisID string
	State      State
	Consensus  *wallbounce.Consensus

	// Warnings carries non-fatal conditions (rotation relaxed,
	// consensus below threshold) the caller may surface.
	Warnings []string
}

// Analyze runs one full analysis synchronously. The returned error,
// when non-nil, is always a *wallbounce.Error; ResultOf converts it to
// the user-visible shape.
func (o *Orchestrator) Analyze(ctx context.Context, query wallbounce.Query) (*Analysis, error) {
	analysisID := uuid.New().String()
	return o.run(ctx, analysisID, query)
}

// Outcome is delivered on AnalyzeStream's done channel once the
// background analysis finishes.
type Outcome struct {
	Analysis *Analysis
	Err      error
}

// AnalyzeStream subscribes subscriberID to the analysis's event stream
// and runs the analysis in the background. The subscription terminates
// with a final_answer, error or canceled event; the full outcome
// arrives on the returned channel.
func (o *Orchestrator) AnalyzeStream(ctx context.Context, query wallbounce.Query, subscriberID string) (*eventbus.Subscription, <-chan Outcome, error) {
	analysisID := uuid.New().String()
	sub, err := o.bus.Subscribe(analysisID, subscriberID)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan Outcome, 1)
	go func() {
		a, err := o.run(ctx, analysisID, query)
		done <- Outcome{Analysis: a, Err: err}
	}()
	return sub, done, nil
}

// run is the state machine shared by Analyze and AnalyzeStream.
func (o *Orchestrator) run(ctx context.Context, analysisID string, query wallbounce.Query) (*Analysis, error) {
	a := &Analysis{AnalysisID: analysisID, State: StateReceived}
	defer o.bus.CloseAnalysis(analysisID)

	if err := validate(query); err != nil {
		a.State = StateFailed
		o.emitError(analysisID, err)
		return a, err
	}
	query = wallbounce.DefaultedQuery(query)

	// Session context: derive the routing policy and fold prior turns
	// into the prompt.
	var sess *wallbounce.Session
	dispatchQuery := query
	policy := wallbounce.RoutingPolicy{TaskType: query.TaskType, MinProviders: query.MinProviders}
	if query.SessionID != "" {
		var err error
		sess, err = o.sessions.Load(ctx, query.SessionID)
		if err != nil {
			a.State = StateFailed
			o.emitError(analysisID, err)
			return a, err
		}
		if sess == nil {
			err := wallbounce.NewError(wallbounce.KindInvalidInput, fmt.Sprintf("unknown session %q", query.SessionID))
			a.State = StateFailed
			o.emitError(analysisID, err)
			return a, err
		}
		policy = o.sessions.DerivePolicy(sess, query)
		dispatchQuery.Text = o.sessions.ContextPrompt(sess, query.Text)
	}
	if len(query.MustDifferFrom) > 0 {
		policy.MustDifferFrom = append(policy.MustDifferFrom, query.MustDifferFrom...)
	}

	a.State = StateDispatching
	outcome, err := o.dispatchAndScore(ctx, analysisID, dispatchQuery, query, policy, a)
	if err != nil {
		a.State = StateFailed
		if werr, ok := err.(*wallbounce.Error); ok && werr.Kind == wallbounce.KindCanceled {
			o.approvals.ExpireForAnalysis(analysisID)
			o.bus.Publish(analysisID, wallbounce.Event{Type: wallbounce.EventCanceled, Message: "analysis canceled"})
			return a, err
		}
		o.emitError(analysisID, err)
		return a, err
	}

	a.State = StateSucceeded
	if outcome.BelowThreshold {
		a.Warnings = append(a.Warnings, "consensus_below_threshold")
		o.bus.Publish(analysisID, wallbounce.Event{
			Type:    wallbounce.EventConsensusUpdate,
			Message: "consensus_below_threshold",
		})

		if query.AutoEscalate {
			// One escalation per analysis: retry with a wider provider
			// floor, then accept whatever comes back.
			escalated, err := o.escalate(ctx, analysisID, dispatchQuery, query, policy, a)
			if err == nil && escalated != nil {
				outcome = escalated
				a.State = StateEscalated
			}
		}
	}
	a.Consensus = outcome.Consensus

	// Persist the turn before announcing the final answer, so a
	// session reader woken by the event sees the committed turn.
	if sess != nil {
		turn := wallbounce.Turn{
			Query:           query,
			Consensus:       *outcome.Consensus,
			ProviderIDsUsed: providerIDs(outcome.Consensus),
		}
		if _, err := o.sessions.AppendTurn(ctx, sess.SessionID, turn); err != nil {
			o.log.WithAnalysis(analysisID).WithSession(sess.SessionID).Warn("failed to persist turn", map[string]any{
				"reason": err.Error(),
			})
		}
	}

	o.bus.Publish(analysisID, wallbounce.Event{
		Type:      wallbounce.EventFinalAnswer,
		Consensus: outcome.Consensus,
	})
	return a, nil
}

// dispatchAndScore selects providers, dispatches and scores one round.
func (o *Orchestrator) dispatchAndScore(ctx context.Context, analysisID string, dispatchQuery, query wallbounce.Query, policy wallbounce.RoutingPolicy, a *Analysis) (*consensus.Outcome, error) {
	selection, err := o.registry.Select(policy.TaskType, policy.MinProviders, policy.MustDifferFrom)
	if err != nil {
		return nil, wallbounce.NewError(wallbounce.KindInsufficientProviders, "not enough eligible providers").WithCause(err)
	}
	if selection.RotationRelaxed {
		a.Warnings = append(a.Warnings, "rotation_relaxed")
		o.bus.Publish(analysisID, wallbounce.Event{
			Type:    wallbounce.EventRotationRelaxed,
			Message: "vendor rotation relaxed to satisfy the minimum provider count",
		})
	}

	res, err := o.dispatcher.Dispatch(ctx, analysisID, selection.Providers, dispatchQuery, dispatcher.Options{
		Mode:              query.Mode,
		MinProviders:      policy.MinProviders,
		Depth:             query.Depth,
		ConfidenceFloor:   query.ConfidenceFloor,
		IncludeThinking:   query.IncludeThinking,
		PerAdapterTimeout: o.cfg.PerAdapterTimeout,
		WholeTimeout:      o.cfg.WholeTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.State = StateConsensusPending
	outcome, err := o.engine.Score(res.Responses, consensus.Options{
		MinProviders:     policy.MinProviders,
		ConsensusFloor:   query.ConsensusFloor,
		RequireConsensus: query.RequireConsensus,
		Tiers:            o.tiers(),
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// escalate retries once with one extra provider required; failures
// leave the original consensus standing.
func (o *Orchestrator) escalate(ctx context.Context, analysisID string, dispatchQuery, query wallbounce.Query, policy wallbounce.RoutingPolicy, a *Analysis) (*consensus.Outcome, error) {
	o.log.WithAnalysis(analysisID).Info("escalating analysis with more providers", map[string]any{
		"min_providers": policy.MinProviders + 1,
	})
	policy.MinProviders++
	policy.MustDifferFrom = nil

	outcome, err := o.dispatchAndScore(ctx, analysisID, dispatchQuery, query, policy, a)
	if err != nil {
		o.log.WithAnalysis(analysisID).Warn("escalation failed, keeping original consensus", map[string]any{
			"reason": err.Error(),
		})
		return nil, err
	}
	return outcome, nil
}

func (o *Orchestrator) tiers() map[string]int {
	out := make(map[string]int)
	for _, d := range o.registry.List() {
		out[d.ID] = d.Tier
	}
	return out
}

func (o *Orchestrator) emitError(analysisID string, err error) {
	res := wallbounce.ToResult(err)
	o.bus.Publish(analysisID, wallbounce.Event{
		Type:    wallbounce.EventError,
		Message: res.Message,
	})
}

func providerIDs(c *wallbounce.Consensus) []string {
	out := make([]string, 0, len(c.Votes))
	for _, v := range c.Votes {
		out = append(out, v.Response.ProviderID)
	}
	return out
}

// validate enforces the option ranges before any work starts.
func validate(query wallbounce.Query) error {
	if query.Text == "" {
		return wallbounce.NewError(wallbounce.KindInvalidInput, "query text cannot be empty")
	}
	if query.MinProviders < 0 || (query.MinProviders > 0 && query.MinProviders < 2) {
		return wallbounce.NewError(wallbounce.KindInvalidInput, "minProviders must be at least 2")
	}
	if query.Depth < 0 || query.Depth > 5 {
		return wallbounce.NewError(wallbounce.KindInvalidInput, "depth must be between 1 and 5")
	}
	if query.ConfidenceFloor < 0 || query.ConfidenceFloor > 1 {
		return wallbounce.NewError(wallbounce.KindInvalidInput, "confidenceFloor must be within [0,1]")
	}
	if query.ConsensusFloor < 0 || query.ConsensusFloor > 1 {
		return wallbounce.NewError(wallbounce.KindInvalidInput, "consensusFloor must be within [0,1]")
	}
	switch query.TaskType {
	case "", wallbounce.TaskBasic, wallbounce.TaskPremium, wallbounce.TaskCritical:
	default:
		return wallbounce.NewError(wallbounce.KindInvalidInput, fmt.Sprintf("unknown task type %q", query.TaskType))
	}
	switch query.Mode {
	case "", wallbounce.ModeParallel, wallbounce.ModeSequential:
	default:
		return wallbounce.NewError(wallbounce.KindInvalidInput, fmt.Sprintf("unknown dispatch mode %q", query.Mode))
	}
	return nil
}

// ResultOf converts any analysis error into the structured
// user-visible failure shape. Details lists the providers that errored
// when a consensus partially exists.
func ResultOf(a *Analysis, err error) wallbounce.Result {
	res := wallbounce.ToResult(err)
	if a != nil && a.Consensus != nil {
		details := make(map[string]any)
		var failed []string
		for _, v := range a.Consensus.Votes {
			if v.Response.Error != nil {
				failed = append(failed, fmt.Sprintf("%s: %s", v.Response.ProviderID, v.Response.Error.Message))
			}
		}
		if len(failed) > 0 {
			details["failed_providers"] = failed
			res.Details = details
		}
	}
	return res
}
