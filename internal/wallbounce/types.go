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

// Package wallbounce holds the shared data model for the wall-bounce
// orchestration core: queries, provider descriptors, votes, consensus
// results, sessions, approvals and the event types that flow between
// the registry, dispatcher, consensus engine, session manager,
// approval manager and event bus.
package wallbounce

import "time"

// TaskType selects the minimum rigor the registry must apply when
// selecting adapters for a query.
type TaskType string

const (
	TaskBasic    TaskType = "basic"
	TaskPremium  TaskType = "premium"
	TaskCritical TaskType = "critical"
)

// DispatchMode selects how the dispatcher invokes the selected adapters.
type DispatchMode string

const (
	ModeParallel   DispatchMode = "parallel"
	ModeSequential DispatchMode = "sequential"
)

// SandboxLevel bounds what a tool invocation is permitted to do.
type SandboxLevel string

const (
	SandboxReadOnly   SandboxLevel = "read-only"
	SandboxIsolated   SandboxLevel = "isolated"
	SandboxFullAccess SandboxLevel = "full-access"
)

// InvocationKind identifies how an adapter reaches its backend.
type InvocationKind string

const (
	InvocationSubprocess  InvocationKind = "subprocess"
	InvocationInProcessSDK InvocationKind = "in-process-sdk"
	InvocationMCPClient   InvocationKind = "mcp-client"
)

// Capability names a feature an adapter claims to support.
type Capability string

const (
	CapabilityCoding      Capability = "coding"
	CapabilityAnalysis    Capability = "analysis"
	CapabilityCreative    Capability = "creative"
	CapabilityAggregation Capability = "aggregation"
)

// QualityTier summarizes how trustworthy a Consensus result is.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// ApprovalState is the lifecycle state of an ApprovalRequest.
type ApprovalState string

const (
	ApprovalPending      ApprovalState = "pending"
	ApprovalApproved     ApprovalState = "approved"
	ApprovalDenied       ApprovalState = "denied"
	ApprovalAutoApproved ApprovalState = "auto-approved"
	ApprovalExpired      ApprovalState = "expired"
)

// RiskLevel classifies how much damage a tool invocation could cause.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// EventType tags the union of events published on the event bus.
type EventType string

const (
	EventThinking          EventType = "thinking"
	EventProviderResponse  EventType = "provider_response"
	EventConsensusUpdate   EventType = "consensus_update"
	EventFinalAnswer       EventType = "final_answer"
	EventError             EventType = "error"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventDropped           EventType = "dropped"
	EventCanceled          EventType = "canceled"
	EventRotationRelaxed   EventType = "rotation_relaxed"
)

// Query carries the user's input plus the dispatch options that govern
// how the orchestrator handles a single analysis. Queries are
// immutable once accepted by the orchestrator.
type Query struct {
	Text string `json:"text"`

	TaskType          TaskType     `json:"task_type"`
	Mode              DispatchMode `json:"mode"`
	Depth             int          `json:"depth"`
	MinProviders      int          `json:"min_providers"`
	ConfidenceFloor   float64      `json:"confidence_floor"`
	ConsensusFloor    float64      `json:"consensus_floor"`
	SessionID         string       `json:"session_id,omitempty"`
	IncludeThinking   bool         `json:"include_thinking,omitempty"`
	SandboxLevel      SandboxLevel `json:"sandbox_level,omitempty"`
	AutoMode          bool         `json:"auto_mode,omitempty"`
	AutoEscalate      bool         `json:"auto_escalate,omitempty"`
	RequireConsensus  bool         `json:"require_consensus,omitempty"`
	MustDifferFrom    []string     `json:"must_differ_from,omitempty"`
}

// DefaultedQuery returns a copy of q with the documented defaults
// applied for any zero-valued option.
func DefaultedQuery(q Query) Query {
	if q.Mode == "" {
		q.Mode = ModeParallel
	}
	if q.MinProviders == 0 {
		q.MinProviders = 2
	}
	if q.ConfidenceFloor == 0 {
		q.ConfidenceFloor = 0.7
	}
	if q.ConsensusFloor == 0 {
		q.ConsensusFloor = 0.6
	}
	if q.Depth == 0 {
		q.Depth = 3
	}
	if q.SandboxLevel == "" {
		q.SandboxLevel = SandboxReadOnly
	}
	return q
}

// ProviderDescriptor is the registry's static, read-only record for a
// registered adapter. Lifetime is process-long.
type ProviderDescriptor struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Vendor         string           `json:"vendor"`
	Tier           int              `json:"tier"`
	Capabilities   []Capability     `json:"capabilities"`
	CostPerToken   float64          `json:"cost_per_token"`
	InvocationKind InvocationKind   `json:"invocation_kind"`
}

// TokenUsage tracks prompt/completion token counts for one response.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ProviderResponse is the immutable result of one adapter invocation.
type ProviderResponse struct {
	ProviderID     string     `json:"provider_id"`
	Content        string     `json:"content"`
	Confidence     float64    `json:"confidence"`
	Reasoning      string     `json:"reasoning,omitempty"`
	LatencyMillis  int64      `json:"latency_millis"`
	TokenUsage     TokenUsage `json:"token_usage"`
	RawCostEstimate float64   `json:"raw_cost_estimate"`
	Error          *Result    `json:"error,omitempty"`
}

// Vote pairs a ProviderResponse with its consensus-computed agreement
// score. AgreementScore is populated by the consensus engine once all
// votes for an analysis are in.
type Vote struct {
	Response       ProviderResponse `json:"response"`
	AgreementScore float64          `json:"agreement_score"`
}

// Consensus is the final synthesized result of one analysis.
type Consensus struct {
	WinnerProviderID string      `json:"winner_provider_id"`
	Content          string      `json:"content"`
	Confidence       float64     `json:"confidence"`
	Reasoning        string      `json:"reasoning"`
	Votes            []Vote      `json:"votes"`
	QualityTier      QualityTier `json:"quality_tier"`
}

// Turn is one analysis recorded within a Session, carrying its index.
type Turn struct {
	TurnIndex        int       `json:"turn_index"`
	Query            Query     `json:"query"`
	Consensus        Consensus `json:"consensus"`
	ProviderIDsUsed  []string  `json:"provider_ids_used"`
}

// Session is a durable sequence of turns sharing routing-policy state.
type Session struct {
	SessionID      string       `json:"session_id"`
	ConversationID string       `json:"conversation_id"`
	CreatedAt      time.Time    `json:"created_at"`
	LastTouchedAt  time.Time    `json:"last_touched_at"`
	Turns          []Turn       `json:"turns"`
	Model          string       `json:"model,omitempty"`
	SandboxLevel   SandboxLevel `json:"sandbox_level,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
}

// RoutingPolicy is what the Session Manager derives for the next turn.
type RoutingPolicy struct {
	MinProviders   int
	MustDifferFrom []string
	TaskType       TaskType
	RotationRelaxed bool
}

// ApprovalRequest gates a risky tool invocation until it is resolved
// (by a human, a policy engine, or auto-approval) or expires.
type ApprovalRequest struct {
	RequestID   string        `json:"request_id"`
	ToolName    string        `json:"tool_name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	RiskLevel   RiskLevel     `json:"risk_level"`
	RequestedAt time.Time     `json:"requested_at"`
	State       ApprovalState `json:"state"`
}

// ToolInvocation is issued by an adapter when it wants to call a tool
// that may have side effects.
type ToolInvocation struct {
	ToolName          string         `json:"tool_name"`
	Arguments         map[string]any `json:"arguments,omitempty"`
	SandboxLevel      SandboxLevel   `json:"sandbox_level"`
	ApprovalRequestID string         `json:"approval_request_id,omitempty"`
}

// Event is one entry in an analysis's ordered event stream.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	AnalysisID string   `json:"analysis_id"`

	// Payload fields, populated according to Type.
	ProviderID string           `json:"provider_id,omitempty"`
	Content    string           `json:"content,omitempty"`
	Response   *ProviderResponse `json:"response,omitempty"`
	Consensus  *Consensus       `json:"consensus,omitempty"`
	Approval   *ApprovalRequest `json:"approval,omitempty"`
	Message    string           `json:"message,omitempty"`
	Covers     []uint64         `json:"covers,omitempty"`
}
