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

package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []wallbounce.Event
}

func (c *captureEmitter) Publish(analysisID string, ev wallbounce.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.AnalysisID = analysisID
	c.events = append(c.events, ev)
}

func (c *captureEmitter) byType(t wallbounce.EventType) []wallbounce.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wallbounce.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func invocation(tool string, sandbox wallbounce.SandboxLevel) wallbounce.ToolInvocation {
	return wallbounce.ToolInvocation{ToolName: tool, SandboxLevel: sandbox}
}

func TestRiskTable(t *testing.T) {
	cases := []struct {
		sandbox  wallbounce.SandboxLevel
		autoMode bool
		want     wallbounce.RiskLevel
	}{
		{wallbounce.SandboxFullAccess, true, wallbounce.RiskCritical},
		{wallbounce.SandboxFullAccess, false, wallbounce.RiskHigh},
		{wallbounce.SandboxIsolated, true, wallbounce.RiskMedium},
		{wallbounce.SandboxIsolated, false, wallbounce.RiskMedium},
		{wallbounce.SandboxReadOnly, true, wallbounce.RiskLow},
		{wallbounce.SandboxReadOnly, false, wallbounce.RiskLow},
	}
	for _, tc := range cases {
		got := Classify(invocation("search", tc.sandbox), tc.autoMode)
		assert.Equal(t, tc.want, got, "sandbox=%s autoMode=%v", tc.sandbox, tc.autoMode)
	}
}

func TestDangerousArgumentsEscalate(t *testing.T) {
	inv := invocation("read_file", wallbounce.SandboxReadOnly)
	inv.Arguments = map[string]any{"path": "../../etc/passwd"}
	assert.Equal(t, wallbounce.RiskMedium, Classify(inv, false))
}

func TestSideEffectingClassifier(t *testing.T) {
	assert.True(t, SideEffecting(invocation("delete_record", wallbounce.SandboxIsolated)))
	assert.True(t, SideEffecting(invocation("fs_write", wallbounce.SandboxFullAccess)))
	assert.False(t, SideEffecting(invocation("search", wallbounce.SandboxIsolated)))
	assert.False(t, SideEffecting(invocation("delete_record", wallbounce.SandboxReadOnly)),
		"read-only sandbox never requires approval")
}

func TestAutoApproval(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(WithEmitter(emitter))

	rec, err := m.Request(context.Background(), "a1", invocation("update_row", wallbounce.SandboxIsolated), true)
	require.NoError(t, err)
	assert.Equal(t, wallbounce.ApprovalAutoApproved, rec.State)

	state, err := m.Await(context.Background(), rec.RequestID)
	require.NoError(t, err)
	assert.Equal(t, wallbounce.ApprovalAutoApproved, state)

	assert.Empty(t, emitter.byType(wallbounce.EventApprovalRequested))
	assert.Len(t, emitter.byType(wallbounce.EventApprovalResolved), 1)
}

func TestManualApproveFlow(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(WithEmitter(emitter))

	rec, err := m.Request(context.Background(), "a1", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)
	require.Equal(t, wallbounce.ApprovalPending, rec.State)
	require.Len(t, emitter.byType(wallbounce.EventApprovalRequested), 1)

	done := make(chan error, 1)
	go func() {
		_, err := m.Await(context.Background(), rec.RequestID)
		done <- err
	}()

	_, err = m.Resolve(rec.RequestID, DecisionApproved)
	require.NoError(t, err)
	require.NoError(t, <-done)

	got, ok := m.Get(rec.RequestID)
	require.True(t, ok)
	assert.Equal(t, wallbounce.ApprovalApproved, got.State)
}

func TestDenialSurfacesAsApprovalDenied(t *testing.T) {
	m := NewManager()
	rec, err := m.Request(context.Background(), "a1", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)

	_, err = m.Resolve(rec.RequestID, DecisionDenied)
	require.NoError(t, err)

	state, err := m.Await(context.Background(), rec.RequestID)
	assert.Equal(t, wallbounce.ApprovalDenied, state)
	var werr *wallbounce.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindApprovalDenied, werr.Kind)
	assert.False(t, werr.Retryable)
}

func TestResolveIdempotence(t *testing.T) {
	m := NewManager()
	rec, err := m.Request(context.Background(), "a1", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)

	_, err = m.Resolve(rec.RequestID, DecisionApproved)
	require.NoError(t, err)

	// Same decision again: no-op.
	got, err := m.Resolve(rec.RequestID, DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, wallbounce.ApprovalApproved, got.State)

	// Conflicting decision: invalid_transition, state unchanged.
	_, err = m.Resolve(rec.RequestID, DecisionDenied)
	var werr *wallbounce.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindInvalidTransition, werr.Kind)

	got, ok := m.Get(rec.RequestID)
	require.True(t, ok)
	assert.Equal(t, wallbounce.ApprovalApproved, got.State)
}

func TestPendingExpires(t *testing.T) {
	m := NewManager(WithTimeout(20 * time.Millisecond))
	rec, err := m.Request(context.Background(), "a1", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)

	state, err := m.Await(context.Background(), rec.RequestID)
	assert.Equal(t, wallbounce.ApprovalExpired, state)
	var werr *wallbounce.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindApprovalDenied, werr.Kind)

	// Expired is terminal: a late resolution conflicts.
	_, err = m.Resolve(rec.RequestID, DecisionApproved)
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindInvalidTransition, werr.Kind)
}

func TestExpireForAnalysis(t *testing.T) {
	m := NewManager()
	rec, err := m.Request(context.Background(), "a1", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)
	other, err := m.Request(context.Background(), "a2", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)

	m.ExpireForAnalysis("a1")

	got, _ := m.Get(rec.RequestID)
	assert.Equal(t, wallbounce.ApprovalExpired, got.State)
	got, _ = m.Get(other.RequestID)
	assert.Equal(t, wallbounce.ApprovalPending, got.State, "other analyses are untouched")
}

func TestAuditLogRecordsTransitions(t *testing.T) {
	m := NewManager()
	rec, err := m.Request(context.Background(), "a1", invocation("exec_shell", wallbounce.SandboxFullAccess), false)
	require.NoError(t, err)
	_, err = m.Resolve(rec.RequestID, DecisionDenied)
	require.NoError(t, err)

	log := m.AuditLog()
	require.Len(t, log, 1)
	assert.Equal(t, wallbounce.ApprovalPending, log[0].From)
	assert.Equal(t, wallbounce.ApprovalDenied, log[0].To)
}

func TestSanitizeLogString(t *testing.T) {
	assert.Equal(t, "a b", SanitizeLogString("a\nb"))
	assert.NotContains(t, SanitizeLogString("x\x00y"), "\x00")
}
