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

package orchestrator

import (
	"context"
	"fmt"

	"github.com/wallbounce/analyzer/internal/approval"
	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// CreateSession starts a new multi-turn session.
func (o *Orchestrator) CreateSession(ctx context.Context, userID string) (*wallbounce.Session, error) {
	return o.sessions.Create(ctx, userID)
}

// GetSession returns the session, or nil when unknown.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*wallbounce.Session, error) {
	return o.sessions.Load(ctx, sessionID)
}

// DeleteSession removes a session.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	return o.sessions.Delete(ctx, sessionID)
}

// ContinueSession runs one more turn of an existing session.
func (o *Orchestrator) ContinueSession(ctx context.Context, sessionID string, query wallbounce.Query) (*Analysis, error) {
	query.SessionID = sessionID
	return o.Analyze(ctx, query)
}

// ListProviders returns every registered provider descriptor.
func (o *Orchestrator) ListProviders() []wallbounce.ProviderDescriptor {
	return o.registry.List()
}

// ProviderHealth runs a live health check for one provider.
func (o *Orchestrator) ProviderHealth(ctx context.Context, providerID string) (wallbounce.HealthResult, error) {
	p, ok := o.registry.Get(providerID)
	if !ok {
		return wallbounce.HealthResult{}, wallbounce.NewError(wallbounce.KindInvalidInput,
			fmt.Sprintf("unknown provider %q", providerID))
	}
	res, err := p.HealthCheck(ctx)
	if err != nil {
		return wallbounce.HealthResult{OK: false, Message: err.Error()}, nil
	}
	return res, nil
}

// ResolveApproval applies a human or policy decision to a pending
// approval request.
func (o *Orchestrator) ResolveApproval(requestID string, decision approval.Decision) (wallbounce.ApprovalRequest, error) {
	return o.approvals.Resolve(requestID, decision)
}

// PendingApprovals lists requests still awaiting resolution.
func (o *Orchestrator) PendingApprovals() []wallbounce.ApprovalRequest {
	return o.approvals.Pending()
}
