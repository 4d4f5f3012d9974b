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

package wallbounce

import "context"

// Provider is the capability surface every adapter kind (subprocess,
// in-process SDK, MCP-client) must implement. It collapses the
// vendor-specific wire protocols behind one contract the registry and
// dispatcher can treat uniformly.
type Provider interface {
	// Invoke sends ctx a single query and returns the provider's
	// response. Adapters are stateless across calls; any per-session
	// state is the Session Manager's concern, not the adapter's.
	Invoke(ctx context.Context, query Query) (ProviderResponse, error)

	// Describe returns the adapter's static registration metadata.
	Describe() ProviderDescriptor

	// HealthCheck reports whether the backend is currently reachable.
	HealthCheck(ctx context.Context) (HealthResult, error)
}

// HealthResult is the outcome of one HealthCheck call.
type HealthResult struct {
	OK            bool
	LatencyMillis int64
	Message       string
}

// StreamingProvider is implemented by adapters that can emit partial
// content as it is produced. Non-streaming adapters simply don't
// implement this interface; callers type-assert for it.
type StreamingProvider interface {
	Provider

	// InvokeStream behaves like Invoke but calls onChunk for every
	// partial piece of content as it arrives. The final return value
	// is the same complete ProviderResponse Invoke would have produced.
	InvokeStream(ctx context.Context, query Query, onChunk func(chunk string) error) (ProviderResponse, error)
}

// ToolCaller is implemented by adapters that may issue ToolInvocations
// requiring gating by the Approval Manager before execution.
type ToolCaller interface {
	// PendingInvocations drains any ToolInvocations the adapter has
	// queued for approval since the last call.
	PendingInvocations() []ToolInvocation
}
