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

// Package mcpadapter implements wallbounce.Provider over the Model
// Context Protocol: one long-lived stdio client per configured server,
// with requests multiplexed by the protocol's request ids. Tool calls
// the server exposes are classified for side effects and gated through
// the approval manager before execution.
package mcpadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wallbounce/analyzer/internal/approval"
	"github.com/wallbounce/analyzer/internal/provider"
	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// DefaultToolTimeout bounds a single tool invocation through MCP.
const DefaultToolTimeout = 25 * time.Second

// Gate is the slice of the approval manager the adapter needs: request
// approval for a side-effecting tool call, then wait for the verdict.
type Gate interface {
	Request(ctx context.Context, analysisID string, inv wallbounce.ToolInvocation, autoMode bool) (wallbounce.ApprovalRequest, error)
	Await(ctx context.Context, requestID string) (wallbounce.ApprovalState, error)
}

// mcpClient is the subset of the MCP client the adapter uses,
// extracted so tests can run without spawning a server process.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Adapter answers queries by calling a designated tool on one MCP
// server. The underlying stdio client lives for the adapter's whole
// lifetime; the protocol multiplexes concurrent requests by id.
type Adapter struct {
	descriptor wallbounce.ProviderDescriptor

	// QueryTool is the server tool invoked per query; its single
	// argument is the prompt text under ArgumentName.
	QueryTool    string
	ArgumentName string

	// SandboxLevel classifies this server's tool calls for the
	// approval workflow.
	SandboxLevel wallbounce.SandboxLevel

	// ToolTimeout bounds each CallTool round trip.
	ToolTimeout time.Duration

	gate Gate

	mu     sync.Mutex
	client mcpClient
	ready  bool
}

// New spawns the MCP server as a subprocess speaking stdio and returns
// an Adapter bound to it. The command runs with an explicit argument
// vector, never through a shell.
func New(desc wallbounce.ProviderDescriptor, gate Gate, command string, env []string, args ...string) (*Adapter, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", command, err)
	}
	return newWithClient(desc, gate, c), nil
}

func newWithClient(desc wallbounce.ProviderDescriptor, gate Gate, c mcpClient) *Adapter {
	desc.InvocationKind = wallbounce.InvocationMCPClient
	return &Adapter{
		descriptor:   desc,
		QueryTool:    "query",
		ArgumentName: "prompt",
		SandboxLevel: wallbounce.SandboxReadOnly,
		ToolTimeout:  DefaultToolTimeout,
		gate:         gate,
		client:       c,
	}
}

// Describe implements wallbounce.Provider.
func (a *Adapter) Describe() wallbounce.ProviderDescriptor { return a.descriptor }

// initialize performs the MCP handshake once per client lifetime.
func (a *Adapter) initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready {
		return nil
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "wallbounce-analyzer", Version: "1.0.0"}
	if _, err := a.client.Initialize(ctx, req); err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	a.ready = true
	return nil
}

// HealthCheck implements wallbounce.Provider with a protocol ping.
func (a *Adapter) HealthCheck(ctx context.Context) (wallbounce.HealthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := a.initialize(ctx); err != nil {
		return wallbounce.HealthResult{OK: false, LatencyMillis: time.Since(start).Milliseconds(), Message: err.Error()}, nil
	}
	if err := a.client.Ping(ctx); err != nil {
		return wallbounce.HealthResult{OK: false, LatencyMillis: time.Since(start).Milliseconds(), Message: err.Error()}, nil
	}
	return wallbounce.HealthResult{OK: true, LatencyMillis: time.Since(start).Milliseconds()}, nil
}

// Invoke implements wallbounce.Provider by calling the configured
// query tool.
func (a *Adapter) Invoke(ctx context.Context, query wallbounce.Query) (wallbounce.ProviderResponse, error) {
	start := time.Now()

	if err := a.initialize(ctx); err != nil {
		return a.errorResponse(start, err.Error())
	}

	content, err := a.CallTool(ctx, "", wallbounce.ToolInvocation{
		ToolName:     a.QueryTool,
		Arguments:    map[string]any{a.ArgumentName: query.Text},
		SandboxLevel: wallbounce.SandboxReadOnly,
	}, false)
	if err != nil {
		if werr, ok := err.(*wallbounce.Error); ok {
			res := wallbounce.ToResult(werr)
			return wallbounce.ProviderResponse{
				ProviderID:    a.descriptor.ID,
				LatencyMillis: time.Since(start).Milliseconds(),
				Error:         &res,
			}, werr
		}
		return a.errorResponse(start, err.Error())
	}

	return wallbounce.ProviderResponse{
		ProviderID:    a.descriptor.ID,
		Content:       content,
		Confidence:    provider.DefaultConfidence(content),
		LatencyMillis: time.Since(start).Milliseconds(),
	}, nil
}

// CallTool executes one tool on the server. Side-effecting
// invocations are gated by the approval manager first: a denied or
// expired approval fails the call with approval_denied and the tool is
// never executed.
func (a *Adapter) CallTool(ctx context.Context, analysisID string, inv wallbounce.ToolInvocation, autoMode bool) (string, error) {
	if inv.SandboxLevel == "" {
		inv.SandboxLevel = a.SandboxLevel
	}

	if a.gate != nil && approval.SideEffecting(inv) {
		rec, err := a.gate.Request(ctx, analysisID, inv, autoMode)
		if err != nil {
			return "", err
		}
		inv.ApprovalRequestID = rec.RequestID
		if _, err := a.gate.Await(ctx, rec.RequestID); err != nil {
			return "", err
		}
	}

	timeout := a.ToolTimeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = inv.ToolName
	req.Params.Arguments = inv.Arguments

	out, err := a.client.CallTool(tctx, req)
	if err != nil {
		return "", wallbounce.NewError(wallbounce.KindAdapterError,
			fmt.Sprintf("mcp tool %q failed: %v", inv.ToolName, err)).WithRetryable(true)
	}
	if out.IsError {
		return "", wallbounce.NewError(wallbounce.KindAdapterError,
			fmt.Sprintf("mcp tool %q returned an error result", inv.ToolName)).WithRetryable(true)
	}
	return flattenContent(out), nil
}

// Close shuts the underlying client (and its server subprocess) down.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// flattenContent concatenates the text parts of a tool result.
func flattenContent(res *mcp.CallToolResult) string {
	var out string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}

func (a *Adapter) errorResponse(start time.Time, message string) (wallbounce.ProviderResponse, error) {
	werr := wallbounce.NewError(wallbounce.KindAdapterError, message).WithRetryable(true)
	res := wallbounce.ToResult(werr)
	return wallbounce.ProviderResponse{
		ProviderID:    a.descriptor.ID,
		LatencyMillis: time.Since(start).Milliseconds(),
		Error:         &res,
	}, werr
}
