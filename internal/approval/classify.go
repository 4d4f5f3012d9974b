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
	"strings"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// sideEffectingVerbs flag tool names whose action mutates state
// outside the sandbox. Matching is by lowercased prefix or
// underscore-delimited token so "delete_record" and "fs_write" both
// classify as side-effecting.
var sideEffectingVerbs = []string{
	"write", "delete", "remove", "create", "update", "insert",
	"exec", "execute", "run", "kill", "send", "post", "put", "patch",
	"drop", "truncate", "upload", "deploy", "install",
}

// SideEffecting reports whether a tool invocation may mutate state and
// therefore must pass through the approval workflow before execution.
// Read-only sandboxed calls never are; otherwise the tool name is
// matched against the mutation verb table.
func SideEffecting(inv wallbounce.ToolInvocation) bool {
	if inv.SandboxLevel == wallbounce.SandboxReadOnly {
		return false
	}
	name := strings.ToLower(inv.ToolName)
	for _, verb := range sideEffectingVerbs {
		if name == verb || strings.HasPrefix(name, verb+"_") || strings.HasPrefix(name, verb+"-") ||
			strings.Contains(name, "_"+verb) || strings.Contains(name, "-"+verb) {
			return true
		}
	}
	return false
}

// Classify applies the risk rule table over (sandboxLevel, autoMode),
// then lets dangerous-looking arguments bump the result one level.
func Classify(inv wallbounce.ToolInvocation, autoMode bool) wallbounce.RiskLevel {
	var risk wallbounce.RiskLevel
	switch inv.SandboxLevel {
	case wallbounce.SandboxFullAccess:
		if autoMode {
			risk = wallbounce.RiskCritical
		} else {
			risk = wallbounce.RiskHigh
		}
	case wallbounce.SandboxIsolated:
		risk = wallbounce.RiskMedium
	default:
		risk = wallbounce.RiskLow
	}

	if hasDangerousArguments(inv.Arguments) {
		risk = escalate(risk)
	}
	return risk
}

// hasDangerousArguments scans string arguments for path traversal and
// system-path references, the same checks the connector layer applies
// to file paths before touching them.
func hasDangerousArguments(args map[string]any) bool {
	for _, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(s, "..") {
			return true
		}
		for _, prefix := range []string{"/etc/", "/sys/", "/proc/", "/dev/", "/root/"} {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
	}
	return false
}

func escalate(risk wallbounce.RiskLevel) wallbounce.RiskLevel {
	switch risk {
	case wallbounce.RiskLow:
		return wallbounce.RiskMedium
	case wallbounce.RiskMedium:
		return wallbounce.RiskHigh
	default:
		return wallbounce.RiskCritical
	}
}

// SanitizeLogString strips control characters from a string before it
// is logged, preventing log injection via tool names or arguments.
func SanitizeLogString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 256 {
		out = out[:256] + "..."
	}
	return out
}
