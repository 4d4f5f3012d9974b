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

package session

import (
	"fmt"
	"strings"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// DerivePolicy computes the routing policy for the session's next
// turn. The floors are the canonical turn-indexed table:
//
//	turn 1: direct, no rotation constraint
//	turn 2: minProviders 2, vendors must differ from turn 1
//	turn 3: minProviders 3, prefer a vendor unused on turns 1 and 2
//	turn 4+: minProviders max(3, min(4, turn)), rotation preferred
//
// The registry relaxes the rotation constraint (with a warning event)
// when honoring it would leave too few adapters, so "must" here is a
// strong preference, never a hard failure.
func (m *Manager) DerivePolicy(sess *wallbounce.Session, query wallbounce.Query) wallbounce.RoutingPolicy {
	nextTurn := 1
	if sess != nil {
		nextTurn = len(sess.Turns) + 1
	}

	policy := wallbounce.RoutingPolicy{
		TaskType:     query.TaskType,
		MinProviders: query.MinProviders,
	}
	if policy.MinProviders < 2 {
		policy.MinProviders = 2
	}

	switch {
	case nextTurn <= 1:
		return policy
	case nextTurn == 2:
		policy.MinProviders = maxInt(policy.MinProviders, 2)
		policy.MustDifferFrom = m.vendorsOfTurns(sess, nextTurn-1, nextTurn-1)
	case nextTurn == 3:
		policy.MinProviders = maxInt(policy.MinProviders, 3)
		policy.MustDifferFrom = m.vendorsOfTurns(sess, 1, 2)
	default:
		floor := nextTurn
		if floor > 4 {
			floor = 4
		}
		if floor < 3 {
			floor = 3
		}
		policy.MinProviders = maxInt(policy.MinProviders, floor)
		policy.MustDifferFrom = m.vendorsOfTurns(sess, nextTurn-1, nextTurn-1)
	}
	return policy
}

// vendorsOfTurns collects the distinct vendors used on turns
// [from, to] (1-indexed, inclusive), in first-use order.
func (m *Manager) vendorsOfTurns(sess *wallbounce.Session, from, to int) []string {
	if sess == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, turn := range sess.Turns {
		if turn.TurnIndex < from || turn.TurnIndex > to {
			continue
		}
		for _, id := range turn.ProviderIDsUsed {
			v := m.vendorOf(id)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// ContextPrompt builds the contextual prompt for turn 2 and later by
// framing the most recent turns' query/answer pairs ahead of the new
// query. The format is stable; callers and tests rely on it.
func (m *Manager) ContextPrompt(sess *wallbounce.Session, newQuery string) string {
	if sess == nil || len(sess.Turns) == 0 {
		return newQuery
	}

	turns := sess.Turns
	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n\n")
	for _, turn := range turns {
		b.WriteString(fmt.Sprintf("[Turn %d] Q: %s\n", turn.TurnIndex, turn.Query.Text))
		b.WriteString(fmt.Sprintf("[Turn %d] A: %s\n\n", turn.TurnIndex, turn.Consensus.Content))
	}
	b.WriteString(fmt.Sprintf("New query: %s\n", newQuery))
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
