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

package dispatcher

import (
	"fmt"
	"strings"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// chainPrompt builds the prompt for a sequential chain step: the
// original query followed by every prior adapter's answer, so each
// subsequent adapter can refine or challenge what came before.
func chainPrompt(original string, prior []wallbounce.ProviderResponse) string {
	var b strings.Builder

	b.WriteString("You are one step in a chain of analysts answering the same question.\n\n")
	b.WriteString(fmt.Sprintf("Original Query: %s\n\n", original))
	b.WriteString("Prior Responses:\n\n")

	for i, resp := range prior {
		if resp.Error != nil {
			b.WriteString(fmt.Sprintf("--- Step %d (%s): unavailable ---\n\n", i+1, resp.ProviderID))
			continue
		}
		b.WriteString(fmt.Sprintf("--- Step %d (%s, confidence %.2f) ---\n", i+1, resp.ProviderID, resp.Confidence))
		b.WriteString(resp.Content)
		b.WriteString("\n\n")
	}

	b.WriteString("Provide your own complete answer, improving on the prior responses where they fall short.\n")
	return b.String()
}
