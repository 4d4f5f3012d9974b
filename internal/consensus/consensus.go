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

// Package consensus scores inter-response agreement and selects a
// single winner with a combined confidence. The similarity measure is
// Jaccard over lowercased whitespace tokens; any symmetric, [0,1],
// shared-token-monotone measure could substitute without changing the
// scoring contract.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// Options bound one scoring call.
type Options struct {
	MinProviders     int
	ConsensusFloor   float64
	RequireConsensus bool

	// Tiers maps provider id to its registered tier, used as a
	// tie-break. Unknown ids sort after known ones.
	Tiers map[string]int
}

// Engine computes consensus results. It is stateless; the struct
// exists so it can be injected and substituted like the other
// components.
type Engine struct{}

// NewEngine builds an Engine.
func NewEngine() *Engine { return &Engine{} }

// Outcome pairs the consensus with whether it fell below the floor —
// a warning, never an error; the caller decides whether to escalate.
type Outcome struct {
	Consensus      *wallbounce.Consensus
	BelowThreshold bool
}

// Score computes agreement, selects the winner and combines
// confidence. Errored responses join the votes with a zero agreement
// score but are excluded from agreement math and winner selection.
// Score is deterministic: identical inputs yield identical results.
func (e *Engine) Score(responses []wallbounce.ProviderResponse, opts Options) (*Outcome, error) {
	if opts.MinProviders <= 0 {
		opts.MinProviders = 2
	}

	ok := make([]wallbounce.ProviderResponse, 0, len(responses))
	for _, r := range responses {
		if r.Error == nil {
			ok = append(ok, r)
		}
	}
	if len(ok) < opts.MinProviders {
		return nil, wallbounce.NewError(wallbounce.KindInsufficientProviders, fmt.Sprintf(
			"%d successful responses, need %d", len(ok), opts.MinProviders))
	}

	// Stable iteration order keeps every downstream mean and tie-break
	// deterministic.
	sort.SliceStable(ok, func(i, j int) bool { return ok[i].ProviderID < ok[j].ProviderID })

	tokens := make([]map[string]struct{}, len(ok))
	for i, r := range ok {
		tokens[i] = tokenSet(r.Content)
	}

	agreement := make([]float64, len(ok))
	for i := range ok {
		var sum float64
		for j := range ok {
			if i == j {
				continue
			}
			sum += jaccard(tokens[i], tokens[j])
		}
		if len(ok) > 1 {
			agreement[i] = sum / float64(len(ok)-1)
		}
	}

	winner := selectWinner(ok, agreement, opts.Tiers)

	meanAgreement := mean(agreement)
	combined := clamp01((ok[winner].Confidence + meanAgreement) / 2)

	votes := make([]wallbounce.Vote, 0, len(responses))
	for i, r := range ok {
		votes = append(votes, wallbounce.Vote{Response: r, AgreementScore: agreement[i]})
	}
	for _, r := range responses {
		if r.Error != nil {
			votes = append(votes, wallbounce.Vote{Response: r})
		}
	}

	c := &wallbounce.Consensus{
		WinnerProviderID: ok[winner].ProviderID,
		Content:          ok[winner].Content,
		Confidence:       combined,
		Reasoning:        buildReasoning(ok, agreement, winner, meanAgreement),
		Votes:            votes,
		QualityTier:      qualityTier(ok, agreement),
	}

	below := opts.RequireConsensus && combined < opts.ConsensusFloor
	return &Outcome{Consensus: c, BelowThreshold: below}, nil
}

// selectWinner picks the highest self-confidence response, breaking
// ties by agreement score, then latency, then tier, then provider id —
// a total order, so selection is deterministic.
func selectWinner(ok []wallbounce.ProviderResponse, agreement []float64, tiers map[string]int) int {
	winner := 0
	for i := 1; i < len(ok); i++ {
		if better(ok[i], agreement[i], ok[winner], agreement[winner], tiers) {
			winner = i
		}
	}
	return winner
}

func better(a wallbounce.ProviderResponse, aAgree float64, b wallbounce.ProviderResponse, bAgree float64, tiers map[string]int) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if aAgree != bAgree {
		return aAgree > bAgree
	}
	if a.LatencyMillis != b.LatencyMillis {
		return a.LatencyMillis < b.LatencyMillis
	}
	if at, bt := tierOf(a.ProviderID, tiers), tierOf(b.ProviderID, tiers); at != bt {
		return at < bt
	}
	return a.ProviderID < b.ProviderID
}

func tierOf(id string, tiers map[string]int) int {
	if t, ok := tiers[id]; ok {
		return t
	}
	return math.MaxInt32
}

// qualityTier grades the result from the successful responses' mean
// self-confidence and the spread of their agreement scores.
func qualityTier(ok []wallbounce.ProviderResponse, agreement []float64) wallbounce.QualityTier {
	var confSum float64
	for _, r := range ok {
		confSum += r.Confidence
	}
	meanConf := confSum / float64(len(ok))
	v := variance(agreement)

	switch {
	case meanConf > 0.8 && v < 0.2:
		return wallbounce.QualityHigh
	case meanConf > 0.6 && v < 0.4:
		return wallbounce.QualityMedium
	default:
		return wallbounce.QualityLow
	}
}

// buildReasoning assembles the human-readable account of the
// selection: who voted, who won and why, and how spread out the
// confidences were.
func buildReasoning(ok []wallbounce.ProviderResponse, agreement []float64, winner int, meanAgreement float64) string {
	var b strings.Builder

	ids := make([]string, len(ok))
	for i, r := range ok {
		ids[i] = r.ProviderID
	}
	b.WriteString(fmt.Sprintf("Providers consulted: %s.\n", strings.Join(ids, ", ")))
	b.WriteString(fmt.Sprintf("Winner: %s (self-confidence %.2f).\n", ok[winner].ProviderID, ok[winner].Confidence))
	b.WriteString(fmt.Sprintf("Mean agreement across responses: %.2f.\n", meanAgreement))

	minConf, maxConf := ok[0].Confidence, ok[0].Confidence
	for _, r := range ok[1:] {
		if r.Confidence < minConf {
			minConf = r.Confidence
		}
		if r.Confidence > maxConf {
			maxConf = r.Confidence
		}
	}
	b.WriteString(fmt.Sprintf("Confidence range: %.2f to %.2f.\n", minConf, maxConf))

	if ok[winner].Reasoning != "" {
		b.WriteString(fmt.Sprintf("Winner's reasoning: %s\n", ok[winner].Reasoning))
	}
	return b.String()
}

// tokenSet lowercases and splits content on whitespace into a set.
func tokenSet(content string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b|, defined as 0 when both sets are empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
