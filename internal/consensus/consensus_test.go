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

package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

func resp(id, content string, confidence float64) wallbounce.ProviderResponse {
	return wallbounce.ProviderResponse{ProviderID: id, Content: content, Confidence: confidence}
}

func errResp(id string) wallbounce.ProviderResponse {
	r := wallbounce.Result{Kind: wallbounce.KindAdapterError, Message: "backend unavailable"}
	return wallbounce.ProviderResponse{ProviderID: id, Error: &r}
}

func TestJaccardProperties(t *testing.T) {
	a := tokenSet("the answer is 42")
	b := tokenSet("the answer is forty-two")
	c := tokenSet("completely unrelated words here")

	// Symmetric, bounded, identity.
	assert.Equal(t, jaccard(a, b), jaccard(b, a))
	assert.GreaterOrEqual(t, jaccard(a, b), 0.0)
	assert.LessOrEqual(t, jaccard(a, b), 1.0)
	assert.Equal(t, 1.0, jaccard(a, a))
	assert.Equal(t, 0.0, jaccard(a, c))

	// Monotone in shared tokens: b shares more with a than c does.
	assert.Greater(t, jaccard(a, b), jaccard(a, c))
}

func TestTwoProviderHappyPath(t *testing.T) {
	e := NewEngine()
	out, err := e.Score([]wallbounce.ProviderResponse{
		resp("p1", "The answer is 42.", 0.9),
		resp("p2", "The answer is forty-two.", 0.8),
	}, Options{MinProviders: 2})
	require.NoError(t, err)

	c := out.Consensus
	assert.Equal(t, "p1", c.WinnerProviderID, "highest self-confidence wins")
	assert.Equal(t, "The answer is 42.", c.Content)
	require.Len(t, c.Votes, 2)
	assert.GreaterOrEqual(t, c.Confidence, 0.0)
	assert.LessOrEqual(t, c.Confidence, 1.0)

	// Different tokenizations of the same answer agree only weakly:
	// shared {the, answer, is} over a 5-token union.
	assert.InDelta(t, 0.6, c.Votes[0].AgreementScore, 0.01)
	// Combined confidence is the mean of winner confidence and mean
	// agreement.
	assert.InDelta(t, (0.9+0.6)/2, c.Confidence, 0.01)
}

func TestWinnerInVotesInvariant(t *testing.T) {
	e := NewEngine()
	out, err := e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha beta", 0.7),
		resp("p2", "alpha gamma", 0.75),
		resp("p3", "alpha delta", 0.72),
	}, Options{MinProviders: 2})
	require.NoError(t, err)

	found := false
	for _, v := range out.Consensus.Votes {
		if v.Response.ProviderID == out.Consensus.WinnerProviderID {
			found = true
		}
	}
	assert.True(t, found, "winner must be among the votes")
}

func TestErroredResponsesBecomeErroredVotes(t *testing.T) {
	e := NewEngine()
	out, err := e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha beta", 0.7),
		resp("p2", "alpha gamma", 0.8),
		errResp("p3"),
	}, Options{MinProviders: 2})
	require.NoError(t, err)

	require.Len(t, out.Consensus.Votes, 3)
	var errored *wallbounce.Vote
	for i := range out.Consensus.Votes {
		if out.Consensus.Votes[i].Response.Error != nil {
			errored = &out.Consensus.Votes[i]
		}
	}
	require.NotNil(t, errored)
	assert.Equal(t, "p3", errored.Response.ProviderID)
	assert.Zero(t, errored.AgreementScore)
	assert.NotEqual(t, "p3", out.Consensus.WinnerProviderID)
}

func TestInsufficientSuccessfulResponses(t *testing.T) {
	e := NewEngine()
	_, err := e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha", 0.9),
		errResp("p2"),
	}, Options{MinProviders: 2})
	var werr *wallbounce.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, wallbounce.KindInsufficientProviders, werr.Kind)
}

func TestTieBreakChain(t *testing.T) {
	e := NewEngine()

	// Equal confidence and content (so equal agreement): latency
	// decides.
	out, err := e.Score([]wallbounce.ProviderResponse{
		{ProviderID: "p1", Content: "same words", Confidence: 0.8, LatencyMillis: 200},
		{ProviderID: "p2", Content: "same words", Confidence: 0.8, LatencyMillis: 100},
	}, Options{MinProviders: 2})
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Consensus.WinnerProviderID)

	// Everything equal but tier: lower tier number wins.
	out, err = e.Score([]wallbounce.ProviderResponse{
		{ProviderID: "p1", Content: "same words", Confidence: 0.8, LatencyMillis: 100},
		{ProviderID: "p2", Content: "same words", Confidence: 0.8, LatencyMillis: 100},
	}, Options{MinProviders: 2, Tiers: map[string]int{"p1": 3, "p2": 1}})
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Consensus.WinnerProviderID)

	// Everything equal: lexicographic provider id for determinism.
	out, err = e.Score([]wallbounce.ProviderResponse{
		{ProviderID: "pb", Content: "same words", Confidence: 0.8, LatencyMillis: 100},
		{ProviderID: "pa", Content: "same words", Confidence: 0.8, LatencyMillis: 100},
	}, Options{MinProviders: 2})
	require.NoError(t, err)
	assert.Equal(t, "pa", out.Consensus.WinnerProviderID)
}

func TestDeterminism(t *testing.T) {
	e := NewEngine()
	in := []wallbounce.ProviderResponse{
		resp("p2", "beta gamma delta", 0.81),
		resp("p1", "alpha beta gamma", 0.81),
		resp("p3", "gamma delta epsilon", 0.79),
	}
	first, err := e.Score(in, Options{MinProviders: 2})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := e.Score(in, Options{MinProviders: 2})
		require.NoError(t, err)
		assert.Equal(t, first.Consensus.WinnerProviderID, again.Consensus.WinnerProviderID)
		assert.Equal(t, first.Consensus.Confidence, again.Consensus.Confidence)
		assert.Equal(t, first.Consensus.Reasoning, again.Consensus.Reasoning)
	}
}

func TestQualityTiers(t *testing.T) {
	e := NewEngine()

	// High: strong confidence, identical answers (agreement variance 0).
	out, err := e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha beta gamma", 0.9),
		resp("p2", "alpha beta gamma", 0.85),
	}, Options{MinProviders: 2})
	require.NoError(t, err)
	assert.Equal(t, wallbounce.QualityHigh, out.Consensus.QualityTier)

	// Low: weak confidence.
	out, err = e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha", 0.3),
		resp("p2", "omega", 0.4),
	}, Options{MinProviders: 2})
	require.NoError(t, err)
	assert.Equal(t, wallbounce.QualityLow, out.Consensus.QualityTier)
}

func TestBelowThresholdFlag(t *testing.T) {
	e := NewEngine()
	out, err := e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha", 0.3),
		resp("p2", "omega", 0.35),
	}, Options{MinProviders: 2, RequireConsensus: true, ConsensusFloor: 0.6})
	require.NoError(t, err)
	assert.True(t, out.BelowThreshold)
	require.NotNil(t, out.Consensus, "a below-floor result is still returned")

	out, err = e.Score([]wallbounce.ProviderResponse{
		resp("p1", "alpha beta gamma delta", 0.9),
		resp("p2", "alpha beta gamma delta", 0.88),
	}, Options{MinProviders: 2, RequireConsensus: true, ConsensusFloor: 0.6})
	require.NoError(t, err)
	assert.False(t, out.BelowThreshold)
}

func TestReasoningMentionsKeyFacts(t *testing.T) {
	e := NewEngine()
	out, err := e.Score([]wallbounce.ProviderResponse{
		{ProviderID: "p1", Content: "alpha beta", Confidence: 0.9, Reasoning: "counted tokens"},
		{ProviderID: "p2", Content: "alpha gamma", Confidence: 0.7},
	}, Options{MinProviders: 2})
	require.NoError(t, err)

	r := out.Consensus.Reasoning
	assert.Contains(t, r, "p1")
	assert.Contains(t, r, "p2")
	assert.Contains(t, r, "0.90")
	assert.Contains(t, r, "counted tokens")
}
