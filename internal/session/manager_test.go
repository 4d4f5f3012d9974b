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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallbounce/analyzer/internal/kvstore"
	"github.com/wallbounce/analyzer/internal/kvstore/memstore"
	"github.com/wallbounce/analyzer/internal/wallbounce"
)

func newManager(t *testing.T, opts ...Option) (*Manager, kvstore.KVStore) {
	t.Helper()
	store := memstore.New(time.Hour)
	t.Cleanup(store.Close)
	return NewManager(store, opts...), store
}

func turnWith(providerIDs []string, query, answer string) wallbounce.Turn {
	return wallbounce.Turn{
		Query:           wallbounce.Query{Text: query},
		Consensus:       wallbounce.Consensus{Content: answer},
		ProviderIDsUsed: providerIDs,
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)

	loaded, err := m.Load(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sess.SessionID, loaded.SessionID)
	assert.Equal(t, "u1", loaded.UserID)
}

func TestLoadSurvivesCacheLoss(t *testing.T) {
	store := memstore.New(time.Hour)
	defer store.Close()
	ctx := context.Background()

	m1 := NewManager(store)
	sess, err := m1.Create(ctx, "")
	require.NoError(t, err)
	_, err = m1.AppendTurn(ctx, sess.SessionID, turnWith([]string{"p1"}, "q1", "a1"))
	require.NoError(t, err)

	// A second manager over the same store models a process restart.
	m2 := NewManager(store)
	loaded, err := m2.Load(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Turns, 1)
	assert.Equal(t, "q1", loaded.Turns[0].Query.Text)
}

func TestTurnIndicesContiguous(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.AppendTurn(ctx, sess.SessionID, turnWith([]string{"p1"}, fmt.Sprintf("q%d", i), "a"))
		require.NoError(t, err)
	}

	loaded, err := m.Load(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 5)
	for i, turn := range loaded.Turns {
		assert.Equal(t, i+1, turn.TurnIndex, "turn indices are 1..n with no gaps")
	}
}

func TestConcurrentAppendsSerialized(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AppendTurn(ctx, sess.SessionID, turnWith([]string{"p1"}, "q", "a"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := m.Load(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 10)
	for i, turn := range loaded.Turns {
		assert.Equal(t, i+1, turn.TurnIndex)
	}
}

func TestDeleteThenLoadNotFound(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, sess.SessionID))
	loaded, err := m.Load(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestUserSessionSetMaintained(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, "u1")
	require.NoError(t, err)
	s2, err := m.Create(ctx, "u1")
	require.NoError(t, err)

	members, err := store.SetMembers(ctx, "user_sessions:u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{s1.SessionID, s2.SessionID}, members)

	require.NoError(t, m.Delete(ctx, s1.SessionID))
	members, err = store.SetMembers(ctx, "user_sessions:u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{s2.SessionID}, members)
}

// failingStore fails every write so the in-memory path can be shown
// authoritative.
type failingStore struct{ kvstore.KVStore }

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("store down")
}

func TestStoreFailureIsNonFatal(t *testing.T) {
	inner := memstore.New(time.Hour)
	defer inner.Close()
	m := NewManager(&failingStore{inner})
	ctx := context.Background()

	sess, err := m.Create(ctx, "")
	require.NoError(t, err, "a down store must not fail session creation")

	_, err = m.AppendTurn(ctx, sess.SessionID, turnWith([]string{"p1"}, "q", "a"))
	require.NoError(t, err)

	loaded, err := m.Load(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded, "the in-memory copy stays authoritative")
	assert.Len(t, loaded.Turns, 1)
}

func vendorTable(m map[string]string) VendorResolver {
	return func(id string) string { return m[id] }
}

func TestDerivePolicyTurnTable(t *testing.T) {
	m, _ := newManager(t, WithVendorResolver(vendorTable(map[string]string{
		"p1": "V1", "p2": "V2", "p3": "V3", "p4": "V4",
	})))
	q := wallbounce.Query{MinProviders: 2}

	// Turn 1: direct.
	policy := m.DerivePolicy(nil, q)
	assert.Equal(t, 2, policy.MinProviders)
	assert.Empty(t, policy.MustDifferFrom)

	sess := &wallbounce.Session{Turns: []wallbounce.Turn{
		{TurnIndex: 1, ProviderIDsUsed: []string{"p1", "p2"}},
	}}

	// Turn 2: rotate away from turn 1's vendors.
	policy = m.DerivePolicy(sess, q)
	assert.Equal(t, 2, policy.MinProviders)
	assert.ElementsMatch(t, []string{"V1", "V2"}, policy.MustDifferFrom)

	// Turn 3: minProviders 3, prefer a vendor unused on turns 1-2.
	sess.Turns = append(sess.Turns, wallbounce.Turn{TurnIndex: 2, ProviderIDsUsed: []string{"p3"}})
	policy = m.DerivePolicy(sess, q)
	assert.Equal(t, 3, policy.MinProviders)
	assert.ElementsMatch(t, []string{"V1", "V2", "V3"}, policy.MustDifferFrom)

	// Turn 4: floor max(3, min(4, 4)) = 4, rotation from turn 3 only.
	sess.Turns = append(sess.Turns, wallbounce.Turn{TurnIndex: 3, ProviderIDsUsed: []string{"p4"}})
	policy = m.DerivePolicy(sess, q)
	assert.Equal(t, 4, policy.MinProviders)
	assert.ElementsMatch(t, []string{"V4"}, policy.MustDifferFrom)

	// Turn 6: floor stays capped at 4.
	sess.Turns = append(sess.Turns,
		wallbounce.Turn{TurnIndex: 4, ProviderIDsUsed: []string{"p1"}},
		wallbounce.Turn{TurnIndex: 5, ProviderIDsUsed: []string{"p2"}},
	)
	policy = m.DerivePolicy(sess, q)
	assert.Equal(t, 4, policy.MinProviders)
}

func TestContextPromptFormat(t *testing.T) {
	m, _ := newManager(t)
	sess := &wallbounce.Session{Turns: []wallbounce.Turn{
		{TurnIndex: 1, Query: wallbounce.Query{Text: "first question"}, Consensus: wallbounce.Consensus{Content: "first answer"}},
		{TurnIndex: 2, Query: wallbounce.Query{Text: "second question"}, Consensus: wallbounce.Consensus{Content: "second answer"}},
	}}

	prompt := m.ContextPrompt(sess, "third question")
	expected := "Conversation so far:\n\n" +
		"[Turn 1] Q: first question\n" +
		"[Turn 1] A: first answer\n\n" +
		"[Turn 2] Q: second question\n" +
		"[Turn 2] A: second answer\n\n" +
		"New query: third question\n"
	assert.Equal(t, expected, prompt)
}

func TestContextPromptWindow(t *testing.T) {
	m, _ := newManager(t, WithContextWindow(2))
	var turns []wallbounce.Turn
	for i := 1; i <= 5; i++ {
		turns = append(turns, wallbounce.Turn{
			TurnIndex: i,
			Query:     wallbounce.Query{Text: fmt.Sprintf("q%d", i)},
			Consensus: wallbounce.Consensus{Content: fmt.Sprintf("a%d", i)},
		})
	}
	sess := &wallbounce.Session{Turns: turns}

	prompt := m.ContextPrompt(sess, "next")
	assert.NotContains(t, prompt, "q3")
	assert.Contains(t, prompt, "q4")
	assert.Contains(t, prompt, "q5")
}
