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

package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

func collect(t *testing.T, sub *Subscription, n int) []wallbounce.Event {
	t.Helper()
	var out []wallbounce.Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func drain(sub *Subscription) []wallbounce.Event {
	var out []wallbounce.Event
	for ev := range sub.C() {
		out = append(out, ev)
	}
	return out
}

func TestPublishOrderAndSequence(t *testing.T) {
	b := New()
	sub, err := b.Subscribe("a1", "s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking, Content: fmt.Sprintf("step %d", i)})
	}
	b.CloseAnalysis("a1")

	events := drain(sub)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence, "sequence numbers start at 1 and increase by 1")
		assert.Equal(t, "a1", ev.AnalysisID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.NoError(t, sub.Err())
}

func TestConcurrentPublishersTotallyOrdered(t *testing.T) {
	b := New(WithBufferSize(512))
	sub, err := b.Subscribe("a1", "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking})
			}
		}()
	}
	wg.Wait()
	b.CloseAnalysis("a1")

	events := drain(sub)
	require.Len(t, events, 160)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Sequence, events[i].Sequence)
	}
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	b := New()
	s1, err := b.Subscribe("a1", "s1")
	require.NoError(t, err)
	s2, err := b.Subscribe("a1", "s2")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking})
	}
	b.CloseAnalysis("a1")

	e1 := drain(s1)
	e2 := drain(s2)
	require.Equal(t, len(e1), len(e2))
	for i := range e1 {
		assert.Equal(t, e1[i].Sequence, e2[i].Sequence)
	}
}

func TestDropOldestNonCriticalWithSentinel(t *testing.T) {
	b := New(WithBufferSize(4))
	sub, err := b.Subscribe("a1", "slow")
	require.NoError(t, err)

	// The subscriber consumes nothing while 10 non-critical events
	// arrive, then one critical terminal event.
	for i := 0; i < 10; i++ {
		b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking})
	}
	b.Publish("a1", wallbounce.Event{Type: wallbounce.EventFinalAnswer})
	b.CloseAnalysis("a1")

	events := drain(sub)
	require.NoError(t, sub.Err())

	// Every published sequence number is either delivered directly or
	// accounted for by a sentinel's covers list.
	seen := make(map[uint64]bool)
	var sawFinal bool
	for _, ev := range events {
		switch ev.Type {
		case wallbounce.EventDropped:
			for _, c := range ev.Covers {
				assert.False(t, seen[c], "sequence %d covered twice", c)
				seen[c] = true
			}
		case wallbounce.EventFinalAnswer:
			sawFinal = true
			seen[ev.Sequence] = true
		default:
			seen[ev.Sequence] = true
		}
	}
	assert.True(t, sawFinal, "critical events are never dropped")
	for seq := uint64(1); seq <= 11; seq++ {
		assert.True(t, seen[seq], "sequence %d lost without a covering sentinel", seq)
	}

	// Delivered sequence numbers are monotone.
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Sequence, events[i].Sequence)
	}
}

func TestOverflowClosesSubscriptionOnCriticalPressure(t *testing.T) {
	b := New(WithBufferSize(2))
	sub, err := b.Subscribe("a1", "slow")
	require.NoError(t, err)

	// Saturate the buffer with critical events the bus may not drop;
	// eventually a critical publish has nowhere to go and the
	// subscription closes with overflow instead of losing it silently.
	for i := 0; i < 6; i++ {
		b.Publish("a1", wallbounce.Event{Type: wallbounce.EventApprovalResolved})
	}
	b.CloseAnalysis("a1")

	events := drain(sub)
	require.Error(t, sub.Err())
	var werr *wallbounce.Error
	require.ErrorAs(t, sub.Err(), &werr)
	assert.Equal(t, wallbounce.KindOverflow, werr.Kind)
	// Everything that was buffered before the overflow still drains,
	// in order, with nothing dropped in between.
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, wallbounce.EventApprovalResolved, ev.Type)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Less(t, len(events), 6, "the overflowing event itself is not delivered")
}

func TestUnsubscribeDeliversBufferedEvents(t *testing.T) {
	b := New()
	sub, err := b.Subscribe("a1", "s1")
	require.NoError(t, err)

	b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking})
	b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking})
	b.Unsubscribe("a1", "s1")

	events := drain(sub)
	assert.Len(t, events, 2)
	b.CloseAnalysis("a1")
}

func TestDuplicateSubscriberRejected(t *testing.T) {
	b := New()
	_, err := b.Subscribe("a1", "s1")
	require.NoError(t, err)
	_, err = b.Subscribe("a1", "s1")
	require.Error(t, err)
	b.CloseAnalysis("a1")
}

func TestSlowConsumerSaturation(t *testing.T) {
	// Producer far outpaces a slow consumer with a small buffer: the
	// stream stays monotone and gaps are always covered.
	b := New(WithBufferSize(8))
	sub, err := b.Subscribe("a1", "slow")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish("a1", wallbounce.Event{Type: wallbounce.EventThinking})
		}
		b.Publish("a1", wallbounce.Event{Type: wallbounce.EventFinalAnswer})
		b.CloseAnalysis("a1")
	}()

	var events []wallbounce.Event
	for ev := range sub.C() {
		events = append(events, ev)
		time.Sleep(100 * time.Microsecond)
	}
	<-done

	seen := make(map[uint64]bool)
	for _, ev := range events {
		if ev.Type == wallbounce.EventDropped {
			for _, c := range ev.Covers {
				seen[c] = true
			}
			continue
		}
		seen[ev.Sequence] = true
	}
	for seq := uint64(1); seq <= 201; seq++ {
		assert.True(t, seen[seq], "sequence %d unaccounted for", seq)
	}
}
