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
	"sync"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// Subscription is one subscriber's bounded FIFO view of an analysis
// stream. Events arrive on C() in publish order; when the buffer
// overflows, the oldest non-critical events are replaced by a single
// dropped sentinel whose Covers field lists the missing sequence
// numbers. A critical event that cannot be buffered closes the
// subscription and Err() reports overflow.
type Subscription struct {
	analysisID   string
	subscriberID string
	capacity     int

	mu       sync.Mutex
	queue    []wallbounce.Event
	pending  []uint64 // dropped sequences not yet covered by a queued sentinel
	finished bool
	err      error

	out  chan wallbounce.Event
	wake chan struct{}
}

// C returns the channel events are delivered on. It is closed once the
// analysis ends, the subscriber is detached, or the subscription
// overflows; buffered events are always delivered first.
func (s *Subscription) C() <-chan wallbounce.Event { return s.out }

// AnalysisID returns the analysis this subscription is attached to.
func (s *Subscription) AnalysisID() string { return s.analysisID }

// SubscriberID returns the subscriber's identity within the analysis.
func (s *Subscription) SubscriberID() string { return s.subscriberID }

// Err reports why C() closed: nil for a normal end, an overflow error
// when a critical event could not be buffered.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// enqueue is called only from the analysis worker goroutine. It
// returns how many events were dropped to make room, and whether the
// subscription had to be closed with overflow.
func (s *Subscription) enqueue(ev wallbounce.Event) (dropped int, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return 0, false
	}

	// A gap recorded while the buffer was saturated is surfaced as a
	// sentinel as soon as a slot frees up, ahead of newer events.
	if len(s.pending) > 0 && len(s.queue) < s.capacity {
		s.queue = append(s.queue, wallbounce.Event{
			Type:       wallbounce.EventDropped,
			Sequence:   s.pending[0],
			AnalysisID: s.analysisID,
			Covers:     s.pending,
		})
		s.pending = nil
	}

	if len(s.queue) < s.capacity {
		s.queue = append(s.queue, ev)
		s.signal()
		return dropped, false
	}

	if IsCritical(ev.Type) {
		for len(s.queue) >= s.capacity {
			freed, n := s.dropOneLocked()
			dropped += n
			if !freed {
				s.finished = true
				s.err = wallbounce.NewError(wallbounce.KindOverflow, "subscriber lagged too far behind")
				s.signal()
				return dropped, true
			}
		}
		s.queue = append(s.queue, ev)
		s.signal()
		return dropped, false
	}

	if freed, n := s.dropOneLocked(); freed {
		dropped += n
		s.queue = append(s.queue, ev)
		s.signal()
		return dropped, false
	}
	// Everything buffered is critical or sentinel; the incoming
	// non-critical event gives way instead, its gap recorded for the
	// next sentinel.
	s.pending = append(s.pending, ev.Sequence)
	return dropped + 1, false
}

// dropOneLocked frees one buffer slot by removing the oldest
// non-critical, non-sentinel event, folding its sequence into a
// dropped sentinel. freed reports whether a slot actually opened; n is
// how many events were removed (a sentinel written in place consumes
// the slot it covers, so the first drop at a position removes two
// events to free one slot).
func (s *Subscription) dropOneLocked() (freed bool, n int) {
	idx := s.oldestDroppableLocked(0)
	if idx == -1 {
		return false, 0
	}

	victim := s.queue[idx]
	if idx > 0 && s.queue[idx-1].Type == wallbounce.EventDropped {
		s.queue[idx-1].Covers = append(s.queue[idx-1].Covers, victim.Sequence)
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		return true, 1
	}

	// First drop at this position: the sentinel takes the victim's
	// slot and sequence position, so a second victim must be folded in
	// to actually free a slot.
	s.queue[idx] = wallbounce.Event{
		Type:       wallbounce.EventDropped,
		Sequence:   victim.Sequence,
		Timestamp:  victim.Timestamp,
		AnalysisID: victim.AnalysisID,
		Covers:     []uint64{victim.Sequence},
	}
	next := s.oldestDroppableLocked(idx + 1)
	if next == -1 {
		return false, 1
	}
	s.queue[idx].Covers = append(s.queue[idx].Covers, s.queue[next].Sequence)
	s.queue = append(s.queue[:next], s.queue[next+1:]...)
	return true, 2
}

func (s *Subscription) oldestDroppableLocked(from int) int {
	for i := from; i < len(s.queue); i++ {
		if !IsCritical(s.queue[i].Type) && s.queue[i].Type != wallbounce.EventDropped {
			return i
		}
	}
	return -1
}

// finish marks the subscription done; the pump drains what is buffered
// and then closes out.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if !s.finished {
		s.finished = true
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the bounded queue to the unbuffered out
// channel. The queue mutex is never held across the channel send.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.finished {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- ev
	}
}
