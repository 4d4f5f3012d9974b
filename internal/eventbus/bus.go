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

// Package eventbus is the publish/subscribe hub the orchestration core
// streams through. All publishes for one analysis are funneled through
// a single per-analysis worker goroutine, which assigns sequence
// numbers and fans out to subscribers — so every subscriber of an
// analysis observes the same total order regardless of publisher
// concurrency.
package eventbus

import (
	"sync"
	"time"

	"github.com/wallbounce/analyzer/internal/metrics"
	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// DefaultBufferSize is the per-subscription buffer capacity when the
// caller does not override it.
const DefaultBufferSize = 64

// criticalTypes are never dropped under backpressure. If one of these
// cannot be buffered, the subscription is closed with overflow instead.
var criticalTypes = map[wallbounce.EventType]bool{
	wallbounce.EventFinalAnswer:       true,
	wallbounce.EventError:             true,
	wallbounce.EventApprovalRequested: true,
	wallbounce.EventApprovalResolved:  true,
	wallbounce.EventCanceled:          true,
}

// IsCritical reports whether t may never be dropped from a lagging
// subscription's buffer.
func IsCritical(t wallbounce.EventType) bool { return criticalTypes[t] }

// Bus owns every analysis stream and its subscriptions.
type Bus struct {
	mu         sync.Mutex
	analyses   map[string]*analysisStream
	bufferSize int
	log        *wbslog.Logger
}

// Option configures a Bus during construction.
type Option func(*Bus)

// WithBufferSize overrides the per-subscription buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger overrides the bus's default logger.
func WithLogger(log *wbslog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// New builds an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		analyses:   make(map[string]*analysisStream),
		bufferSize: DefaultBufferSize,
		log:        wbslog.New("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// analysisStream is the serialization point for one analysis: a single
// worker goroutine drains cmds, assigns sequence numbers and fans out.
type analysisStream struct {
	analysisID string
	cmds       chan func()
	seq        uint64
	subs       map[string]*Subscription
	closed     bool
}

func (b *Bus) stream(analysisID string) *analysisStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.analyses[analysisID]
	if !ok {
		s = &analysisStream{
			analysisID: analysisID,
			cmds:       make(chan func(), 128),
			subs:       make(map[string]*Subscription),
		}
		b.analyses[analysisID] = s
		// The worker exits after processing the close command; the
		// channel is intentionally never closed so a publisher holding
		// a stale stream pointer can never panic on send.
		go func() {
			for cmd := range s.cmds {
				cmd()
				if s.closed {
					return
				}
			}
		}()
	}
	return s
}

// Subscribe attaches a new subscription to an analysis stream. The
// same subscriberID may be used across analyses; within one analysis
// it must be unique.
func (b *Bus) Subscribe(analysisID, subscriberID string) (*Subscription, error) {
	s := b.stream(analysisID)

	sub := &Subscription{
		analysisID:   analysisID,
		subscriberID: subscriberID,
		capacity:     b.bufferSize,
		out:          make(chan wallbounce.Event),
		wake:         make(chan struct{}, 1),
	}
	go sub.pump()

	errc := make(chan error, 1)
	s.cmds <- func() {
		if s.closed {
			errc <- wallbounce.NewError(wallbounce.KindInternal, "analysis stream already closed")
			return
		}
		if _, dup := s.subs[subscriberID]; dup {
			errc <- wallbounce.NewError(wallbounce.KindInternal, "subscriber id already in use for this analysis")
			return
		}
		s.subs[subscriberID] = sub
		errc <- nil
	}
	if err := <-errc; err != nil {
		sub.finish(nil)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe detaches a subscription; already-buffered events are
// still delivered before its channel closes.
func (b *Bus) Unsubscribe(analysisID, subscriberID string) {
	s := b.stream(analysisID)
	s.cmds <- func() {
		if sub, ok := s.subs[subscriberID]; ok {
			delete(s.subs, subscriberID)
			sub.finish(nil)
		}
	}
}

// Publish stamps ev with the analysis's next sequence number and the
// wall clock, then fans it out to every subscription. Publish never
// blocks on subscriber consumption; lagging subscribers lose their
// oldest non-critical events instead.
func (b *Bus) Publish(analysisID string, ev wallbounce.Event) {
	s := b.stream(analysisID)
	s.cmds <- func() {
		if s.closed {
			return
		}
		s.seq++
		ev.Sequence = s.seq
		ev.Timestamp = time.Now().UTC()
		ev.AnalysisID = analysisID

		for id, sub := range s.subs {
			dropped, overflow := sub.enqueue(ev)
			if dropped > 0 {
				metrics.EventBusDrops.WithLabelValues(analysisID).Add(float64(dropped))
			}
			if overflow {
				metrics.EventBusOverflows.WithLabelValues(analysisID).Inc()
				b.log.WithAnalysis(analysisID).Warn("subscription closed with overflow", map[string]any{
					"subscriber_id": id,
				})
				delete(s.subs, id)
			}
		}
	}
}

// CloseAnalysis ends an analysis stream after its terminal event has
// been published. Buffered events drain to each subscriber before its
// channel closes.
func (b *Bus) CloseAnalysis(analysisID string) {
	b.mu.Lock()
	s, ok := b.analyses[analysisID]
	if ok {
		delete(b.analyses, analysisID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.cmds <- func() {
		s.closed = true
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.finish(nil)
		}
	}
}
