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

// Package memstore is the default in-memory KVStore implementation:
// no external dependency is needed to run the core, at the cost of
// losing sessions on process restart.
package memstore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a sync.RWMutex-guarded map plus a sweeper goroutine that
// evicts expired keys, mirroring the registry's lock-granularity and
// copy-out-then-unlock discipline applied to a new concern.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry
	sets map[string]map[string]struct{}

	stop chan struct{}
}

// New builds a Store and starts its background TTL sweeper at the
// given interval. Callers must call Close when done.
func New(sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &Store{
		data: make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
		stop: make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	close(s.stop)
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for k, e := range s.data {
				if e.expired(now) {
					delete(s.data, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Get implements kvstore.KVStore.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements kvstore.KVStore.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.data[key] = entry{value: stored, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Delete implements kvstore.KVStore.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// SetAddMember implements kvstore.KVStore.
func (s *Store) SetAddMember(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.sets[setKey]
	if !ok {
		members = make(map[string]struct{})
		s.sets[setKey] = members
	}
	members[member] = struct{}{}
	return nil
}

// SetMembers implements kvstore.KVStore.
func (s *Store) SetMembers(_ context.Context, setKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.sets[setKey]
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out, nil
}

// SetRemoveMember implements kvstore.KVStore.
func (s *Store) SetRemoveMember(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.sets[setKey]; ok {
		delete(members, member)
	}
	return nil
}
