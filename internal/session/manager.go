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

// Package session owns multi-turn session state and the turn-indexed
// routing policy. Sessions persist to the KV store on every mutation;
// the in-memory copy stays authoritative for the process lifetime when
// the store misbehaves.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/analyzer/internal/kvstore"
	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// DefaultTTL is how long a persisted session survives without being
// touched.
const DefaultTTL = 30 * 24 * time.Hour

// DefaultContextWindow is how many recent turns feed the contextual
// prompt for turn 2 and later.
const DefaultContextWindow = 4

const (
	sessionKeyPrefix  = "session:"
	userSetKeyPrefix  = "user_sessions:"
)

// VendorResolver maps a provider id to its vendor. Rotation is
// computed over vendors, not adapters.
type VendorResolver func(providerID string) string

// Manager owns sessions. Reads go through an in-memory cache; every
// mutation writes through to the KV store and renews the TTL.
type Manager struct {
	store kvstore.KVStore
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]*wallbounce.Session
	locks map[string]*sync.Mutex

	vendorOf VendorResolver
	window   int
	log      *wbslog.Logger
}

// Option configures a Manager during construction.
type Option func(*Manager)

// WithTTL overrides the persisted-session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithVendorResolver supplies the provider-id-to-vendor mapping used
// for rotation policy.
func WithVendorResolver(fn VendorResolver) Option {
	return func(m *Manager) { m.vendorOf = fn }
}

// WithContextWindow overrides how many recent turns build the
// contextual prompt.
func WithContextWindow(w int) Option {
	return func(m *Manager) {
		if w > 0 {
			m.window = w
		}
	}
}

// WithLogger overrides the manager's default logger.
func WithLogger(log *wbslog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a session Manager persisting through store.
func NewManager(store kvstore.KVStore, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		ttl:      DefaultTTL,
		cache:    make(map[string]*wallbounce.Session),
		locks:    make(map[string]*sync.Mutex),
		vendorOf: func(id string) string { return id },
		window:   DefaultContextWindow,
		log:      wbslog.New("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// sessionLock returns the per-session mutex, creating it on first use.
func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Create starts a new session, persists it and returns a copy.
func (m *Manager) Create(ctx context.Context, userID string) (*wallbounce.Session, error) {
	now := time.Now().UTC()
	sess := &wallbounce.Session{
		SessionID:      uuid.New().String(),
		ConversationID: uuid.New().String(),
		CreatedAt:      now,
		LastTouchedAt:  now,
		UserID:         userID,
	}

	m.mu.Lock()
	m.cache[sess.SessionID] = sess
	m.mu.Unlock()

	m.persist(ctx, sess)
	if userID != "" {
		if err := m.store.SetAddMember(ctx, userSetKeyPrefix+userID, sess.SessionID); err != nil {
			m.log.WithSession(sess.SessionID).Warn("failed to index session for user", map[string]any{
				"reason": err.Error(),
			})
		}
	}
	return copySession(sess), nil
}

// Load returns a copy of the session, or nil when it does not exist.
func (m *Manager) Load(ctx context.Context, sessionID string) (*wallbounce.Session, error) {
	m.mu.Lock()
	if sess, ok := m.cache[sessionID]; ok {
		out := copySession(sess)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	raw, found, err := m.store.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return nil, wallbounce.NewError(wallbounce.KindInternal, "session store read failed").WithCause(err)
	}
	if !found {
		return nil, nil
	}

	var sess wallbounce.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, wallbounce.NewError(wallbounce.KindInternal, "stored session is corrupt").WithCause(err)
	}

	m.mu.Lock()
	m.cache[sessionID] = &sess
	out := copySession(&sess)
	m.mu.Unlock()
	return out, nil
}

// AppendTurn appends the next turn to a session. Turn indices must be
// contiguous from 1; the turn's index is assigned here, not by the
// caller. Appending turn k+1 always sees turn k committed because the
// per-session lock serializes appends.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn wallbounce.Turn) (*wallbounce.Session, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, wallbounce.NewError(wallbounce.KindInvalidInput, fmt.Sprintf("unknown session %q", sessionID))
	}

	turn.TurnIndex = len(sess.Turns) + 1
	sess.Turns = append(sess.Turns, turn)
	sess.LastTouchedAt = time.Now().UTC()

	m.mu.Lock()
	m.cache[sessionID] = copySession(sess)
	m.mu.Unlock()

	m.persist(ctx, sess)
	return sess, nil
}

// Delete removes a session from the cache, the store and the user's
// session set.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess := m.cache[sessionID]
	delete(m.cache, sessionID)
	delete(m.locks, sessionID)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, sessionKeyPrefix+sessionID); err != nil {
		return wallbounce.NewError(wallbounce.KindInternal, "session store delete failed").WithCause(err)
	}
	if sess != nil && sess.UserID != "" {
		if err := m.store.SetRemoveMember(ctx, userSetKeyPrefix+sess.UserID, sessionID); err != nil {
			m.log.WithSession(sessionID).Warn("failed to unindex session for user", map[string]any{
				"reason": err.Error(),
			})
		}
	}
	return nil
}

// persist writes the session through to the KV store with a renewed
// TTL. Store failures are non-fatal: the in-memory copy remains
// authoritative and the failure is logged as a warning.
func (m *Manager) persist(ctx context.Context, sess *wallbounce.Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		m.log.WithSession(sess.SessionID).Error("failed to marshal session", err, nil)
		return
	}
	if err := m.store.Set(ctx, sessionKeyPrefix+sess.SessionID, raw, m.ttl); err != nil {
		m.log.WithSession(sess.SessionID).Warn("session persistence failed, in-memory copy stays authoritative", map[string]any{
			"reason": err.Error(),
		})
	}
}

func copySession(sess *wallbounce.Session) *wallbounce.Session {
	out := *sess
	out.Turns = make([]wallbounce.Turn, len(sess.Turns))
	copy(out.Turns, sess.Turns)
	return &out
}
