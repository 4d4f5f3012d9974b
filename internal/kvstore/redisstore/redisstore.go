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

// Package redisstore implements kvstore.KVStore over Redis, for
// deployments where sessions must survive a process restart.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store wraps a go-redis client to satisfy kvstore.KVStore.
type Store struct {
	client *redis.Client
}

// Options tunes the underlying redis.Client connection pool.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

// New builds a Store and verifies connectivity with a PING.
func New(ctx context.Context, opts Options) (*Store, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 3 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 100
	}
	minIdle := opts.MinIdleConns
	if minIdle <= 0 {
		minIdle = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     poolSize,
		MinIdleConns: minIdle,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an already-constructed client, used by tests to
// point a Store at a miniredis instance.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get implements kvstore.KVStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements kvstore.KVStore.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements kvstore.KVStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// SetAddMember implements kvstore.KVStore.
func (s *Store) SetAddMember(ctx context.Context, setKey, member string) error {
	if err := s.client.SAdd(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", setKey, err)
	}
	return nil
}

// SetMembers implements kvstore.KVStore.
func (s *Store) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", setKey, err)
	}
	return members, nil
}

// SetRemoveMember implements kvstore.KVStore.
func (s *Store) SetRemoveMember(ctx context.Context, setKey, member string) error {
	if err := s.client.SRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", setKey, err)
	}
	return nil
}
