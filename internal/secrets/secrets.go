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

// Package secrets provides the credential lookup abstraction in-process
// SDK adapters use to retrieve vendor API keys. Adapters never read
// credentials from the environment directly; they are injected a
// SecretStore at construction.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/wallbounce/analyzer/internal/wbslog"
)

// SecretStore retrieves named credential bundles by ARN/key. Values
// are maps so a single secret can carry several related fields (e.g.
// api_key plus org_id).
type SecretStore interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// AWSSecretStore implements SecretStore using AWS Secrets Manager, with
// a TTL cache so adapters don't round-trip to AWS on every invocation.
type AWSSecretStore struct {
	client *secretsmanager.Client
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *wbslog.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSSecretStoreOptions configures NewAWSSecretStore.
type AWSSecretStoreOptions struct {
	Region   string
	CacheTTL time.Duration
}

// NewAWSSecretStore builds an AWSSecretStore from the default AWS
// credential chain.
func NewAWSSecretStore(ctx context.Context, opts AWSSecretStoreOptions) (*AWSSecretStore, error) {
	var cfgOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSSecretStore{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		log:    wbslog.New("secrets"),
	}, nil
}

// GetSecret retrieves and caches a secret. The secret value is
// expected to be a JSON object of string fields; a plain string value
// is stored under the "value" key.
func (s *AWSSecretStore) GetSecret(ctx context.Context, secretARN string) (map[string]string, error) {
	s.mu.RLock()
	entry, ok := s.cache[secretARN]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", mask(secretARN), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", mask(secretARN))
	}

	var creds map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		creds = map[string]string{"value": *out.SecretString}
	}

	s.mu.Lock()
	s.cache[secretARN] = &cacheEntry{value: creds, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.log.Debug("fetched secret", map[string]any{"secret": mask(secretARN)})
	return creds, nil
}

// Invalidate evicts one cached secret, forcing the next GetSecret to
// refetch it.
func (s *AWSSecretStore) Invalidate(secretARN string) {
	s.mu.Lock()
	delete(s.cache, secretARN)
	s.mu.Unlock()
}

func mask(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}

// StaticSecretStore is an in-memory SecretStore for tests and local
// development; it never talks to a remote service.
type StaticSecretStore struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

// NewStaticSecretStore builds an empty StaticSecretStore.
func NewStaticSecretStore() *StaticSecretStore {
	return &StaticSecretStore{secrets: make(map[string]map[string]string)}
}

// Set stores a secret value under ref.
func (s *StaticSecretStore) Set(ref string, value map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[ref] = value
}

// GetSecret implements SecretStore.
func (s *StaticSecretStore) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[ref]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", mask(ref))
	}
	return v, nil
}
