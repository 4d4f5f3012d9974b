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

// Package anthropicadapter implements wallbounce.Provider against
// Anthropic's Messages API over HTTP. The API key is resolved through
// the injected secret store, never from the environment.
package anthropicadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wallbounce/analyzer/internal/provider"
	"github.com/wallbounce/analyzer/internal/secrets"
	"github.com/wallbounce/analyzer/internal/wallbounce"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
	defaultModel      = "claude-3-5-sonnet-20241022"
	defaultMaxTokens  = 4096

	// maxAttempts bounds the retry loop for retryable API failures
	// (429 and 5xx) within one Invoke call.
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
)

// HTTPClient is the slice of http.Client the adapter uses; tests
// substitute a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter calls the Anthropic Messages API per query.
type Adapter struct {
	descriptor wallbounce.ProviderDescriptor

	BaseURL    string
	APIVersion string
	Model      string
	MaxTokens  int

	// SecretRef names the secret-store entry whose "api_key" field
	// authenticates requests.
	secretStore secrets.SecretStore
	secretRef   string

	client HTTPClient

	mu     sync.Mutex
	apiKey string
}

// New builds an Adapter resolving credentials from store under
// secretRef.
func New(desc wallbounce.ProviderDescriptor, store secrets.SecretStore, secretRef string) *Adapter {
	desc.InvocationKind = wallbounce.InvocationInProcessSDK
	return &Adapter{
		descriptor:  desc,
		BaseURL:     defaultBaseURL,
		APIVersion:  defaultAPIVersion,
		Model:       defaultModel,
		MaxTokens:   defaultMaxTokens,
		secretStore: store,
		secretRef:   secretRef,
		client:      &http.Client{Timeout: 120 * time.Second},
	}
}

// WithHTTPClient swaps the HTTP client; used by tests.
func (a *Adapter) WithHTTPClient(c HTTPClient) *Adapter {
	a.client = c
	return a
}

// Describe implements wallbounce.Provider.
func (a *Adapter) Describe() wallbounce.ProviderDescriptor { return a.descriptor }

// resolveKey fetches and caches the API key from the secret store.
func (a *Adapter) resolveKey(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.apiKey != "" {
		return a.apiKey, nil
	}
	if a.secretStore == nil {
		return "", fmt.Errorf("no secret store configured")
	}
	creds, err := a.secretStore.GetSecret(ctx, a.secretRef)
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	key, ok := creds["api_key"]
	if !ok || key == "" {
		return "", fmt.Errorf("secret %q has no api_key field", a.secretRef)
	}
	a.apiKey = key
	return key, nil
}

// HealthCheck implements wallbounce.Provider with a one-token request.
func (a *Adapter) HealthCheck(ctx context.Context) (wallbounce.HealthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, _, err := a.complete(ctx, "ping", 1, false, nil)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return wallbounce.HealthResult{OK: false, LatencyMillis: latency, Message: err.Error()}, nil
	}
	return wallbounce.HealthResult{OK: true, LatencyMillis: latency}, nil
}

// Invoke implements wallbounce.Provider.
func (a *Adapter) Invoke(ctx context.Context, query wallbounce.Query) (wallbounce.ProviderResponse, error) {
	return a.invoke(ctx, query, nil)
}

// InvokeStream implements wallbounce.StreamingProvider: onChunk is
// called for every text delta as the API produces it.
func (a *Adapter) InvokeStream(ctx context.Context, query wallbounce.Query, onChunk func(chunk string) error) (wallbounce.ProviderResponse, error) {
	return a.invoke(ctx, query, onChunk)
}

func (a *Adapter) invoke(ctx context.Context, query wallbounce.Query, onChunk func(chunk string) error) (wallbounce.ProviderResponse, error) {
	start := time.Now()

	content, usage, err := a.complete(ctx, query.Text, a.MaxTokens, onChunk != nil, onChunk)
	if err != nil {
		werr := wallbounce.NewError(wallbounce.KindAdapterError,
			fmt.Sprintf("anthropic invoke failed: %v", err)).WithRetryable(true)
		res := wallbounce.ToResult(werr)
		return wallbounce.ProviderResponse{
			ProviderID:    a.descriptor.ID,
			LatencyMillis: time.Since(start).Milliseconds(),
			Error:         &res,
		}, werr
	}

	return wallbounce.ProviderResponse{
		ProviderID:    a.descriptor.ID,
		Content:       content,
		Confidence:    provider.DefaultConfidence(content),
		LatencyMillis: time.Since(start).Milliseconds(),
		TokenUsage:    usage,
		RawCostEstimate: float64(usage.Input+usage.Output) * a.descriptor.CostPerToken,
	}, nil
}

// complete performs one Messages API call with bounded retries on
// retryable statuses (429 and 5xx), exponential backoff between
// attempts.
func (a *Adapter) complete(ctx context.Context, prompt string, maxTokens int, stream bool, onChunk func(string) error) (string, wallbounce.TokenUsage, error) {
	key, err := a.resolveKey(ctx)
	if err != nil {
		return "", wallbounce.TokenUsage{}, err
	}

	body := messagesRequest{
		Model:     a.Model,
		MaxTokens: maxTokens,
		Stream:    stream,
		Messages:  []message{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", wallbounce.TokenUsage{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", wallbounce.TokenUsage{}, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return "", wallbounce.TokenUsage{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", key)
		req.Header.Set("anthropic-version", a.APIVersion)

		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("anthropic api error: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			lastErr = apiError(resp.StatusCode, raw)
			if !retryableStatus(resp.StatusCode) {
				return "", wallbounce.TokenUsage{}, lastErr
			}
			continue
		}

		if stream {
			content, usage, err := readStream(resp.Body, onChunk)
			_ = resp.Body.Close()
			return content, usage, err
		}

		var out messagesResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		if err != nil {
			return "", wallbounce.TokenUsage{}, fmt.Errorf("decode response: %w", err)
		}

		var b strings.Builder
		for _, block := range out.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), wallbounce.TokenUsage{
			Input:  out.Usage.InputTokens,
			Output: out.Usage.OutputTokens,
		}, nil
	}
	return "", wallbounce.TokenUsage{}, lastErr
}

// readStream consumes the SSE body, invoking onChunk per text delta.
func readStream(body io.Reader, onChunk func(string) error) (string, wallbounce.TokenUsage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var b strings.Builder
	var usage wallbounce.TokenUsage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.Input = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				b.WriteString(ev.Delta.Text)
				if onChunk != nil {
					if err := onChunk(ev.Delta.Text); err != nil {
						return "", usage, fmt.Errorf("chunk handler: %w", err)
					}
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.Output = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", usage, fmt.Errorf("stream read: %w", err)
	}
	return b.String(), usage, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func apiError(status int, body []byte) error {
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error.Message == "" {
		return fmt.Errorf("anthropic api status %d", status)
	}
	return fmt.Errorf("anthropic api status %d (%s): %s", status, parsed.Error.Type, parsed.Error.Message)
}

// Wire types for the Messages API.

type messagesRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}
