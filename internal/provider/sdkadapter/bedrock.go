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

// Package sdkadapter implements wallbounce.Provider using an
// in-process vendor SDK rather than a subprocess or MCP server. The
// concrete implementation here targets AWS Bedrock's InvokeModel API
// for Anthropic-family models.
package sdkadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/wallbounce/analyzer/internal/provider"
	"github.com/wallbounce/analyzer/internal/secrets"
	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// InvokeModelAPI is the slice of the Bedrock runtime client the
// adapter uses; *bedrockruntime.Client satisfies it and tests
// substitute a fake.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockAdapter invokes an Anthropic-family model through AWS
// Bedrock's InvokeModel API.
type BedrockAdapter struct {
	descriptor wallbounce.ProviderDescriptor
	client     InvokeModelAPI
	model      string

	// SecretStore, when set, is consulted for a model access
	// override keyed by ModelOverrideSecretRef, rather than reading
	// one from the environment.
	SecretStore            secrets.SecretStore
	ModelOverrideSecretRef string
}

// New builds a BedrockAdapter from a ready bedrockruntime.Client.
func New(desc wallbounce.ProviderDescriptor, client InvokeModelAPI, model string) *BedrockAdapter {
	desc.InvocationKind = wallbounce.InvocationInProcessSDK
	return &BedrockAdapter{descriptor: desc, client: client, model: model}
}

// Describe implements wallbounce.Provider.
func (a *BedrockAdapter) Describe() wallbounce.ProviderDescriptor { return a.descriptor }

// HealthCheck implements wallbounce.Provider with a minimal, cheap
// completion request.
func (a *BedrockAdapter) HealthCheck(ctx context.Context) (wallbounce.HealthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := a.invokeModel(ctx, "ping", 8)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return wallbounce.HealthResult{OK: false, LatencyMillis: latency, Message: err.Error()}, nil
	}
	return wallbounce.HealthResult{OK: true, LatencyMillis: latency}, nil
}

// Invoke implements wallbounce.Provider.
func (a *BedrockAdapter) Invoke(ctx context.Context, query wallbounce.Query) (wallbounce.ProviderResponse, error) {
	start := time.Now()

	model := a.resolveModel(ctx)
	content, usage, err := a.invokeModelUsage(ctx, query.Text, model)
	if err != nil {
		werr := wallbounce.NewError(wallbounce.KindAdapterError, fmt.Sprintf("bedrock invoke failed: %v", err)).WithRetryable(true)
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
	}, nil
}

// resolveModel consults the secret store (if configured) for a model
// override, never falling back to an environment variable lookup.
func (a *BedrockAdapter) resolveModel(ctx context.Context) string {
	if a.SecretStore == nil || a.ModelOverrideSecretRef == "" {
		return a.model
	}
	creds, err := a.SecretStore.GetSecret(ctx, a.ModelOverrideSecretRef)
	if err != nil {
		return a.model
	}
	if override, ok := creds["model"]; ok && override != "" {
		return override
	}
	return a.model
}

func (a *BedrockAdapter) invokeModel(ctx context.Context, prompt string, maxTokens int) ([]byte, error) {
	body := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock api error: %w", err)
	}
	return out.Body, nil
}

func (a *BedrockAdapter) invokeModelUsage(ctx context.Context, prompt, model string) (string, wallbounce.TokenUsage, error) {
	body := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        1024,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", wallbounce.TokenUsage{}, fmt.Errorf("marshal request: %w", err)
	}

	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return "", wallbounce.TokenUsage{}, fmt.Errorf("bedrock api error: %w", err)
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", wallbounce.TokenUsage{}, fmt.Errorf("parse response: %w", err)
	}

	var text string
	if len(resp.Content) > 0 {
		text = resp.Content[0].Text
	}
	return text, wallbounce.TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}, nil
}
