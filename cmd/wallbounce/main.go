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

// Package main is the entry point for the Wall-Bounce Analyzer.
//
// With -query it runs one analysis and exits; without it, it serves
// the HTTP API.
//
// Usage:
//
//	./wallbounce -query "compare these approaches" -task premium
//	./wallbounce
//
// Environment Variables:
//
//	WB_LISTEN_ADDR - HTTP listen address (default: :8080)
//	WB_REDIS_ADDR - Redis address for session persistence (optional;
//	                the in-memory store is used when unset)
//	WB_MIN_PROVIDERS - floor on successful adapter responses (default: 2)
//	WB_CONFIDENCE_FLOOR / WB_CONSENSUS_FLOOR - quality floors
//	WB_PER_ADAPTER_TIMEOUT_MS / WB_WHOLE_DISPATCH_TIMEOUT_MS
//	WB_APPROVAL_TIMEOUT_MS - pending approval expiry window
//	WB_EVENT_BUFFER_SIZE - per-subscriber event buffer capacity
//	WB_SESSION_TTL_SECONDS - KV TTL for sessions
//	WB_AUTO_ESCALATE / WB_AUTO_MODE / WB_SANDBOX_LEVEL_DEFAULT
//	WB_PROVIDER_CLIS - comma-separated id=vendor:tier:command specs for
//	                   subprocess adapters
//
// Exit codes (one-shot mode): 0 consensus at or above the floors,
// 1 insufficient providers, 2 every adapter failed, 3 approval denied,
// 4 canceled, 5 configuration or usage error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wallbounce/analyzer/internal/approval"
	"github.com/wallbounce/analyzer/internal/config"
	"github.com/wallbounce/analyzer/internal/consensus"
	"github.com/wallbounce/analyzer/internal/dispatcher"
	"github.com/wallbounce/analyzer/internal/eventbus"
	"github.com/wallbounce/analyzer/internal/httpapi"
	"github.com/wallbounce/analyzer/internal/kvstore"
	"github.com/wallbounce/analyzer/internal/kvstore/memstore"
	"github.com/wallbounce/analyzer/internal/kvstore/redisstore"
	"github.com/wallbounce/analyzer/internal/orchestrator"
	"github.com/wallbounce/analyzer/internal/provider"
	"github.com/wallbounce/analyzer/internal/provider/subprocessadapter"
	"github.com/wallbounce/analyzer/internal/session"
	"github.com/wallbounce/analyzer/internal/wallbounce"
)

func main() {
	os.Exit(run())
}

func run() int {
	queryText := flag.String("query", "", "run one analysis for this query and exit")
	taskType := flag.String("task", "basic", "task type: basic, premium or critical")
	mode := flag.String("mode", "parallel", "dispatch mode: parallel or sequential")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 5
	}

	store, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store error: %v\n", err)
		return 5
	}

	reg := provider.NewRegistry()
	if err := registerCLIProviders(reg); err != nil {
		fmt.Fprintf(os.Stderr, "provider configuration error: %v\n", err)
		return 5
	}

	bus := eventbus.New(eventbus.WithBufferSize(cfg.EventBufferSize))
	appr := approval.NewManager(
		approval.WithEmitter(bus),
		approval.WithTimeout(cfg.ApprovalTimeout),
	)
	sessions := session.NewManager(store,
		session.WithTTL(cfg.SessionTTL),
		session.WithVendorResolver(func(id string) string {
			if p, ok := reg.Get(id); ok {
				return p.Describe().Vendor
			}
			return id
		}),
	)
	orch := orchestrator.New(reg, dispatcher.New(bus), consensus.NewEngine(), sessions, appr, bus, orchestrator.Config{
		PerAdapterTimeout: cfg.PerAdapterTimeout,
		WholeTimeout:      cfg.WholeTimeout,
		AutoEscalate:      cfg.AutoEscalate,
	})

	if *queryText != "" {
		return runOnce(orch, cfg, *queryText, *taskType, *mode)
	}
	return serve(orch, cfg)
}

// runOnce executes one analysis and maps the outcome to the exit-code
// table.
func runOnce(orch *orchestrator.Orchestrator, cfg config.Config, text, taskType, mode string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := orch.Analyze(ctx, wallbounce.Query{
		Text:             text,
		TaskType:         wallbounce.TaskType(taskType),
		Mode:             wallbounce.DispatchMode(mode),
		MinProviders:     cfg.MinProviders,
		ConfidenceFloor:  cfg.ConfidenceFloor,
		ConsensusFloor:   cfg.ConsensusFloor,
		SandboxLevel:     cfg.SandboxDefault,
		AutoMode:         cfg.AutoMode,
		AutoEscalate:     cfg.AutoEscalate,
		RequireConsensus: true,
	})
	if err != nil {
		res := orchestrator.ResultOf(a, err)
		_ = json.NewEncoder(os.Stderr).Encode(res)
		return exitCode(err)
	}

	out, _ := json.MarshalIndent(a.Consensus, "", "  ")
	fmt.Println(string(out))
	return 0
}

// exitCode maps the error taxonomy to the CLI contract.
func exitCode(err error) int {
	var werr *wallbounce.Error
	if !errors.As(err, &werr) {
		return 5
	}
	switch werr.Kind {
	case wallbounce.KindInsufficientProviders:
		var ins *dispatcher.InsufficientError
		if errors.As(err, &ins) && ins.Succeeded == 0 {
			return 2
		}
		return 1
	case wallbounce.KindApprovalDenied:
		return 3
	case wallbounce.KindCanceled:
		return 4
	default:
		return 5
	}
}

func serve(orch *orchestrator.Orchestrator, cfg config.Config) int {
	srv := httpapi.NewServer(orch)
	log.Printf("wallbounce listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return 5
	}
	return 0
}

func buildStore(cfg config.Config) (kvstore.KVStore, error) {
	if cfg.RedisAddr == "" {
		return memstore.New(time.Minute), nil
	}
	return redisstore.New(context.Background(), redisstore.Options{Addr: cfg.RedisAddr})
}

// registerCLIProviders wires subprocess adapters from WB_PROVIDER_CLIS,
// each spec formatted as id=vendor:tier:command.
func registerCLIProviders(reg *provider.Registry) error {
	specs := os.Getenv("WB_PROVIDER_CLIS")
	if specs == "" {
		return nil
	}
	for _, spec := range strings.Split(specs, ",") {
		id, rest, ok := strings.Cut(strings.TrimSpace(spec), "=")
		if !ok {
			return fmt.Errorf("malformed provider spec %q", spec)
		}
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("malformed provider spec %q (want id=vendor:tier:command)", spec)
		}
		tier, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("provider %s: bad tier: %w", id, err)
		}
		adapter := subprocessadapter.New(wallbounce.ProviderDescriptor{
			ID:     id,
			Name:   id,
			Vendor: parts[0],
			Tier:   tier,
			Capabilities: []wallbounce.Capability{
				wallbounce.CapabilityAnalysis,
			},
		}, parts[2], nil)
		if err := reg.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}
