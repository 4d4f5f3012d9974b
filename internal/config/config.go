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

// Package config loads the orchestration core's configuration surface
// from environment variables for the CLI binary. The core itself never
// reads the environment; it takes these values through constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wallbounce/analyzer/internal/wallbounce"
)

// Config is the recognized configuration surface, each field with a
// documented default.
type Config struct {
	MinProviders      int           // WB_MIN_PROVIDERS (default 2)
	ConfidenceFloor   float64       // WB_CONFIDENCE_FLOOR (default 0.7)
	ConsensusFloor    float64       // WB_CONSENSUS_FLOOR (default 0.6)
	PerAdapterTimeout time.Duration // WB_PER_ADAPTER_TIMEOUT_MS (default 30000)
	WholeTimeout      time.Duration // WB_WHOLE_DISPATCH_TIMEOUT_MS (default 90000)
	ApprovalTimeout   time.Duration // WB_APPROVAL_TIMEOUT_MS (default 60000)
	EventBufferSize   int           // WB_EVENT_BUFFER_SIZE (default 64)
	SessionTTL        time.Duration // WB_SESSION_TTL_SECONDS (default 30 days)
	AutoEscalate      bool          // WB_AUTO_ESCALATE (default false)
	SandboxDefault    wallbounce.SandboxLevel // WB_SANDBOX_LEVEL_DEFAULT (default read-only)
	AutoMode          bool          // WB_AUTO_MODE (default false)

	RedisAddr string // WB_REDIS_ADDR (empty selects the in-memory store)
	ListenAddr string // WB_LISTEN_ADDR (default :8080)
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		MinProviders:      2,
		ConfidenceFloor:   0.7,
		ConsensusFloor:    0.6,
		PerAdapterTimeout: 30 * time.Second,
		WholeTimeout:      90 * time.Second,
		ApprovalTimeout:   60 * time.Second,
		EventBufferSize:   64,
		SessionTTL:        30 * 24 * time.Hour,
		SandboxDefault:    wallbounce.SandboxReadOnly,
		ListenAddr:        ":8080",
	}
}

// FromEnv loads the configuration, starting from Defaults and
// overriding from the environment. Malformed values are errors, not
// silent fallbacks.
func FromEnv() (Config, error) {
	cfg := Defaults()

	var err error
	if cfg.MinProviders, err = intVar("WB_MIN_PROVIDERS", cfg.MinProviders); err != nil {
		return cfg, err
	}
	if cfg.MinProviders < 2 {
		return cfg, fmt.Errorf("WB_MIN_PROVIDERS must be at least 2")
	}
	if cfg.ConfidenceFloor, err = floatVar("WB_CONFIDENCE_FLOOR", cfg.ConfidenceFloor); err != nil {
		return cfg, err
	}
	if cfg.ConsensusFloor, err = floatVar("WB_CONSENSUS_FLOOR", cfg.ConsensusFloor); err != nil {
		return cfg, err
	}
	if cfg.PerAdapterTimeout, err = millisVar("WB_PER_ADAPTER_TIMEOUT_MS", cfg.PerAdapterTimeout); err != nil {
		return cfg, err
	}
	if cfg.WholeTimeout, err = millisVar("WB_WHOLE_DISPATCH_TIMEOUT_MS", cfg.WholeTimeout); err != nil {
		return cfg, err
	}
	if cfg.ApprovalTimeout, err = millisVar("WB_APPROVAL_TIMEOUT_MS", cfg.ApprovalTimeout); err != nil {
		return cfg, err
	}
	if cfg.EventBufferSize, err = intVar("WB_EVENT_BUFFER_SIZE", cfg.EventBufferSize); err != nil {
		return cfg, err
	}
	ttlSeconds, err := intVar("WB_SESSION_TTL_SECONDS", int(cfg.SessionTTL/time.Second))
	if err != nil {
		return cfg, err
	}
	cfg.SessionTTL = time.Duration(ttlSeconds) * time.Second
	if cfg.AutoEscalate, err = boolVar("WB_AUTO_ESCALATE", cfg.AutoEscalate); err != nil {
		return cfg, err
	}
	if cfg.AutoMode, err = boolVar("WB_AUTO_MODE", cfg.AutoMode); err != nil {
		return cfg, err
	}

	if v := os.Getenv("WB_SANDBOX_LEVEL_DEFAULT"); v != "" {
		switch wallbounce.SandboxLevel(v) {
		case wallbounce.SandboxReadOnly, wallbounce.SandboxIsolated, wallbounce.SandboxFullAccess:
			cfg.SandboxDefault = wallbounce.SandboxLevel(v)
		default:
			return cfg, fmt.Errorf("WB_SANDBOX_LEVEL_DEFAULT: unknown sandbox level %q", v)
		}
	}
	if v := os.Getenv("WB_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("WB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	return cfg, nil
}

func intVar(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func floatVar(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	if f < 0 || f > 1 {
		return def, fmt.Errorf("%s must be within [0,1]", name)
	}
	return f, nil
}

func millisVar(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func boolVar(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}
