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

// Package metrics registers the Prometheus collectors the orchestrator
// core emits. The core never exports them itself (an observability
// adapter scrapes the default registry) — this package only declares
// and updates the vectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DispatchTotal counts dispatcher outcomes by mode and result.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallbounce",
			Subsystem: "dispatcher",
			Name:      "dispatch_total",
			Help:      "Total dispatch attempts by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// DispatchDuration tracks how long a whole dispatch took.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallbounce",
			Subsystem: "dispatcher",
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch wall-clock duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// AdapterCalls counts individual adapter invocations by provider
	// id and outcome.
	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallbounce",
			Subsystem: "provider",
			Name:      "adapter_calls_total",
			Help:      "Adapter invocations by provider id and outcome.",
		},
		[]string{"provider_id", "outcome"},
	)

	// AdapterLatency tracks per-adapter invocation latency.
	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallbounce",
			Subsystem: "provider",
			Name:      "adapter_latency_seconds",
			Help:      "Adapter invocation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_id"},
	)

	// EventBusDrops counts dropped-oldest sentinel events by analysis.
	EventBusDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallbounce",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Non-critical events dropped due to a lagging subscriber.",
		},
		[]string{"analysis_id"},
	)

	// EventBusOverflows counts subscriptions closed with overflow.
	EventBusOverflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallbounce",
			Subsystem: "eventbus",
			Name:      "overflow_total",
			Help:      "Subscriptions closed because a critical event could not be buffered.",
		},
		[]string{"analysis_id"},
	)

	// ApprovalTransitions counts approval state-machine transitions.
	ApprovalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallbounce",
			Subsystem: "approval",
			Name:      "transitions_total",
			Help:      "Approval request state transitions.",
		},
		[]string{"to_state"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchTotal,
		DispatchDuration,
		AdapterCalls,
		AdapterLatency,
		EventBusDrops,
		EventBusOverflows,
		ApprovalTransitions,
	)
}
