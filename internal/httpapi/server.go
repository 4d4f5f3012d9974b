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

// Package httpapi is the thin HTTP adapter over the orchestrator: it
// maps the control-plane operations to JSON endpoints and the event
// stream to server-sent events. It carries no business logic;
// everything it exposes exists on the Orchestrator already.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/wallbounce/analyzer/internal/approval"
	"github.com/wallbounce/analyzer/internal/orchestrator"
	"github.com/wallbounce/analyzer/internal/wallbounce"
	"github.com/wallbounce/analyzer/internal/wbslog"
)

// Server adapts the orchestrator to HTTP.
type Server struct {
	orch *orchestrator.Orchestrator
	log  *wbslog.Logger
}

// NewServer builds a Server over orch.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	return &Server{orch: orch, log: wbslog.New("httpapi")}
}

// Handler returns the fully-routed HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/analyze/stream", s.handleAnalyzeStream).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/sessions/{id}/continue", s.handleContinueSession).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/providers", s.handleListProviders).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/providers/{id}/health", s.handleProviderHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/approvals", s.handlePendingApprovals).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/approvals/{id}/resolve", s.handleResolveApproval).Methods(http.MethodPost)

	return cors.Default().Handler(r)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var query wallbounce.Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.writeError(w, http.StatusBadRequest, wallbounce.Result{
			Kind: wallbounce.KindInvalidInput, Message: "malformed request body",
		})
		return
	}

	a, err := s.orch.Analyze(r.Context(), query)
	if err != nil {
		s.writeError(w, statusFor(err), orchestrator.ResultOf(a, err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": a.AnalysisID,
		"state":       a.State,
		"consensus":   a.Consensus,
		"warnings":    a.Warnings,
	})
}

// handleAnalyzeStream maps the event stream onto server-sent events:
// one block per event, event name = event tag, data = the event JSON.
// A final_answer or error event terminates the stream.
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	var query wallbounce.Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.writeError(w, http.StatusBadRequest, wallbounce.Result{
			Kind: wallbounce.KindInvalidInput, Message: "malformed request body",
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, wallbounce.Result{
			Kind: wallbounce.KindInternal, Message: "streaming unsupported",
		})
		return
	}

	sub, done, err := s.orch.AnalyzeStream(r.Context(), query, uuid.New().String())
	if err != nil {
		s.writeError(w, statusFor(err), wallbounce.ToResult(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range sub.C() {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
	}
	<-done
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	sess, err := s.orch.CreateSession(r.Context(), body.UserID)
	if err != nil {
		s.writeError(w, statusFor(err), wallbounce.ToResult(err))
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), wallbounce.ToResult(err))
		return
	}
	if sess == nil {
		s.writeError(w, http.StatusNotFound, wallbounce.Result{
			Kind: wallbounce.KindInvalidInput, Message: "session not found",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, statusFor(err), wallbounce.ToResult(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	var query wallbounce.Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.writeError(w, http.StatusBadRequest, wallbounce.Result{
			Kind: wallbounce.KindInvalidInput, Message: "malformed request body",
		})
		return
	}

	a, err := s.orch.ContinueSession(r.Context(), mux.Vars(r)["id"], query)
	if err != nil {
		s.writeError(w, statusFor(err), orchestrator.ResultOf(a, err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": a.AnalysisID,
		"state":       a.State,
		"consensus":   a.Consensus,
		"warnings":    a.Warnings,
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.ListProviders())
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.orch.ProviderHealth(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), wallbounce.ToResult(err))
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.PendingApprovals())
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision approval.Decision `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, wallbounce.Result{
			Kind: wallbounce.KindInvalidInput, Message: "malformed request body",
		})
		return
	}
	if body.Decision != approval.DecisionApproved && body.Decision != approval.DecisionDenied {
		s.writeError(w, http.StatusBadRequest, wallbounce.Result{
			Kind: wallbounce.KindInvalidInput, Message: "decision must be approved or denied",
		})
		return
	}

	rec, err := s.orch.ResolveApproval(mux.Vars(r)["id"], body.Decision)
	if err != nil {
		s.writeError(w, statusFor(err), wallbounce.ToResult(err))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", err, nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, res wallbounce.Result) {
	s.writeJSON(w, status, res)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	werr, ok := err.(*wallbounce.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch werr.Kind {
	case wallbounce.KindInvalidInput:
		return http.StatusBadRequest
	case wallbounce.KindInvalidTransition:
		return http.StatusConflict
	case wallbounce.KindInsufficientProviders:
		return http.StatusServiceUnavailable
	case wallbounce.KindApprovalDenied:
		return http.StatusForbidden
	case wallbounce.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
