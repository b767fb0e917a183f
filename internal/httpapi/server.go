// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi is the External Interfaces transport from spec.md §6:
// plan submission (sync/async), query, cancellation, approval decisions,
// and capability manifest introspection, mounted on gorilla/mux with
// rs/cors and a Prometheus scrape endpoint, the same stack the teacher's
// orchestrator and agent services use for their own HTTP surfaces.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridge"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/state"
)

// Server wires a *bridge.Daemon to its HTTP surface.
type Server struct {
	daemon      *bridge.Daemon
	logger      *bridgelog.Logger
	syncTimeout time.Duration
	corsOrigins []string
	auth        *Authenticator
}

// Options tunes the HTTP surface.
type Options struct {
	SyncTimeout      time.Duration
	CORSAllowOrigins []string
	Auth             *Authenticator
}

// New builds a Server. Call Handler to obtain the CORS-wrapped
// http.Handler to pass to http.ListenAndServe.
func New(d *bridge.Daemon, logger *bridgelog.Logger, opts Options) *Server {
	s := &Server{
		daemon:      d,
		logger:      logger,
		syncTimeout: opts.SyncTimeout,
		corsOrigins: opts.CORSAllowOrigins,
		auth:        opts.Auth,
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = 30 * time.Second
	}
	if len(s.corsOrigins) == 0 {
		s.corsOrigins = []string{"*"}
	}
	return s
}

// Handler builds the routed, CORS-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/plans", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/plans/{plan_id}", s.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/plans/{plan_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/plans/{plan_id}/approvals", s.handleListApprovals).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/plans/{plan_id}/actions/{action_id}/approval", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/capabilities", s.handleManifests).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleManifests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Manifests())
}

// submitRequest is the wire envelope for a plan submission. Plan is kept
// as raw JSON so the Protocol Layer's own repair/migration step sees the
// client's bytes verbatim rather than a value already round-tripped
// through Go's json package.
type submitRequest struct {
	Plan           json.RawMessage `json:"plan"`
	AsyncExecution bool            `json:"async_execution"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bridgeerr.Protocol("invalid_request_body", "request body is not valid JSON", err, nil))
		return
	}
	if len(req.Plan) == 0 {
		writeError(w, bridgeerr.Protocol("missing_plan", "request body must include a \"plan\" field", nil, nil))
		return
	}

	outcome, err := s.daemon.Submit(r.Context(), string(req.Plan))
	if err != nil {
		writeError(w, err)
		return
	}

	if outcome.Rejected {
		writeJSON(w, http.StatusUnprocessableEntity, outcome.State)
		return
	}

	if req.AsyncExecution {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"accepted": true,
		})
		return
	}

	st, ok := bridge.AwaitSync(outcome.Future, s.syncTimeout)
	if !ok {
		writeJSON(w, http.StatusGatewayTimeout, map[string]interface{}{
			"message": "plan is still running; poll the plan endpoint or resubmit with async_execution=true",
		})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["plan_id"]
	st, err := s.daemon.Query(r.Context(), planID)
	if err != nil {
		if err == state.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such plan"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["plan_id"]
	if err := s.daemon.Cancel(planID); err != nil {
		if be, ok := err.(*bridgeerr.Error); ok && be.Code == "plan_not_running" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": be.Message})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation_requested"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["plan_id"]
	writeJSON(w, http.StatusOK, s.daemon.PendingApprovals(planID))
}

// approvalRequest accepts the Decision vocabulary directly, and also a
// legacy boolean "approved" field for callers that have not migrated to
// the richer decision set; true/false map to approve/reject.
type approvalRequest struct {
	Decision       *string                `json:"decision,omitempty"`
	Approved       *bool                  `json:"approved,omitempty"`
	ModifiedParams map[string]interface{} `json:"modified_params,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	planID := vars["plan_id"]
	actionID := vars["action_id"]

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bridgeerr.Protocol("invalid_request_body", "request body is not valid JSON", err, nil))
		return
	}

	decision, err := resolveDecision(req)
	if err != nil {
		writeError(w, err)
		return
	}

	approvedBy := "anonymous"
	if s.auth != nil {
		if identity, ok := s.auth.IdentityFromRequest(r); ok {
			approvedBy = identity
		}
	}

	resp := approval.Response{
		Decision:       decision,
		ModifiedParams: req.ModifiedParams,
		Reason:         req.Reason,
		ApprovedBy:     approvedBy,
		Timestamp:      time.Now().UTC(),
	}

	if !s.daemon.Approve(planID, actionID, resp) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending approval for this action"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "decision_recorded"})
}

func resolveDecision(req approvalRequest) (approval.Decision, error) {
	if req.Decision != nil {
		d := approval.Decision(*req.Decision)
		switch d {
		case approval.DecisionApprove, approval.DecisionReject, approval.DecisionSkip, approval.DecisionModify, approval.DecisionApproveAlways:
			return d, nil
		default:
			return "", bridgeerr.Protocol("invalid_decision", "decision must be one of approve, reject, skip, modify, approve_always", nil, map[string]interface{}{"decision": *req.Decision})
		}
	}
	if req.Approved != nil {
		if *req.Approved {
			return approval.DecisionApprove, nil
		}
		return approval.DecisionReject, nil
	}
	return "", bridgeerr.Protocol("missing_decision", "request must include either \"decision\" or \"approved\"", nil, nil)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if bridgeerr.HTTPStatusClass(err) == "4xx" {
		status = http.StatusBadRequest
	}
	body := map[string]interface{}{"error": err.Error()}
	if be, ok := err.(*bridgeerr.Error); ok {
		body["code"] = be.Code
		body["kind"] = string(be.Kind)
		if len(be.Details) > 0 {
			body["details"] = be.Details
		}
	}
	writeJSON(w, status, body)
}
