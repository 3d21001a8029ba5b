package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/router"
	"github.com/hounfour/gateway/internal/tenant"
)

// invokeRequest is the wire shape of POST /v1/invoke.
type invokeRequest struct {
	Agent    string             `json:"agent"`
	Messages []provider.Message `json:"messages"`
	Tools    []json.RawMessage  `json:"tools,omitempty"`
	Options  provider.Options   `json:"options"`
	Scope    budget.Scope       `json:"scope"`
}

type invokeResponse struct {
	Pool       string              `json:"pool"`
	Provider   string              `json:"provider"`
	Model      string              `json:"model"`
	Content    string              `json:"content"`
	Thinking   string              `json:"thinking,omitempty"`
	ToolCalls  []provider.ToolCall `json:"tool_calls,omitempty"`
	Usage      provider.Usage      `json:"usage"`
	CostTotal  string              `json:"cost_total_micro_usd"`
	TraceID    string              `json:"trace_id"`
	Warned     bool                `json:"budget_warning,omitempty"`
	Downgraded bool                `json:"downgraded,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Guard.IsBillingReady() {
		writeError(w, gwerr.New(gwerr.KindInternal, gwerr.CodeBillingEvaluatorUnavail,
			"billing invariant evaluator unavailable"))
		return
	}

	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindInternal, gwerr.CodeUnauthenticated, "no tenant context", err))
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindInput, gwerr.CodeConfigInvalid, "malformed request body", err))
		return
	}
	if req.Agent == "" || len(req.Messages) == 0 {
		writeError(w, gwerr.New(gwerr.KindInput, gwerr.CodeConfigInvalid, "agent and messages are required"))
		return
	}

	traceID := uuid.NewString()
	start := time.Now()

	resp, err := s.opts.Router.Invoke(r.Context(), tc, router.Request{
		Agent:    req.Agent,
		Messages: req.Messages,
		Tools:    req.Tools,
		Options:  req.Options,
		Scope:    req.Scope,
		Mode:     s.opts.BudgetMode,
		TraceID:  traceID,
	})
	metricInvokeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, invokeResponse{
		Pool:       resp.Pool.String(),
		Provider:   resp.Provider,
		Model:      resp.Model,
		Content:    resp.Completion.Content,
		Thinking:   resp.Completion.Thinking,
		ToolCalls:  resp.Completion.ToolCalls,
		Usage:      resp.Completion.Usage,
		CostTotal:  resp.Cost.Total.String(),
		TraceID:    traceID,
		Warned:     resp.Warned,
		Downgraded: resp.Downgraded,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	open := 0
	if s.opts.Tracker != nil {
		for _, st := range s.opts.Tracker.Snapshot() {
			if st.State == "OPEN" {
				open++
			}
		}
	}

	status := "ok"
	if !s.opts.Guard.IsBillingReady() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"billing_guard": string(s.opts.Guard.State()),
		"open_circuits": open,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Tracker.Snapshot())
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.opts.Budget == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spent_micro_usd": s.opts.Budget.Snapshot(),
	})
}
