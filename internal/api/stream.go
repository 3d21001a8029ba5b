package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/router"
	"github.com/hounfour/gateway/internal/tenant"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same-origin policy is enforced upstream; the gateway itself serves
	// non-browser clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamFrame is one WS message. Frame order per request: metadata,
// content chunks, usage, then done or error.
type streamFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const contentChunkSize = 512

// handleStream serves one invoke per WS message. The provider call itself is
// buffered; chunking happens at this boundary so slow clients do not hold
// provider connections open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindInternal, gwerr.CodeUnauthenticated, "no tenant context", err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	metricStreamSessions.Inc()

	for {
		var req invokeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.streamOne(r, conn, tc, req)
	}
}

func (s *Server) streamOne(r *http.Request, conn *websocket.Conn, tc *tenant.Context, req invokeRequest) {
	writeFrame := func(f streamFrame) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(f) == nil
	}

	if !s.opts.Guard.IsBillingReady() {
		writeFrame(streamFrame{Type: "error", Code: string(gwerr.CodeBillingEvaluatorUnavail),
			Error: "billing invariant evaluator unavailable"})
		return
	}
	if req.Agent == "" || len(req.Messages) == 0 {
		writeFrame(streamFrame{Type: "error", Code: string(gwerr.CodeConfigInvalid),
			Error: "agent and messages are required"})
		return
	}

	traceID := uuid.NewString()
	resp, err := s.opts.Router.Invoke(r.Context(), tc, router.Request{
		Agent:    req.Agent,
		Messages: req.Messages,
		Tools:    req.Tools,
		Options:  req.Options,
		Scope:    req.Scope,
		Mode:     s.opts.BudgetMode,
		TraceID:  traceID,
	})
	if err != nil {
		writeFrame(streamFrame{Type: "error", Code: string(gwerr.CodeOf(err)), Error: safeMessage(err)})
		return
	}

	if !writeFrame(streamFrame{Type: "metadata", Payload: map[string]string{
		"pool":     resp.Pool.String(),
		"provider": resp.Provider,
		"model":    resp.Model,
		"trace_id": traceID,
	}}) {
		return
	}

	content := resp.Completion.Content
	for len(content) > 0 {
		n := contentChunkSize
		if n > len(content) {
			n = len(content)
		}
		if !writeFrame(streamFrame{Type: "content", Payload: content[:n]}) {
			return
		}
		content = content[n:]
	}

	if !writeFrame(streamFrame{Type: "usage", Payload: map[string]interface{}{
		"usage":                resp.Completion.Usage,
		"cost_total_micro_usd": resp.Cost.Total.String(),
	}}) {
		return
	}
	writeFrame(streamFrame{Type: "done"})
}

// safeMessage keeps wire errors free of internal causes.
func safeMessage(err error) string {
	var ge *gwerr.Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "upstream providers unavailable"
}
