package router

import (
	"context"

	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/tenant"
	"github.com/hounfour/gateway/internal/toolloop"
)

// ToolLoopResponse pairs the terminal loop state with the routing metadata
// of the final model turn.
type ToolLoopResponse struct {
	Result *toolloop.Result
	Last   *Response
}

// RunToolLoop drives an iterative tool-calling conversation through this
// router. Every model turn is a full routed invocation: budget, guard, rate
// and health enforcement apply per provider call, and a mid-loop fallback
// may move later turns to a different pool.
func (r *Router) RunToolLoop(ctx context.Context, tc *tenant.Context, req Request, exec toolloop.ToolExecutor, cfg toolloop.Config) (*ToolLoopResponse, error) {
	var last *Response

	turn := func(ctx context.Context, messages []provider.Message) (*provider.CompletionResult, error) {
		turnReq := req
		turnReq.Messages = messages
		resp, err := r.Invoke(ctx, tc, turnReq)
		if err != nil {
			return nil, err
		}
		last = resp
		return resp.Completion, nil
	}

	res, err := toolloop.New(cfg, turn, exec).Run(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	return &ToolLoopResponse{Result: res, Last: last}, nil
}
