package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/v4ler11/sovereign-mcp/internal/jsonrpc"
	"github.com/v4ler11/sovereign-mcp/internal/validation"
	"github.com/v4ler11/sovereign-mcp/mcp"
	"github.com/v4ler11/sovereign-mcp/mcpserver"
	"github.com/v4ler11/sovereign-mcp/sessions"
)

// errClientCancelled is the cancellation cause used when the client sent a
// cancelled notification without a reason.
var errClientCancelled = errors.New("cancelled by client")

type cancelCause struct{ reason string }

func (c *cancelCause) Error() string { return c.reason }

// ProgressSink receives the progress events of one streaming invocation. The
// transport installs a sink on the request context before dispatch; without
// one, progress is dropped and only the terminal result is delivered.
type ProgressSink interface {
	Emit(ctx context.Context, params mcp.ProgressNotificationParams) error
}

type progressSinkKey struct{}

// WithProgressSink attaches a progress sink to the context.
func WithProgressSink(ctx context.Context, sink ProgressSink) context.Context {
	return context.WithValue(ctx, progressSinkKey{}, sink)
}

func progressSinkFrom(ctx context.Context) (ProgressSink, bool) {
	sink, ok := ctx.Value(progressSinkKey{}).(ProgressSink)
	return sink, ok
}

func (e *Engine) callTool(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params", nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil)
	}

	tool, ok := e.srv.Tools().Get(params.Name)
	if !ok {
		// Unknown tool is a domain failure, not a protocol one: the request
		// was well-formed, the tool just is not there.
		return mustResult(req.ID, mcpserver.Errorf("tool %q not found", params.Name))
	}

	if err := tool.CheckArguments(ctx, params.Arguments); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, verr.Error(), map[string]any{
				"validation": verr.Fields,
			})
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	invCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	invCtx, cancelTimeout := context.WithTimeout(invCtx, tool.Timeout())
	defer cancelTimeout()

	key := req.ID.Key()
	sess.TrackInvocation(key, cancel)
	defer sess.FinishInvocation(key)

	sink, _ := progressSinkFrom(ctx)

	// The terminal guard makes late yields from an abandoned handler inert:
	// once the invocation has produced its terminal outcome, no further
	// progress may leave the engine.
	var terminalMu sync.Mutex
	terminal := false
	emit := func(progress, total float64, message string) error {
		if err := invCtx.Err(); err != nil {
			return context.Cause(invCtx)
		}
		terminalMu.Lock()
		if terminal {
			terminalMu.Unlock()
			return errors.New("invocation already finished")
		}
		terminalMu.Unlock()
		if sink == nil {
			return nil
		}
		return sink.Emit(ctx, mcp.ProgressNotificationParams{
			ProgressToken: req.ID.Value(),
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
	}

	start := time.Now()
	res, err := invokeTool(invCtx, tool, &mcpserver.ToolRequest{Name: params.Name, Arguments: params.Arguments}, emit)

	terminalMu.Lock()
	terminal = true
	terminalMu.Unlock()

	resp := e.toolOutcome(invCtx, req, tool, params.Name, res, err)
	e.log.InfoContext(ctx, "tool.call",
		slog.String("session_id", sess.ID()),
		slog.String("tool", params.Name),
		slog.Duration("dur", time.Since(start)),
		slog.Bool("ok", resp.Error == nil))
	return resp
}

// invokeTool runs the handler with panic isolation. A panicking handler
// fails its own invocation, never the server.
func invokeTool(ctx context.Context, tool mcpserver.Tool, req *mcpserver.ToolRequest, emit mcpserver.ProgressFunc) (res *mcp.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return tool.Invoke(ctx, req, emit)
}

// toolOutcome maps the handler's return into the terminal wire event.
// Timeouts and handler errors stay domain failures (IsError results);
// cancellation is the one outcome surfaced as a protocol error.
func (e *Engine) toolOutcome(invCtx context.Context, req *jsonrpc.Request, tool mcpserver.Tool, name string, res *mcp.CallToolResult, err error) *jsonrpc.Response {
	cause := context.Cause(invCtx)

	switch {
	case err == nil && res != nil:
		return mustResult(req.ID, res)
	case err == nil:
		return mustResult(req.ID, mcpserver.Errorf("tool %q finished without a result", name))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
		return mustResult(req.ID, mcpserver.Errorf("tool %q timed out after %s", name, tool.Timeout()))
	case invCtx.Err() != nil:
		data := map[string]any{}
		if cause != nil && !errors.Is(cause, context.Canceled) {
			data["reason"] = cause.Error()
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", data)
	default:
		return mustResult(req.ID, mcpserver.Errorf("tool error: %v", err))
	}
}

func (e *Engine) getPrompt(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid prompt params", nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing prompt name", nil)
	}

	prompt, ok := e.srv.Prompts().Get(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("prompt %q not found", params.Name), nil)
	}
	if err := prompt.CheckArguments(params.Arguments); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, verr.Error(), map[string]any{
				"validation": verr.Fields,
			})
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	invCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	invCtx, cancelTimeout := context.WithTimeout(invCtx, prompt.Timeout())
	defer cancelTimeout()

	key := req.ID.Key()
	sess.TrackInvocation(key, cancel)
	defer sess.FinishInvocation(key)

	res, err := invokePrompt(invCtx, prompt, &mcpserver.PromptRequest{Name: params.Name, Arguments: params.Arguments})
	switch {
	case err == nil && res != nil:
		return mustResult(req.ID, res)
	case err == nil:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("prompt %q produced no result", params.Name), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("prompt %q timed out after %s", params.Name, prompt.Timeout()), nil)
	case invCtx.Err() != nil && !errors.Is(context.Cause(invCtx), context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("prompt error: %v", err), nil)
	}
}

func invokePrompt(ctx context.Context, prompt mcpserver.Prompt, req *mcpserver.PromptRequest) (res *mcp.GetPromptResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return prompt.Invoke(ctx, req)
}

func (e *Engine) readResource(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resource params", nil)
	}
	if params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing resource uri", nil)
	}

	handler, rreq, ok := e.srv.Resources().Resolve(params.URI)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound, "resource not found", map[string]any{
			"uri": params.URI,
		})
	}

	invCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	key := req.ID.Key()
	sess.TrackInvocation(key, cancel)
	defer sess.FinishInvocation(key)

	contents, err := invokeResource(invCtx, handler, rreq)
	switch {
	case err == nil:
		if contents == nil {
			contents = []mcp.ResourceContents{}
		}
		return mustResult(req.ID, mcp.ReadResourceResult{Contents: contents})
	case errors.Is(err, mcpserver.ErrResourceNotFound):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound, "resource not found", map[string]any{
			"uri": params.URI,
		})
	case invCtx.Err() != nil:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("resource read error: %v", err), nil)
	}
}

func invokeResource(ctx context.Context, handler mcpserver.ResourceHandler, req *mcpserver.ResourceRequest) (contents []mcp.ResourceContents, err error) {
	defer func() {
		if r := recover(); r != nil {
			contents = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, req)
}
