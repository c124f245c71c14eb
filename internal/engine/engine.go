// Package engine is the transport-independent protocol core: it dispatches
// decoded JSON-RPC requests against a server's capability registries,
// enforces the per-session lifecycle gate, and fans list_changed
// notifications out to every initialized session through the session host.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/v4ler11/sovereign-mcp/internal/jsonrpc"
	"github.com/v4ler11/sovereign-mcp/mcp"
	"github.com/v4ler11/sovereign-mcp/mcpserver"
	"github.com/v4ler11/sovereign-mcp/sessions"
)

// Engine binds one Server to one session Host. It is stateless per request;
// everything session-scoped lives on the sessions.Session records.
type Engine struct {
	host sessions.Host
	srv  *mcpserver.Server
	log  *slog.Logger
}

// Option configures Engine construction.
type Option func(*Engine)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New constructs an Engine serving srv's capabilities to host's sessions.
func New(host sessions.Host, srv *mcpserver.Server, opts ...Option) *Engine {
	e := &Engine{host: host, srv: srv, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Host returns the session host the engine was built with.
func (e *Engine) Host() sessions.Host { return e.host }

// CreateSession mints a new uninitialized session and registers it with the
// host. Used by the transport when a client opens its event stream before
// sending initialize.
func (e *Engine) CreateSession(ctx context.Context) (*sessions.Session, error) {
	sess := sessions.New(uuid.NewString())
	if err := e.host.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	e.log.DebugContext(ctx, "session.created", slog.String("session_id", sess.ID()))
	return sess, nil
}

// InitializeNew serves an initialize request that arrived without a session
// id: the session is created only once the request proves acceptable, so a
// rejected handshake leaves nothing behind. The returned session is nil when
// the response is an error.
func (e *Engine) InitializeNew(ctx context.Context, req *jsonrpc.Request) (*sessions.Session, *jsonrpc.Response) {
	params, errResp := parseInitialize(req)
	if errResp != nil {
		return nil, errResp
	}

	sess, err := e.CreateSession(ctx)
	if err != nil {
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to create session", nil)
	}
	return sess, e.completeInitialize(ctx, sess, req, params)
}

// HandleRequest dispatches one request against the session and returns the
// response to deliver. It never returns nil.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	sess.Touch()

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, sess, req)
	case mcp.PingMethod:
		// Ping is exempt from the lifecycle gate.
		return mustResult(req.ID, mcp.EmptyResult{})
	}

	if !sess.CanServe() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerNotInitialized, "server not initialized", nil)
	}

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return mustResult(req.ID, mcp.ListToolsResult{Tools: e.srv.Tools().Snapshot()})
	case mcp.ToolsCallMethod:
		return e.callTool(ctx, sess, req)
	case mcp.PromptsListMethod:
		return mustResult(req.ID, mcp.ListPromptsResult{Prompts: e.srv.Prompts().Snapshot()})
	case mcp.PromptsGetMethod:
		return e.getPrompt(ctx, sess, req)
	case mcp.ResourcesListMethod:
		return mustResult(req.ID, mcp.ListResourcesResult{Resources: e.srv.Resources().SnapshotResources()})
	case mcp.ResourcesTemplatesListMethod:
		return mustResult(req.ID, mcp.ListResourceTemplatesResult{ResourceTemplates: e.srv.Resources().SnapshotTemplates()})
	case mcp.ResourcesReadMethod:
		return e.readResource(ctx, sess, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

// HandleNotification consumes one client notification. Notifications are
// never answered; the returned error exists for transport-side logging only.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	sess.Touch()

	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		sess.ConfirmInitialized()
		e.log.DebugContext(ctx, "session.ready", slog.String("session_id", sess.ID()))
		return nil
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotificationParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		var rid jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &rid); err != nil {
			return err
		}
		cause := errClientCancelled
		if params.Reason != "" {
			cause = &cancelCause{reason: params.Reason}
		}
		known := sess.CancelInvocation(rid.Key(), cause)
		e.log.DebugContext(ctx, "rpc.cancelled",
			slog.String("session_id", sess.ID()),
			slog.String("request_id", rid.String()),
			slog.Bool("known", known))
		return nil
	default:
		e.log.DebugContext(ctx, "rpc.notification.ignored", slog.String("method", req.Method))
		return nil
	}
}

// WantsStream reports whether answering req calls for a streaming response:
// only tool calls against streaming-registered tools produce progress.
func (e *Engine) WantsStream(req *jsonrpc.Request) bool {
	if mcp.Method(req.Method) != mcp.ToolsCallMethod {
		return false
	}
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return false
	}
	tool, ok := e.srv.Tools().Get(params.Name)
	return ok && tool.Streaming()
}

// Run fans capability list changes out to every initialized session as
// list_changed notifications. It blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	toolsCh := e.srv.Tools().Subscriber()
	promptsCh := e.srv.Prompts().Subscriber()
	resourcesCh := e.srv.Resources().Subscriber()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-toolsCh:
			e.broadcast(ctx, mcp.ToolsListChangedNotificationMethod)
		case <-promptsCh:
			e.broadcast(ctx, mcp.PromptsListChangedNotificationMethod)
		case <-resourcesCh:
			e.broadcast(ctx, mcp.ResourcesListChangedNotificationMethod)
		}
	}
}

func (e *Engine) broadcast(ctx context.Context, method mcp.Method) {
	note, err := jsonrpc.NewNotification(string(method), nil)
	if err != nil {
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		return
	}

	ids, err := e.host.ListSessions(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "broadcast.list_failed", slog.String("err", err.Error()))
		return
	}
	for _, id := range ids {
		sess, err := e.host.GetSession(ctx, id)
		if err != nil || !sess.CanServe() {
			continue
		}
		if _, err := e.host.PublishSession(ctx, id, data); err != nil {
			e.log.DebugContext(ctx, "broadcast.publish_failed",
				slog.String("session_id", id),
				slog.String("err", err.Error()))
		}
	}
	e.log.DebugContext(ctx, "broadcast.sent", slog.String("method", string(method)))
}

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	params, errResp := parseInitialize(req)
	if errResp != nil {
		return errResp
	}
	return e.completeInitialize(ctx, sess, req, params)
}

func (e *Engine) completeInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, params *mcp.InitializeRequest) *jsonrpc.Response {
	if err := sess.BeginInitialize(params.ProtocolVersion, params.ClientInfo); err != nil {
		if errors.Is(err, sessions.ErrAlreadyInitialized) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeAlreadyInitialized, "session already initialized", nil)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "initialize failed", nil)
	}

	e.log.InfoContext(ctx, "session.initializing",
		slog.String("session_id", sess.ID()),
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version))

	return mustResult(req.ID, mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    e.srv.Capabilities(),
		ServerInfo:      e.srv.Info(),
		Instructions:    e.srv.Instructions(),
	})
}

// parseInitialize decodes and version-checks initialize params without
// touching any session state.
func parseInitialize(req *jsonrpc.Request) (*mcp.InitializeRequest, *jsonrpc.Response) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}
	if params.ProtocolVersion != mcp.ProtocolVersion {
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unsupported protocol version", map[string]any{
			"supported": []string{mcp.ProtocolVersion},
			"requested": params.ProtocolVersion,
		})
	}
	return &params, nil
}

// mustResult wraps jsonrpc.NewResultResponse for result values that are
// marshalable by construction.
func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}
