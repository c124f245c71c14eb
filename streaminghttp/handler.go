package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/v4ler11/sovereign-mcp/internal/engine"
	"github.com/v4ler11/sovereign-mcp/internal/jsonrpc"
	"github.com/v4ler11/sovereign-mcp/mcp"
	"github.com/v4ler11/sovereign-mcp/mcpserver"
	"github.com/v4ler11/sovereign-mcp/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches request headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// errClientGone is the cancellation cause applied to a session's in-flight
// invocations when its event stream disconnects.
var errClientGone = errors.New("client disconnected")

// Handler is the streamable HTTP front of an engine. One Handler serves many
// concurrent sessions.
type Handler struct {
	mux  *http.ServeMux
	eng  *engine.Engine
	host sessions.Host
	log  *slog.Logger

	endpoint  string
	keepalive time.Duration
}

// Option configures Handler construction.
type Option func(*Handler)

// WithLogger sets the logger used for request diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithEndpoint sets the URL path the transport is mounted on. Defaults to
// "/mcp".
func WithEndpoint(path string) Option {
	return func(h *Handler) {
		if path != "" {
			h.endpoint = path
		}
	}
}

// WithKeepAliveInterval sets the comment-frame keepalive cadence of GET
// event streams. Non-positive disables keepalives. Defaults to 25s.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) { h.keepalive = d }
}

// New constructs a Handler serving srv's capabilities with sessions stored
// in host. The engine's notification fan-out runs until ctx ends.
func New(ctx context.Context, srv *mcpserver.Server, host sessions.Host, opts ...Option) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("nil server")
	}
	if host == nil {
		return nil, errors.New("nil session host")
	}

	h := &Handler{
		host:      host,
		log:       slog.Default(),
		endpoint:  "/mcp",
		keepalive: 25 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.eng = engine.New(host, srv, engine.WithLogger(h.log))

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST "+h.endpoint, h.handlePost)
	h.mux.HandleFunc("GET "+h.endpoint, h.handleGet)
	h.mux.HandleFunc("DELETE "+h.endpoint, h.handleDelete)

	go func() {
		// Fan-out loop lives for the handler's lifetime.
		_ = h.eng.Run(ctx)
	}()

	return h, nil
}

// Engine exposes the underlying engine; used by embedders that dispatch
// through other transports as well.
func (h *Handler) Engine() *engine.Engine { return h.eng }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// writeJSONError emits a transport-level rejection body for failures that
// happen before a JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error envelope with the given HTTP status.
func writeRPCError(w http.ResponseWriter, status int, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		writeRPCError(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported", nil))
		return
	}
	if !json.Valid(body) {
		writeRPCError(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON", nil))
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message: "+err.Error(), nil))
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// Client-originated responses have no pending server request to
		// correlate against; accept and drop.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		if req.Method != string(mcp.InitializeMethod) || req.IsNotification() {
			writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
			return
		}
		sess, resp := h.eng.InitializeNew(ctx, req)
		if sess != nil {
			w.Header().Set(mcpSessionIDHeader, sess.ID())
		}
		h.logPost(ctx, r, req, start, resp)
		writeResponse(w, resp)
		return
	}

	sess, err := h.host.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if negotiated := sess.ProtocolVersion(); negotiated != "" && pv != negotiated {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			return
		}
	}

	if req.IsNotification() {
		if err := h.eng.HandleNotification(ctx, sess, req); err != nil {
			h.log.DebugContext(ctx, "rpc.notification.err",
				slog.String("method", req.Method),
				slog.String("err", err.Error()))
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if h.eng.WantsStream(req) && acceptsEventStream(r) {
		h.servePostStream(w, r, sess, req, start)
		return
	}

	resp := h.eng.HandleRequest(ctx, sess, req)
	h.logPost(ctx, r, req, start, resp)
	writeResponse(w, resp)
}

// servePostStream upgrades one POST response to an SSE stream so that the
// invocation's progress notifications precede its terminal response.
func (h *Handler) servePostStream(w http.ResponseWriter, r *http.Request, sess *sessions.Session, req *jsonrpc.Request, start time.Time) {
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		// No streaming support under this writer; fall back to plain JSON.
		resp := h.eng.HandleRequest(ctx, sess, req)
		h.logPost(ctx, r, req, start, resp)
		writeResponse(w, resp)
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	sink := &sseProgressSink{wf: wf}

	resp := h.eng.HandleRequest(engine.WithProgressSink(ctx, sink), sess, req)
	h.logPost(ctx, r, req, start, resp)

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := writeSSEEvent(wf, "", payload); err != nil {
		h.log.DebugContext(ctx, "sse.write.err", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept header must include text/event-stream")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var sess *sessions.Session
	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		created, err := h.eng.CreateSession(ctx)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		sess = created
	} else {
		loaded, err := h.host.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				writeJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		sess = loaded
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	if h.keepalive > 0 {
		go keepalive(ctx, wf, h.keepalive)
	}

	h.log.InfoContext(ctx, "sse.stream.open", slog.String("session_id", sess.ID()))
	err := h.host.SubscribeSession(ctx, sess.ID(), r.Header.Get(lastEventIDHeader), func(ctx context.Context, eventID string, data []byte) error {
		return writeSSEEvent(wf, eventID, data)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sessions.ErrSubscriptionReplaced) {
		h.log.DebugContext(ctx, "sse.stream.err",
			slog.String("session_id", sess.ID()),
			slog.String("err", err.Error()))
	}

	// The stream is the session's ear; when it goes away, nothing in flight
	// can report back to the client anymore. A displaced stream is the
	// exception: its replacement is already listening.
	if !errors.Is(err, sessions.ErrSubscriptionReplaced) {
		sess.CancelAllInvocations(errClientGone)
	}
	h.log.InfoContext(ctx, "sse.stream.closed", slog.String("session_id", sess.ID()))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	if err := h.host.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	h.log.InfoContext(ctx, "session.deleted", slog.String("session_id", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logPost(ctx context.Context, r *http.Request, req *jsonrpc.Request, start time.Time, resp *jsonrpc.Response) {
	attrs := []any{
		slog.String("method", req.Method),
		slog.Duration("dur", time.Since(start)),
	}
	if sid := r.Header.Get(mcpSessionIDHeader); sid != "" {
		attrs = append(attrs, slog.String("session_id", sid))
	}
	if resp != nil && resp.Error != nil {
		attrs = append(attrs, slog.Int("code", int(resp.Error.Code)), slog.String("err", resp.Error.Message))
		h.log.InfoContext(ctx, "rpc.inbound.err", attrs...)
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", attrs...)
}

func acceptsEventStream(r *http.Request) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

func keepalive(ctx context.Context, wf *lockedWriteFlusher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// sseProgressSink writes progress notifications as SSE frames on the POST
// response stream.
type sseProgressSink struct {
	wf *lockedWriteFlusher
}

func (s *sseProgressSink) Emit(ctx context.Context, params mcp.ProgressNotificationParams) error {
	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return writeSSEEvent(s.wf, "", payload)
}

// lockedWriteFlusher serializes concurrent writes and flushes on one
// response writer and refuses both once ctx is cancelled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("write sse event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write sse data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write sse frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
