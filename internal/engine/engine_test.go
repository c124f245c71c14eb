package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/v4ler11/sovereign-mcp/internal/jsonrpc"
	"github.com/v4ler11/sovereign-mcp/mcp"
	"github.com/v4ler11/sovereign-mcp/mcpserver"
	"github.com/v4ler11/sovereign-mcp/sessions"
	"github.com/v4ler11/sovereign-mcp/sessions/memoryhost"
)

func newTestEngine(t *testing.T, srv *mcpserver.Server) (*Engine, *memoryhost.Host) {
	t.Helper()
	host := memoryhost.New()
	t.Cleanup(host.Close)
	return New(host, srv), host
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		ID:             jsonrpc.NewRequestID(id),
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	return req
}

func initializedSession(t *testing.T, e *Engine) *sessions.Session {
	t.Helper()
	ctx := context.Background()
	sess, resp := e.InitializeNew(ctx, request(t, 1, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test", Version: "0"},
	}))
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	if err := e.HandleNotification(ctx, sess, request(t, nil, string(mcp.InitializedNotificationMethod), nil)); err != nil {
		t.Fatalf("initialized: %v", err)
	}
	return sess
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path advertises capabilities", func(t *testing.T) {
		srv := mcpserver.New("test-server", "1.2.3", mcpserver.WithInstructions("use wisely"))
		e, _ := newTestEngine(t, srv)

		sess, resp := e.InitializeNew(ctx, request(t, 1, string(mcp.InitializeMethod), mcp.InitializeRequest{
			ProtocolVersion: mcp.ProtocolVersion,
			ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "1.0"},
		}))
		if resp.Error != nil {
			t.Fatalf("initialize: %+v", resp.Error)
		}
		if sess == nil {
			t.Fatal("no session created")
		}
		var res mcp.InitializeResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.ProtocolVersion != mcp.ProtocolVersion {
			t.Fatalf("protocol version: %s", res.ProtocolVersion)
		}
		if res.ServerInfo.Name != "test-server" || res.Instructions != "use wisely" {
			t.Fatalf("server info: %+v", res)
		}
		if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
			t.Fatalf("capabilities: %+v", res.Capabilities)
		}
		if got := sess.State(); got != sessions.StateInitializing {
			t.Fatalf("state: %s", got)
		}
	})

	t.Run("unsupported protocol version leaves no session behind", func(t *testing.T) {
		e, host := newTestEngine(t, mcpserver.New("s", "1"))
		sess, resp := e.InitializeNew(ctx, request(t, 1, string(mcp.InitializeMethod), mcp.InitializeRequest{
			ProtocolVersion: "1999-01-01",
		}))
		if sess != nil {
			t.Fatal("session created for rejected handshake")
		}
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("error: %+v", resp.Error)
		}
		data, ok := resp.Error.Data.(map[string]any)
		if !ok {
			t.Fatalf("error data: %#v", resp.Error.Data)
		}
		if data["requested"] != "1999-01-01" {
			t.Fatalf("error data: %#v", data)
		}
		ids, _ := host.ListSessions(ctx)
		if len(ids) != 0 {
			t.Fatalf("sessions left behind: %v", ids)
		}
	})

	t.Run("second initialize is rejected", func(t *testing.T) {
		e, _ := newTestEngine(t, mcpserver.New("s", "1"))
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.InitializeMethod), mcp.InitializeRequest{
			ProtocolVersion: mcp.ProtocolVersion,
		}))
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeAlreadyInitialized {
			t.Fatalf("error: %+v", resp.Error)
		}
	})
}

func TestLifecycleGate(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpserver.New("s", "1"))
	sess := sessions.New("raw")

	t.Run("capability calls rejected before initialize", func(t *testing.T) {
		resp := e.HandleRequest(ctx, sess, request(t, 1, string(mcp.ToolsListMethod), nil))
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeServerNotInitialized {
			t.Fatalf("error: %+v", resp.Error)
		}
	})

	t.Run("ping is exempt", func(t *testing.T) {
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.PingMethod), nil))
		if resp.Error != nil {
			t.Fatalf("ping: %+v", resp.Error)
		}
	})

	t.Run("calls served while handshake is half done", func(t *testing.T) {
		half := sessions.New("half")
		if err := half.BeginInitialize(mcp.ProtocolVersion, mcp.ImplementationInfo{}); err != nil {
			t.Fatal(err)
		}
		resp := e.HandleRequest(ctx, half, request(t, 3, string(mcp.ToolsListMethod), nil))
		if resp.Error != nil {
			t.Fatalf("tools/list: %+v", resp.Error)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		full := initializedSession(t, e)
		resp := e.HandleRequest(ctx, full, request(t, 4, "tools/destroy", nil))
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("error: %+v", resp.Error)
		}
	})
}

func TestCallTool(t *testing.T) {
	ctx := context.Background()

	type echoArgs struct {
		Message string `json:"message"`
	}

	newServer := func(t *testing.T) *mcpserver.Server {
		t.Helper()
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewTool[echoArgs]("echo", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
			return mcpserver.TextResult("you said: " + args.Message), nil
		}))
		if err != nil {
			t.Fatal(err)
		}
		return srv
	}

	t.Run("dispatches and returns the result", func(t *testing.T) {
		e, _ := newTestEngine(t, newServer(t))
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ToolsCallMethod), mcp.CallToolParams{
			Name:      "echo",
			Arguments: json.RawMessage(`{"message":"hi"}`),
		}))
		if resp.Error != nil {
			t.Fatalf("call: %+v", resp.Error)
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if res.IsError || res.Content[0].Text != "you said: hi" {
			t.Fatalf("result: %+v", res)
		}
	})

	t.Run("unknown tool is a domain failure", func(t *testing.T) {
		e, _ := newTestEngine(t, newServer(t))
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "missing"}))
		if resp.Error != nil {
			t.Fatalf("unexpected protocol error: %+v", resp.Error)
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if !res.IsError {
			t.Fatalf("expected isError result: %+v", res)
		}
	})

	t.Run("schema violation is invalid params", func(t *testing.T) {
		e, _ := newTestEngine(t, newServer(t))
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ToolsCallMethod), mcp.CallToolParams{
			Name:      "echo",
			Arguments: json.RawMessage(`{"message":42}`),
		}))
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("error: %+v", resp.Error)
		}
	})

	t.Run("panicking handler fails only its own call", func(t *testing.T) {
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewTool[struct{}]("boom", func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
			panic("kaboom")
		}))
		if err != nil {
			t.Fatal(err)
		}
		e, _ := newTestEngine(t, srv)
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "boom"}))
		if resp.Error != nil {
			t.Fatalf("panic leaked as protocol error: %+v", resp.Error)
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if !res.IsError {
			t.Fatalf("expected isError result, got %+v", res)
		}
	})

	t.Run("timeout becomes a domain failure", func(t *testing.T) {
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewTool[struct{}]("slow", func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, mcpserver.WithToolTimeout(30*time.Millisecond)))
		if err != nil {
			t.Fatal(err)
		}
		e, _ := newTestEngine(t, srv)
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "slow"}))
		if resp.Error != nil {
			t.Fatalf("timeout surfaced as protocol error: %+v", resp.Error)
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if !res.IsError {
			t.Fatalf("expected isError result, got %+v", res)
		}
	})
}

func TestCancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled notification aborts the invocation", func(t *testing.T) {
		started := make(chan struct{})
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewStreamingTool[struct{}]("wait", func(ctx context.Context, _ struct{}, yield mcpserver.ProgressFunc) (*mcp.CallToolResult, error) {
			close(started)
			for {
				if err := yield(0, 0, "waiting"); err != nil {
					return nil, err
				}
				select {
				case <-ctx.Done():
					return nil, context.Cause(ctx)
				case <-time.After(10 * time.Millisecond):
				}
			}
		}))
		if err != nil {
			t.Fatal(err)
		}
		e, _ := newTestEngine(t, srv)
		sess := initializedSession(t, e)

		var wg sync.WaitGroup
		var resp *jsonrpc.Response
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp = e.HandleRequest(ctx, sess, request(t, 99, string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "wait"}))
		}()

		<-started
		err = e.HandleNotification(ctx, sess, request(t, nil, string(mcp.CancelledNotificationMethod), mcp.CancelledNotificationParams{
			RequestID: json.RawMessage(`99`),
			Reason:    "changed my mind",
		}))
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		wg.Wait()

		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
			t.Fatalf("error: %+v", resp.Error)
		}
		if got := sess.InflightCount(); got != 0 {
			t.Fatalf("inflight: %d", got)
		}
	})

	t.Run("cancel of a numeric id leaves a string id in flight", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewStreamingTool[struct{}]("wait", func(ctx context.Context, _ struct{}, yield mcpserver.ProgressFunc) (*mcp.CallToolResult, error) {
			close(started)
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-release:
				return mcpserver.TextResult("done"), nil
			}
		}))
		if err != nil {
			t.Fatal(err)
		}
		e, _ := newTestEngine(t, srv)
		sess := initializedSession(t, e)

		var wg sync.WaitGroup
		var resp *jsonrpc.Response
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp = e.HandleRequest(ctx, sess, request(t, "5", string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "wait"}))
		}()

		<-started
		// The request id is the string "5"; a cancel for the number 5 names a
		// different request and must not touch it.
		err = e.HandleNotification(ctx, sess, request(t, nil, string(mcp.CancelledNotificationMethod), mcp.CancelledNotificationParams{
			RequestID: json.RawMessage(`5`),
		}))
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got := sess.InflightCount(); got != 1 {
			t.Fatalf("inflight after mismatched cancel: %d", got)
		}

		close(release)
		wg.Wait()
		if resp.Error != nil {
			t.Fatalf("error: %+v", resp.Error)
		}
	})

	t.Run("cancel of unknown request id is inert", func(t *testing.T) {
		e, _ := newTestEngine(t, mcpserver.New("s", "1"))
		sess := initializedSession(t, e)
		err := e.HandleNotification(ctx, sess, request(t, nil, string(mcp.CancelledNotificationMethod), mcp.CancelledNotificationParams{
			RequestID: json.RawMessage(`"nope"`),
		}))
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	})
}

func TestProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("progress flows to the sink with the request token", func(t *testing.T) {
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewStreamingTool[struct{}]("steps", func(ctx context.Context, _ struct{}, yield mcpserver.ProgressFunc) (*mcp.CallToolResult, error) {
			for i := 1; i <= 3; i++ {
				if err := yield(float64(i), 3, ""); err != nil {
					return nil, err
				}
			}
			return mcpserver.TextResult("done"), nil
		}))
		if err != nil {
			t.Fatal(err)
		}
		e, _ := newTestEngine(t, srv)
		sess := initializedSession(t, e)

		sink := &captureSink{}
		resp := e.HandleRequest(WithProgressSink(ctx, sink), sess, request(t, 7, string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "steps"}))
		if resp.Error != nil {
			t.Fatalf("call: %+v", resp.Error)
		}
		if len(sink.events) != 3 {
			t.Fatalf("progress events: %d", len(sink.events))
		}
		for i, ev := range sink.events {
			if ev.Progress != float64(i+1) || ev.Total != 3 {
				t.Fatalf("event %d: %+v", i, ev)
			}
		}
	})

	t.Run("without a sink progress is dropped but the call succeeds", func(t *testing.T) {
		srv := mcpserver.New("s", "1")
		err := srv.Tools().Add(mcpserver.NewStreamingTool[struct{}]("quiet", func(ctx context.Context, _ struct{}, yield mcpserver.ProgressFunc) (*mcp.CallToolResult, error) {
			if err := yield(1, 1, ""); err != nil {
				return nil, err
			}
			return mcpserver.TextResult("ok"), nil
		}))
		if err != nil {
			t.Fatal(err)
		}
		e, _ := newTestEngine(t, srv)
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 8, string(mcp.ToolsCallMethod), mcp.CallToolParams{Name: "quiet"}))
		if resp.Error != nil {
			t.Fatalf("call: %+v", resp.Error)
		}
	})
}

type captureSink struct {
	mu     sync.Mutex
	events []mcp.ProgressNotificationParams
}

func (c *captureSink) Emit(ctx context.Context, params mcp.ProgressNotificationParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, params)
	return nil
}

func TestResourcesDispatch(t *testing.T) {
	ctx := context.Background()

	newServer := func(t *testing.T) *mcpserver.Server {
		t.Helper()
		srv := mcpserver.New("s", "1")
		err := srv.Resources().AddResources(mcpserver.NewStaticResource(
			mcp.Resource{URI: "demo://a", Name: "a"},
			mcpserver.TextResourceContents("demo://a", "text/plain", "alpha"),
		))
		if err != nil {
			t.Fatal(err)
		}
		tmpl, err := mcpserver.NewResourceTemplate(
			mcp.ResourceTemplate{URITemplate: "file:///{path}", Name: "file"},
			func(ctx context.Context, req *mcpserver.ResourceRequest) ([]mcp.ResourceContents, error) {
				return []mcp.ResourceContents{mcpserver.TextResourceContents(req.URI, "text/plain", req.Params["path"])}, nil
			},
		)
		if err != nil {
			t.Fatal(err)
		}
		if err := srv.Resources().AddTemplates(tmpl); err != nil {
			t.Fatal(err)
		}
		return srv
	}

	t.Run("read exact and templated", func(t *testing.T) {
		e, _ := newTestEngine(t, newServer(t))
		sess := initializedSession(t, e)

		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ResourcesReadMethod), mcp.ReadResourceParams{URI: "demo://a"}))
		if resp.Error != nil {
			t.Fatalf("read: %+v", resp.Error)
		}
		var res mcp.ReadResourceResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if res.Contents[0].Text != "alpha" {
			t.Fatalf("contents: %+v", res)
		}

		resp = e.HandleRequest(ctx, sess, request(t, 3, string(mcp.ResourcesReadMethod), mcp.ReadResourceParams{URI: "file:///x"}))
		if resp.Error != nil {
			t.Fatalf("read: %+v", resp.Error)
		}
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if res.Contents[0].Text != "x" {
			t.Fatalf("contents: %+v", res)
		}
	})

	t.Run("unresolved uri maps to resource not found", func(t *testing.T) {
		e, _ := newTestEngine(t, newServer(t))
		sess := initializedSession(t, e)
		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ResourcesReadMethod), mcp.ReadResourceParams{URI: "nope://x"}))
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeResourceNotFound {
			t.Fatalf("error: %+v", resp.Error)
		}
	})

	t.Run("listings include templates", func(t *testing.T) {
		e, _ := newTestEngine(t, newServer(t))
		sess := initializedSession(t, e)

		resp := e.HandleRequest(ctx, sess, request(t, 2, string(mcp.ResourcesListMethod), nil))
		var list mcp.ListResourcesResult
		if err := json.Unmarshal(resp.Result, &list); err != nil {
			t.Fatal(err)
		}
		if len(list.Resources) != 1 {
			t.Fatalf("resources: %+v", list)
		}

		resp = e.HandleRequest(ctx, sess, request(t, 3, string(mcp.ResourcesTemplatesListMethod), nil))
		var tlist mcp.ListResourceTemplatesResult
		if err := json.Unmarshal(resp.Result, &tlist); err != nil {
			t.Fatal(err)
		}
		if len(tlist.ResourceTemplates) != 1 || tlist.ResourceTemplates[0].URITemplate != "file:///{path}" {
			t.Fatalf("templates: %+v", tlist)
		}
	})
}

func TestBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := mcpserver.New("s", "1")
	e, host := newTestEngine(t, srv)

	go func() {
		_ = e.Run(ctx)
	}()

	sess := initializedSession(t, e)

	// Give Run a moment to subscribe before mutating.
	time.Sleep(50 * time.Millisecond)
	err := srv.Tools().Add(mcpserver.NewTool[struct{}]("late", func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult(""), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	subCtx, subCancel := context.WithTimeout(ctx, 5*time.Second)
	defer subCancel()
	var got string
	errSub := host.SubscribeSession(subCtx, sess.ID(), "", func(ctx context.Context, eventID string, data []byte) error {
		got = string(data)
		subCancel()
		return nil
	})
	if errSub != nil && got == "" {
		t.Fatalf("subscribe: %v", errSub)
	}

	var note jsonrpc.Request
	if err := json.Unmarshal([]byte(got), &note); err != nil {
		t.Fatalf("decode %q: %v", got, err)
	}
	if note.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("method: %s", note.Method)
	}
}
