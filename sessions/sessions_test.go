package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/v4ler11/sovereign-mcp/mcp"
)

func TestLifecycle(t *testing.T) {
	t.Run("handshake transitions", func(t *testing.T) {
		s := New("s1")
		if got := s.State(); got != StateUninitialized {
			t.Fatalf("state: want %s, got %s", StateUninitialized, got)
		}
		if s.CanServe() {
			t.Fatal("uninitialized session must not serve")
		}

		info := mcp.ImplementationInfo{Name: "client", Version: "1.0"}
		if err := s.BeginInitialize("2025-11-25", info); err != nil {
			t.Fatalf("begin: %v", err)
		}
		if got := s.State(); got != StateInitializing {
			t.Fatalf("state: want %s, got %s", StateInitializing, got)
		}
		if !s.CanServe() {
			t.Fatal("initializing session must serve capability calls")
		}
		if got := s.ProtocolVersion(); got != "2025-11-25" {
			t.Fatalf("protocol version: got %q", got)
		}
		if got := s.ClientInfo(); got != info {
			t.Fatalf("client info: got %+v", got)
		}

		s.ConfirmInitialized()
		if got := s.State(); got != StateReady {
			t.Fatalf("state: want %s, got %s", StateReady, got)
		}
	})

	t.Run("second initialize rejected", func(t *testing.T) {
		s := New("s2")
		if err := s.BeginInitialize("2025-11-25", mcp.ImplementationInfo{}); err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.BeginInitialize("2025-11-25", mcp.ImplementationInfo{}); !errors.Is(err, ErrAlreadyInitialized) {
			t.Fatalf("want ErrAlreadyInitialized, got %v", err)
		}
	})

	t.Run("initialized notification before handshake is inert", func(t *testing.T) {
		s := New("s3")
		s.ConfirmInitialized()
		if got := s.State(); got != StateUninitialized {
			t.Fatalf("state: want %s, got %s", StateUninitialized, got)
		}
	})
}

func TestInvocationTracking(t *testing.T) {
	t.Run("cancel by id fires the cause", func(t *testing.T) {
		s := New("s1")
		ctx, cancel := context.WithCancelCause(context.Background())
		s.TrackInvocation("42", cancel)

		cause := errors.New("client said stop")
		if !s.CancelInvocation("42", cause) {
			t.Fatal("known invocation reported unknown")
		}
		if ctx.Err() == nil {
			t.Fatal("context not cancelled")
		}
		if got := context.Cause(ctx); !errors.Is(got, cause) {
			t.Fatalf("cause: want %v, got %v", cause, got)
		}
	})

	t.Run("cancel of unknown id is a no-op", func(t *testing.T) {
		s := New("s1")
		if s.CancelInvocation("nope", errors.New("x")) {
			t.Fatal("unknown invocation reported known")
		}
	})

	t.Run("finished invocations cannot be cancelled", func(t *testing.T) {
		s := New("s1")
		ctx, cancel := context.WithCancelCause(context.Background())
		s.TrackInvocation("7", cancel)
		s.FinishInvocation("7")
		if s.CancelInvocation("7", errors.New("late")) {
			t.Fatal("finished invocation still tracked")
		}
		if ctx.Err() != nil {
			t.Fatal("finished invocation was cancelled")
		}
	})

	t.Run("cancel all sweeps everything", func(t *testing.T) {
		s := New("s1")
		ctxA, cancelA := context.WithCancelCause(context.Background())
		ctxB, cancelB := context.WithCancelCause(context.Background())
		s.TrackInvocation("a", cancelA)
		s.TrackInvocation("b", cancelB)

		s.CancelAllInvocations(ErrSessionTerminated)
		if ctxA.Err() == nil || ctxB.Err() == nil {
			t.Fatal("not all invocations cancelled")
		}
		if got := s.InflightCount(); got != 0 {
			t.Fatalf("inflight: want 0, got %d", got)
		}
		if got := context.Cause(ctxA); !errors.Is(got, ErrSessionTerminated) {
			t.Fatalf("cause: got %v", got)
		}
	})
}
