package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSMount(t *testing.T) {
	ctx := context.Background()

	t.Run("existing files are listed and readable", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		rc := NewResourcesContainer()
		mount, err := MountFS(ctx, rc, dir)
		if err != nil {
			t.Fatalf("mount: %v", err)
		}
		defer func() {
			_ = mount.Close()
		}()

		resources := rc.SnapshotResources()
		if len(resources) != 1 || resources[0].Name != "hello.txt" {
			t.Fatalf("listing: %+v", resources)
		}

		handler, req, ok := rc.Resolve(resources[0].URI)
		if !ok {
			t.Fatalf("uri %s did not resolve", resources[0].URI)
		}
		contents, err := handler(ctx, req)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if contents[0].Text != "hello world" {
			t.Fatalf("contents: %q", contents[0].Text)
		}
	})

	t.Run("new files appear after a change signal", func(t *testing.T) {
		dir := t.TempDir()
		rc := NewResourcesContainer()
		mount, err := MountFS(ctx, rc, dir)
		if err != nil {
			t.Fatalf("mount: %v", err)
		}
		defer func() {
			_ = mount.Close()
		}()

		ch := rc.Subscriber()
		if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("late"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("no change signal after file creation")
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if len(rc.SnapshotResources()) == 1 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("listing never caught up: %+v", rc.SnapshotResources())
	})

	t.Run("traversal outside the root is rejected", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "inside.txt"), []byte("in"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		rc := NewResourcesContainer()
		mount, err := MountFS(ctx, rc, dir)
		if err != nil {
			t.Fatalf("mount: %v", err)
		}
		defer func() {
			_ = mount.Close()
		}()

		if _, _, ok := rc.Resolve("file:///../../etc/passwd"); ok {
			handler, req, _ := rc.Resolve("file:///../../etc/passwd")
			if _, err := handler(ctx, req); err == nil {
				t.Fatal("escape read succeeded")
			}
		}
	})

	t.Run("close unregisters the mount", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		rc := NewResourcesContainer()
		mount, err := MountFS(ctx, rc, dir)
		if err != nil {
			t.Fatalf("mount: %v", err)
		}
		if err := mount.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if got := len(rc.SnapshotResources()); got != 0 {
			t.Fatalf("resources left behind: %d", got)
		}
		if got := len(rc.SnapshotTemplates()); got != 0 {
			t.Fatalf("templates left behind: %d", got)
		}
	})
}
