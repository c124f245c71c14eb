package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/v4ler11/sovereign-mcp/mcp"
)

// FSMount exposes a restricted slice of the OS filesystem through a
// ResourcesContainer: every regular file under the root becomes a concrete
// resource, and one URI template serves reads for paths that appear after
// listing. An fsnotify watcher keeps the resource listing in sync with the
// directory tree, which in turn drives list_changed notifications through
// the container.
//
// Reads are constrained to the symlink-resolved root; a URI whose resolved
// target escapes the root reads as not found.
type FSMount struct {
	root    string // absolute, symlink-evaluated root on disk
	baseURI string
	rc      *ResourcesContainer
	log     *slog.Logger

	mu    sync.Mutex
	uris  map[string]struct{} // URIs this mount registered
	close context.CancelFunc
	done  chan struct{}
}

// FSOption configures MountFS.
type FSOption func(*FSMount)

// WithFSBaseURI sets the URI prefix used for mounted resources. Defaults to
// "file://", yielding URIs of the form "file:///relative/path".
func WithFSBaseURI(base string) FSOption {
	return func(m *FSMount) { m.baseURI = strings.TrimRight(base, "/") }
}

// WithFSLogger sets the logger used for watcher diagnostics.
func WithFSLogger(log *slog.Logger) FSOption {
	return func(m *FSMount) {
		if log != nil {
			m.log = log
		}
	}
}

// MountFS walks root, registers its files with rc and starts a watcher that
// keeps the registration in sync until Close (or ctx cancellation).
func MountFS(ctx context.Context, rc *ResourcesContainer, root string, opts ...FSOption) (*FSMount, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}

	m := &FSMount{
		root:    real,
		baseURI: "file://",
		rc:      rc,
		log:     slog.Default(),
		uris:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	tmpl, err := NewResourceTemplate(mcp.ResourceTemplate{
		URITemplate: m.baseURI + "/{+path}",
		Name:        filepath.Base(real),
		Description: "Files under " + real,
	}, m.read)
	if err != nil {
		return nil, err
	}
	if err := rc.AddTemplates(tmpl); err != nil {
		return nil, err
	}

	if err := m.resync(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	if err := m.watchDirs(watcher); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.close = cancel
	go m.run(watchCtx, watcher)

	return m, nil
}

// Close stops the watcher and unregisters everything this mount added.
func (m *FSMount) Close() error {
	m.close()
	<-m.done

	m.mu.Lock()
	uris := make([]string, 0, len(m.uris))
	for uri := range m.uris {
		uris = append(uris, uri)
	}
	m.uris = make(map[string]struct{})
	m.mu.Unlock()

	for _, uri := range uris {
		m.rc.RemoveResource(uri)
	}
	m.rc.RemoveTemplate(m.baseURI + "/{+path}")
	return nil
}

func (m *FSMount) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(m.done)
	defer func() {
		// Watcher close is best-effort on the way out.
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						m.log.Debug("fs.watch.add_failed", slog.String("dir", ev.Name), slog.String("err", err.Error()))
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := m.resync(); err != nil {
					m.log.Debug("fs.resync.failed", slog.String("err", err.Error()))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Debug("fs.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (m *FSMount) watchDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(m.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(p)
	})
}

// resync reconciles registered resources against the directory tree. Adds
// and removes go through the container so listChanged fires naturally.
func (m *FSMount) resync() error {
	desired := make(map[string]mcp.Resource)
	err := filepath.WalkDir(m.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(m.root, p)
		if err != nil {
			return nil
		}
		uri := m.relToURI(filepath.ToSlash(rel))
		res := mcp.Resource{
			URI:      uri,
			Name:     filepath.Base(p),
			MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(p))),
		}
		if info, err := d.Info(); err == nil {
			res.Size = info.Size()
		}
		desired[uri] = res
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	var gone []string
	for uri := range m.uris {
		if _, keep := desired[uri]; !keep {
			gone = append(gone, uri)
			delete(m.uris, uri)
		}
	}
	var added []Resource
	for uri, desc := range desired {
		if _, have := m.uris[uri]; !have {
			m.uris[uri] = struct{}{}
			added = append(added, NewResource(desc, m.read))
		}
	}
	m.mu.Unlock()

	for _, uri := range gone {
		m.rc.RemoveResource(uri)
	}
	// Deterministic registration order for a fresh scan.
	sort.Slice(added, func(i, j int) bool { return added[i].Descriptor.URI < added[j].Descriptor.URI })
	return m.rc.AddResources(added...)
}

// read serves both exact-URI reads and template-bound reads. The path is
// re-derived from the URI so the containment check always runs.
func (m *FSMount) read(ctx context.Context, req *ResourceRequest) ([]mcp.ResourceContents, error) {
	rel, ok := m.uriToRel(req.URI)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, req.URI)
	}

	abs := filepath.Join(m.root, filepath.FromSlash(rel))
	real, err := filepath.EvalSymlinks(abs)
	if err != nil || !within(real, m.root) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, req.URI)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, req.URI)
	}

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	if utf8.Valid(data) {
		return []mcp.ResourceContents{{URI: req.URI, MimeType: mt, Text: string(data)}}, nil
	}
	return []mcp.ResourceContents{{URI: req.URI, MimeType: mt, Blob: base64.StdEncoding.EncodeToString(data)}}, nil
}

func (m *FSMount) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return m.baseURI + "/" + strings.Join(segs, "/")
}

func (m *FSMount) uriToRel(uri string) (string, bool) {
	base := m.baseURI + "/"
	if !strings.HasPrefix(uri, base) {
		return "", false
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// within reports whether target equals root or is a descendant of it.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
