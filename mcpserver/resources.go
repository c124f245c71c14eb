package mcpserver

import (
	"context"
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/v4ler11/sovereign-mcp/mcp"
)

// ResourceRequest carries the input for a resource read. For template-backed
// reads Params holds the variables extracted from the concrete URI.
type ResourceRequest struct {
	URI    string
	Params map[string]string
}

// ResourceHandler produces the contents of one resource read.
type ResourceHandler func(ctx context.Context, req *ResourceRequest) ([]mcp.ResourceContents, error)

// Resource pairs a concrete resource descriptor with its read handler.
type Resource struct {
	Descriptor mcp.Resource

	handler ResourceHandler
}

// NewResource pairs a descriptor with its read handler.
func NewResource(desc mcp.Resource, fn ResourceHandler) Resource {
	return Resource{Descriptor: desc, handler: fn}
}

// NewStaticResource builds a resource whose contents are fixed at
// registration time.
func NewStaticResource(desc mcp.Resource, contents ...mcp.ResourceContents) Resource {
	return NewResource(desc, func(ctx context.Context, req *ResourceRequest) ([]mcp.ResourceContents, error) {
		return contents, nil
	})
}

// ResourceTemplate pairs an RFC 6570 template descriptor with its read
// handler and the compiled matcher.
type ResourceTemplate struct {
	Descriptor mcp.ResourceTemplate

	tmpl    *uritemplate.Template
	handler ResourceHandler
}

// NewResourceTemplate compiles the descriptor's URI template and pairs it
// with a read handler. A malformed template fails registration.
func NewResourceTemplate(desc mcp.ResourceTemplate, fn ResourceHandler) (ResourceTemplate, error) {
	tmpl, err := uritemplate.New(desc.URITemplate)
	if err != nil {
		return ResourceTemplate{}, fmt.Errorf("compile uri template %q: %w", desc.URITemplate, err)
	}
	return ResourceTemplate{Descriptor: desc, tmpl: tmpl, handler: fn}, nil
}

// Match attempts to bind a concrete URI against the template, returning the
// extracted variables.
func (rt ResourceTemplate) Match(uri string) (map[string]string, bool) {
	values := rt.tmpl.Match(uri)
	if values == nil {
		return nil, false
	}
	params := make(map[string]string, len(values))
	for name, v := range values {
		params[name] = v.String()
	}
	return params, true
}

// ResourcesContainer owns the mutable, threadsafe resource registries: the
// concrete resources and the URI templates share one listChanged signal.
type ResourcesContainer struct {
	resources *registry[Resource]
	templates *registry[ResourceTemplate]
	notifier  ChangeNotifier
}

// NewResourcesContainer constructs an empty container.
func NewResourcesContainer() *ResourcesContainer {
	rc := &ResourcesContainer{}
	rc.resources = newRegistry(func(r Resource) string { return r.Descriptor.URI }, &rc.notifier)
	rc.templates = newRegistry(func(t ResourceTemplate) string { return t.Descriptor.URITemplate }, &rc.notifier)
	return rc
}

// AddResources registers concrete resources atomically; a duplicate URI
// fails the whole batch with ErrDuplicateCapability.
func (rc *ResourcesContainer) AddResources(defs ...Resource) error {
	return rc.resources.add(defs...)
}

// AddTemplates registers URI templates atomically; a duplicate template
// string fails the whole batch with ErrDuplicateCapability.
func (rc *ResourcesContainer) AddTemplates(defs ...ResourceTemplate) error {
	return rc.templates.add(defs...)
}

// RemoveResource unregisters a concrete resource by URI.
func (rc *ResourcesContainer) RemoveResource(uri string) bool { return rc.resources.remove(uri) }

// RemoveTemplate unregisters a template by its template string.
func (rc *ResourcesContainer) RemoveTemplate(uriTemplate string) bool {
	return rc.templates.remove(uriTemplate)
}

// SnapshotResources returns the concrete resource descriptors in
// registration order.
func (rc *ResourcesContainer) SnapshotResources() []mcp.Resource {
	entries := rc.resources.snapshot()
	out := make([]mcp.Resource, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

// SnapshotTemplates returns the template descriptors in registration order.
func (rc *ResourcesContainer) SnapshotTemplates() []mcp.ResourceTemplate {
	entries := rc.templates.snapshot()
	out := make([]mcp.ResourceTemplate, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

// Resolve maps a concrete URI to the handler that serves it. Exact resource
// URIs win over templates; templates are tried in registration order and the
// first match binds. ok is false when nothing serves the URI.
func (rc *ResourcesContainer) Resolve(uri string) (ResourceHandler, *ResourceRequest, bool) {
	if res, found := rc.resources.get(uri); found {
		return res.handler, &ResourceRequest{URI: uri}, true
	}
	for _, rt := range rc.templates.snapshot() {
		if params, matched := rt.Match(uri); matched {
			return rt.handler, &ResourceRequest{URI: uri, Params: params}, true
		}
	}
	return nil, nil, false
}

// Subscriber returns a channel signalled whenever the resource or template
// set changes.
func (rc *ResourcesContainer) Subscriber() <-chan struct{} { return rc.notifier.Subscriber() }
