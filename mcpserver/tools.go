package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/v4ler11/sovereign-mcp/internal/validation"
	"github.com/v4ler11/sovereign-mcp/mcp"
)

// DefaultToolTimeout bounds a single tool invocation unless the tool was
// registered with an explicit timeout.
const DefaultToolTimeout = 60 * time.Second

// ToolRequest carries the call input for a tool invocation. Arguments hold
// the raw JSON object as received; they have already passed schema
// validation by the time a handler sees them.
type ToolRequest struct {
	Name      string
	Arguments json.RawMessage
}

// Unmarshal decodes the raw arguments into v.
func (r *ToolRequest) Unmarshal(v any) error {
	if len(r.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(r.Arguments, v)
}

// ToolHandler is the atomic handler shape: it runs to completion and
// produces the terminal result in one step.
type ToolHandler func(ctx context.Context, req *ToolRequest) (*mcp.CallToolResult, error)

// ProgressFunc emits one progress event from inside a streaming handler.
// Every call is a cancellation checkpoint: once the invocation has been
// cancelled the call returns the cancellation cause and the handler is
// expected to stop.
type ProgressFunc func(progress, total float64, message string) error

// StreamingToolHandler is the streaming handler shape. It may call yield any
// number of times before returning the terminal result.
type StreamingToolHandler func(ctx context.Context, req *ToolRequest, yield ProgressFunc) (*mcp.CallToolResult, error)

// Tool pairs a tool descriptor with its handler, compiled argument schema
// and execution policy.
type Tool struct {
	Descriptor mcp.Tool

	handler   ToolHandler
	streaming StreamingToolHandler
	schema    *validation.Schema
	timeout   time.Duration
}

// Streaming reports whether the tool was registered with a streaming
// handler and therefore produces progress events.
func (t Tool) Streaming() bool { return t.streaming != nil }

// Timeout returns the invocation deadline for this tool.
func (t Tool) Timeout() time.Duration {
	if t.timeout > 0 {
		return t.timeout
	}
	return DefaultToolTimeout
}

// CheckArguments validates raw call arguments against the tool's declared
// input schema. A nil schema (schemaless tool) accepts anything.
func (t Tool) CheckArguments(ctx context.Context, raw json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	return t.schema.Validate(ctx, raw)
}

// Invoke runs the tool handler. For streaming tools every yield call goes
// through emit; atomic tools never call it. The caller owns deadline and
// cancellation plumbing on ctx.
func (t Tool) Invoke(ctx context.Context, req *ToolRequest, emit ProgressFunc) (*mcp.CallToolResult, error) {
	if t.streaming != nil {
		return t.streaming(ctx, req, emit)
	}
	return t.handler(ctx, req)
}

// ToolOption configures tool construction.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	title                     string
	timeout                   time.Duration
	allowAdditionalProperties bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolTitle sets the human-readable title used in listings.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolTimeout overrides DefaultToolTimeout for this tool. Non-positive
// values are ignored.
func WithToolTimeout(d time.Duration) ToolOption {
	return func(c *toolConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are allowed. When false (default) the generated schema sets
// additionalProperties=false and typed decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs an atomic tool from a typed args struct A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - down-converts it to the simplified wire ToolInputSchema
//   - wraps the handler with typed decoding of the validated arguments
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectInputSchema[A](cfg.allowAdditionalProperties)

	handler := func(ctx context.Context, req *ToolRequest) (*mcp.CallToolResult, error) {
		a, errRes := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		return fn(ctx, a)
	}

	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Title:       cfg.title,
			Description: cfg.description,
			InputSchema: input,
		},
		handler: handler,
		schema:  compileInputSchema(input),
		timeout: cfg.timeout,
	}
}

// NewStreamingTool is NewTool for the streaming handler shape. The tool's
// invocations may interleave progress events before the terminal result.
func NewStreamingTool[A any](name string, fn func(ctx context.Context, args A, yield ProgressFunc) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectInputSchema[A](cfg.allowAdditionalProperties)

	streaming := func(ctx context.Context, req *ToolRequest, yield ProgressFunc) (*mcp.CallToolResult, error) {
		a, errRes := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if errRes != nil {
			return errRes, nil
		}
		return fn(ctx, a, yield)
	}

	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Title:       cfg.title,
			Description: cfg.description,
			InputSchema: input,
		},
		streaming: streaming,
		schema:    compileInputSchema(input),
		timeout:   cfg.timeout,
	}
}

// NewToolWithSchema constructs a tool from a hand-written descriptor instead
// of a reflected one. The descriptor's input schema is compiled eagerly so
// that a malformed schema fails registration rather than the first call.
func NewToolWithSchema(desc mcp.Tool, fn ToolHandler, opts ...ToolOption) (Tool, error) {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.description != "" {
		desc.Description = cfg.description
	}
	if cfg.title != "" {
		desc.Title = cfg.title
	}
	schema, err := validation.Compile(desc.InputSchema)
	if err != nil {
		return Tool{}, fmt.Errorf("%w: tool %q: %v", ErrInvalidSchema, desc.Name, err)
	}
	return Tool{Descriptor: desc, handler: fn, schema: schema, timeout: cfg.timeout}, nil
}

func decodeArgs[A any](raw json.RawMessage, allowAdditional bool) (A, *mcp.CallToolResult) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	if allowAdditional {
		if err := json.Unmarshal(raw, &a); err != nil {
			return a, Errorf("invalid arguments: %v", err)
		}
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, Errorf("invalid arguments: %v", err)
	}
	return a, nil
}

func compileInputSchema(input mcp.ToolInputSchema) *validation.Schema {
	s, err := validation.Compile(input)
	if err != nil {
		// Reflected schemas are well-formed by construction; treat a
		// compile failure as schemaless rather than poisoning the tool.
		return nil
	}
	return s
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified wire ToolInputSchema. Unknown field policy
// is surfaced via the AdditionalProperties flag on the returned schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to ToolInputSchema. If not an object,
	// expose an empty object with the configured additionalProperties policy.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema to the simplified
// wire SchemaProperty.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns the mutable, threadsafe tool registry. Mutations are
// atomic and signal listChanged subscribers.
type ToolsContainer struct {
	reg      *registry[Tool]
	notifier ChangeNotifier
}

// NewToolsContainer constructs a container with the given initial tools.
func NewToolsContainer(defs ...Tool) (*ToolsContainer, error) {
	tc := &ToolsContainer{}
	tc.reg = newRegistry(func(t Tool) string { return t.Descriptor.Name }, &tc.notifier)
	if err := tc.reg.add(defs...); err != nil {
		return nil, err
	}
	return tc, nil
}

// Add registers the given tools atomically. A duplicate name anywhere in
// the batch fails the whole batch with ErrDuplicateCapability.
func (tc *ToolsContainer) Add(defs ...Tool) error { return tc.reg.add(defs...) }

// Remove unregisters a tool by name. Removing an unknown name is a no-op.
func (tc *ToolsContainer) Remove(name string) bool { return tc.reg.remove(name) }

// Get returns the named tool.
func (tc *ToolsContainer) Get(name string) (Tool, bool) { return tc.reg.get(name) }

// Snapshot returns the tool descriptors in registration order.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	entries := tc.reg.snapshot()
	out := make([]mcp.Tool, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

func (tc *ToolsContainer) Len() int { return tc.reg.len() }

// Subscriber returns a channel signalled whenever the tool set changes.
func (tc *ToolsContainer) Subscriber() <-chan struct{} { return tc.notifier.Subscriber() }
