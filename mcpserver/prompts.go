package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/v4ler11/sovereign-mcp/internal/validation"
	"github.com/v4ler11/sovereign-mcp/mcp"
)

// DefaultPromptTimeout bounds a single prompt materialization. Prompts are
// expected to be cheap templating work, so the default is tight.
const DefaultPromptTimeout = 3 * time.Second

// PromptRequest carries the input for a prompt materialization.
type PromptRequest struct {
	Name      string
	Arguments map[string]string
}

// Argument returns the named argument value, or the empty string when the
// client did not supply it.
func (r *PromptRequest) Argument(name string) string {
	if r.Arguments == nil {
		return ""
	}
	return r.Arguments[name]
}

// PromptHandler materializes a prompt into its message list.
type PromptHandler func(ctx context.Context, req *PromptRequest) (*mcp.GetPromptResult, error)

// Prompt pairs a prompt descriptor with its handler and execution policy.
type Prompt struct {
	Descriptor mcp.Prompt

	handler PromptHandler
	timeout time.Duration
}

// Timeout returns the materialization deadline for this prompt.
func (p Prompt) Timeout() time.Duration {
	if p.timeout > 0 {
		return p.timeout
	}
	return DefaultPromptTimeout
}

// CheckArguments verifies that every argument the descriptor marks required
// was supplied. Missing arguments are reported together as one aggregate
// validation error.
func (p Prompt) CheckArguments(args map[string]string) error {
	var fields []validation.FieldError
	for _, arg := range p.Descriptor.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			fields = append(fields, validation.FieldError{
				Path:    arg.Name,
				Message: fmt.Sprintf("missing required argument %q", arg.Name),
			})
		}
	}
	if len(fields) > 0 {
		return &validation.Error{Fields: fields}
	}
	return nil
}

// Invoke materializes the prompt. The caller owns deadline plumbing on ctx.
func (p Prompt) Invoke(ctx context.Context, req *PromptRequest) (*mcp.GetPromptResult, error) {
	return p.handler(ctx, req)
}

// PromptOption configures prompt construction.
type PromptOption func(*promptConfig)

type promptConfig struct {
	timeout time.Duration
}

// WithPromptTimeout overrides DefaultPromptTimeout for this prompt.
// Non-positive values are ignored.
func WithPromptTimeout(d time.Duration) PromptOption {
	return func(c *promptConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewPrompt pairs a descriptor with its handler.
func NewPrompt(desc mcp.Prompt, fn PromptHandler, opts ...PromptOption) Prompt {
	cfg := promptConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Prompt{Descriptor: desc, handler: fn, timeout: cfg.timeout}
}

// NewStaticPrompt builds a prompt whose messages do not depend on any
// arguments.
func NewStaticPrompt(desc mcp.Prompt, messages ...mcp.PromptMessage) Prompt {
	return NewPrompt(desc, func(ctx context.Context, req *PromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: desc.Description,
			Messages:    messages,
		}, nil
	})
}

// PromptsContainer owns the mutable, threadsafe prompt registry.
type PromptsContainer struct {
	reg      *registry[Prompt]
	notifier ChangeNotifier
}

// NewPromptsContainer constructs a container with the given initial prompts.
func NewPromptsContainer(defs ...Prompt) (*PromptsContainer, error) {
	pc := &PromptsContainer{}
	pc.reg = newRegistry(func(p Prompt) string { return p.Descriptor.Name }, &pc.notifier)
	if err := pc.reg.add(defs...); err != nil {
		return nil, err
	}
	return pc, nil
}

// Add registers the given prompts atomically; a duplicate name fails the
// whole batch with ErrDuplicateCapability.
func (pc *PromptsContainer) Add(defs ...Prompt) error { return pc.reg.add(defs...) }

// Remove unregisters a prompt by name. Removing an unknown name is a no-op.
func (pc *PromptsContainer) Remove(name string) bool { return pc.reg.remove(name) }

// Get returns the named prompt.
func (pc *PromptsContainer) Get(name string) (Prompt, bool) { return pc.reg.get(name) }

// Snapshot returns the prompt descriptors in registration order.
func (pc *PromptsContainer) Snapshot() []mcp.Prompt {
	entries := pc.reg.snapshot()
	out := make([]mcp.Prompt, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

func (pc *PromptsContainer) Len() int { return pc.reg.len() }

// Subscriber returns a channel signalled whenever the prompt set changes.
func (pc *PromptsContainer) Subscriber() <-chan struct{} { return pc.notifier.Subscriber() }
