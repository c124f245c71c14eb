package mcpserver

import (
	"github.com/v4ler11/sovereign-mcp/mcp"
)

// Server aggregates the identity the engine advertises during initialize and
// the three capability registries it dispatches against. A Server carries no
// per-session state; one Server instance backs every session of an engine.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string

	tools     *ToolsContainer
	prompts   *PromptsContainer
	resources *ResourcesContainer
}

// Option configures Server construction.
type Option func(*Server)

// WithTitle sets the human-readable server title advertised to clients.
func WithTitle(title string) Option {
	return func(s *Server) { s.info.Title = title }
}

// WithInstructions sets the usage instructions returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// New constructs a Server with empty registries. name and version identify
// the implementation in the initialize result.
func New(name, version string, opts ...Option) *Server {
	s := &Server{
		info:      mcp.ImplementationInfo{Name: name, Version: version},
		resources: NewResourcesContainer(),
	}
	// Empty containers cannot fail construction.
	s.tools, _ = NewToolsContainer()
	s.prompts, _ = NewPromptsContainer()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Info returns the implementation identity advertised during initialize.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Instructions returns the usage instructions, empty when unset.
func (s *Server) Instructions() string { return s.instructions }

// Tools returns the tool registry.
func (s *Server) Tools() *ToolsContainer { return s.tools }

// Prompts returns the prompt registry.
func (s *Server) Prompts() *PromptsContainer { return s.prompts }

// Resources returns the resource registry.
func (s *Server) Resources() *ResourcesContainer { return s.resources }

// Capabilities describes what this server supports. All three capability
// families are always advertised: an empty registry is a present-but-empty
// capability, and list_changed is supported across the board.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Prompts: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Resources: &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true},
	}
}
