package mcpserver

import (
	"fmt"

	"github.com/v4ler11/sovereign-mcp/mcp"
)

// TextContent builds a single text content block.
func TextContent(s string) mcp.ContentBlock {
	return mcp.ContentBlock{Type: "text", Text: s}
}

// TextResult builds a successful CallToolResult with one text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{TextContent(s)}}
}

// Errorf builds a domain-failure CallToolResult with IsError set and a
// single formatted text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{TextContent(fmt.Sprintf(format, a...))},
		IsError: true,
	}
}

// StructuredResult builds a CallToolResult carrying both a text rendering
// and a structured payload.
func StructuredResult(text string, structured map[string]any) *mcp.CallToolResult {
	res := TextResult(text)
	res.StructuredContent = structured
	return res
}

// TextResourceContents builds a text resource payload.
func TextResourceContents(uri, mimeType, text string) mcp.ResourceContents {
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: text}
}

// BlobResourceContents builds a binary resource payload; data must already
// be base64 encoded.
func BlobResourceContents(uri, mimeType, data string) mcp.ResourceContents {
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: data}
}
