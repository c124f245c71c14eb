// Package mcp defines the wire-level types of the Model Context Protocol as
// served by this module: method identifiers, request and result payloads for
// the lifecycle handshake, tools, prompts and resources, and the notification
// shapes the server pushes over its streaming transport.
//
// The types here are deliberately plain data carriers. Protocol behavior
// (dispatch, lifecycle enforcement, execution) lives in internal/engine, and
// the capability containers an application registers against live in package
// mcpserver.
package mcp
