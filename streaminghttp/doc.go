// Package streaminghttp serves the protocol engine over the streamable HTTP
// transport: one endpoint accepting POST for inbound JSON-RPC, GET for the
// session's server-to-client event stream, and DELETE for session teardown.
//
// Sessions are correlated through the Mcp-Session-Id header. A POST carrying
// a streaming tool call upgrades its own response to text/event-stream so
// progress notifications precede the terminal response on the same wire;
// everything else answers with plain JSON. The GET stream supports SSE
// resumption via Last-Event-ID.
package streaminghttp
