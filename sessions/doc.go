// Package sessions models the per-client state of a streaming MCP server: a
// session record with its lifecycle state and in-flight invocations, and the
// Host contract a transport uses to store session records and move ordered
// messages between the engine and a session's open event stream.
//
// A session is created on the client's first contact (the initialize POST or
// a stream-establishing GET) and walks Uninitialized -> Initializing -> Ready
// as the handshake progresses. Lifecycle state is per session; one server
// instance serves many independently initialized sessions.
package sessions
