// Package mcpserver is the embedding surface of the engine: an explicitly
// constructed Server owning three ordered, name-keyed capability registries
// (tools, prompts, resources) and the handler contracts application code
// implements.
//
// Registries are read-mostly and safe for concurrent use; the embedding
// application may add and remove capabilities at any time, including after
// sessions have initialized, and connected clients are told through
// list_changed notifications.
//
// Every handler, regardless of shape, is executed as a finite ordered event
// sequence: zero or more progress events followed by exactly one terminal
// result. Atomic handlers simply have an empty progress prefix; streaming
// tool handlers receive a ProgressFunc whose every call is a cancellation
// checkpoint.
package mcpserver
