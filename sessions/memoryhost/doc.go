// Package memoryhost provides the in-process implementation of
// sessions.Host: a mutex-guarded session table plus a per-session ordered
// message log with single-subscriber follow and Last-Event-ID resume.
//
// Nothing is persisted; a process restart discards all protocol state, which
// is the intended operational model for this engine.
package memoryhost
