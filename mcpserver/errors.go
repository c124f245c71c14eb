package mcpserver

import "errors"

var (
	// ErrDuplicateCapability is returned by registry mutations that would
	// register two capabilities under the same name or URI. Batched Add
	// calls are atomic: a duplicate anywhere in the batch means nothing
	// from the batch is registered.
	ErrDuplicateCapability = errors.New("duplicate capability")

	// ErrInvalidSchema is returned when a tool is declared with an input
	// schema that cannot be compiled.
	ErrInvalidSchema = errors.New("invalid input schema")

	// ErrResourceNotFound is returned by resource handlers when the URI
	// resolved to them but the underlying resource no longer exists or is
	// out of bounds. The engine maps it to the resource-not-found protocol
	// error rather than an internal one.
	ErrResourceNotFound = errors.New("resource not found")
)
