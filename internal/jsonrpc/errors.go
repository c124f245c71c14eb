package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server error codes (-32000 to -32099).
const (
	// ErrorCodeRequestCancelled indicates the invocation was abandoned before
	// it produced a terminal result.
	ErrorCodeRequestCancelled ErrorCode = -32000
	// ErrorCodeServerNotInitialized indicates a capability call arrived before
	// the session completed its initialize handshake.
	ErrorCodeServerNotInitialized ErrorCode = -32001
	// ErrorCodeResourceNotFound indicates resources/read named a URI no
	// registered resource or template resolves.
	ErrorCodeResourceNotFound ErrorCode = -32002
	// ErrorCodeAlreadyInitialized indicates an initialize request on a session
	// whose handshake already completed.
	ErrorCodeAlreadyInitialized ErrorCode = -32003
)
