package models

import "errors"

// Result errors returned by all publisher operations. Operations never panic;
// internal faults are translated to one of these at the session boundary and
// may carry wrapped context (use errors.Is to classify).
var (
	// ErrInvalidArg reports a malformed or missing argument, an operation on a
	// closed handle, or a non-monotonic frame timestamp.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrNoMem reports that a frame or info blob exceeds the configured
	// buffering limit.
	ErrNoMem = errors.New("no memory to buffer data")

	// ErrWrongState reports an operation invoked outside its permitted
	// session state, e.g. a push before connect finished.
	ErrWrongState = errors.New("wrong state")

	// ErrConnectFail reports a handshake or command-negotiation failure,
	// including rejection by the remote server and a connect cancelled by a
	// concurrent close.
	ErrConnectFail = errors.New("connect failed")

	// ErrWriteData reports a transport write failure after the session was
	// connected.
	ErrWriteData = errors.New("write data failed")
)
