package gearman

import "github.com/pkg/errors"

// ErrorKind classifies the errors the client core can return, per the
// taxonomy the engine and callbacks are expected to branch on.
type ErrorKind int

const (
	// Success is not actually returned as an error; it exists so code can
	// compare a Return value uniformly.
	Success ErrorKind = iota
	InvalidArgument
	MemoryAllocation
	IoWait
	LostConnection
	CouldNotConnect
	ServerError
	ProtocolViolation
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidArgument:
		return "invalid argument"
	case MemoryAllocation:
		return "memory allocation"
	case IoWait:
		return "io wait"
	case LostConnection:
		return "lost connection"
	case CouldNotConnect:
		return "could not connect"
	case ServerError:
		return "server error"
	case ProtocolViolation:
		return "protocol violation"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an ErrorKind with context, preserving a stack trace via
// github.com/pkg/errors for anything that wraps it further up the stack.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Kind.String() + ": " + e.msg + ": " + e.err.Error()
	}
	return e.Kind.String() + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, ErrLostConnection) style checks work against the
// sentinel kind values below.
func (e *Error) Is(target error) bool {
	if k, ok := target.(*Error); ok {
		return k.Kind == e.Kind
	}
	return false
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(cause, msg)}
}

// Sentinel kind markers, usable with errors.Is(err, ErrLostConnection).
var (
	ErrInvalidArgument  = newError(InvalidArgument, "invalid argument")
	ErrMemoryAllocation = newError(MemoryAllocation, "allocation failed")
	ErrIoWait           = newError(IoWait, "would block on io")
	ErrLostConnection   = newError(LostConnection, "connection lost")
	ErrCouldNotConnect  = newError(CouldNotConnect, "could not connect to any server")
	ErrServerError      = newError(ServerError, "server returned an error packet")
	ErrProtocolViolation = newError(ProtocolViolation, "malformed or unexpected packet")
	ErrTimeout          = newError(Timeout, "operation timed out")
)

// ErrBadArgumentCount is returned by the codec when a caller supplies a
// number of arguments that does not match the fixed arity for a command.
var ErrBadArgumentCount = errors.New("bad argument count for packet type")

// ErrPayloadTooLarge is returned by the codec when the encoded payload would
// overflow the protocol's u32 length field.
var ErrPayloadTooLarge = errors.New("payload too large to encode")
