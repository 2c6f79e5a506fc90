// Package gberrors defines the Greybus result-code taxonomy and maps
// between Go errors and the wire result byte carried in a response header.
package gberrors

import "errors"

// Result is a Greybus wire result code.
type Result uint8

const (
	ResultSuccess     Result = 0x00
	ResultInterrupted Result = 0x01
	ResultTimeout     Result = 0x02
	ResultNoMemory    Result = 0x03
	ResultProtocol    Result = 0x04
	ResultOverflow    Result = 0x05
	ResultInvalid     Result = 0x06
	ResultRetry       Result = 0x07
	ResultNonexistent Result = 0x08
	ResultUnknown     Result = 0xfe
)

// String renders a Result as the taxonomy name metrics and logs use,
// e.g. "invalid" rather than the bare wire byte.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInterrupted:
		return "interrupted"
	case ResultTimeout:
		return "timeout"
	case ResultNoMemory:
		return "no_memory"
	case ResultProtocol:
		return "protocol"
	case ResultOverflow:
		return "overflow"
	case ResultInvalid:
		return "invalid"
	case ResultRetry:
		return "retry"
	case ResultNonexistent:
		return "nonexistent"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per taxonomy kind. Handlers return these (or wrap
// them) so the protocol engine can translate them to a wire Result without
// handlers ever touching wire bytes themselves.
var (
	ErrInterrupted = errors.New("gbridge: interrupted")
	ErrTimeout     = errors.New("gbridge: timeout")
	ErrNoMemory    = errors.New("gbridge: no memory")
	ErrProtocol    = errors.New("gbridge: protocol error")
	ErrOverflow    = errors.New("gbridge: message exceeds mtu")
	ErrInvalid     = errors.New("gbridge: invalid argument")
	ErrRetry       = errors.New("gbridge: resource busy, retry")
	ErrNonexistent = errors.New("gbridge: no such interface or device")
)

// ValidationError reports a malformed request argument, e.g. a manifest
// descriptor or driver registration that fails an invariant check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "gbridge: invalid " + e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// ToResult maps an error returned by a handler to the wire result byte.
// A nil error maps to ResultSuccess. Errors are matched with errors.Is so
// wrapped sentinels (fmt.Errorf("...: %w", ErrInvalid)) still classify
// correctly; anything unrecognized maps to ResultUnknown.
func ToResult(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrInterrupted):
		return ResultInterrupted
	case errors.Is(err, ErrTimeout):
		return ResultTimeout
	case errors.Is(err, ErrNoMemory):
		return ResultNoMemory
	case errors.Is(err, ErrProtocol):
		return ResultProtocol
	case errors.Is(err, ErrOverflow):
		return ResultOverflow
	case errors.Is(err, ErrInvalid):
		return ResultInvalid
	case errors.Is(err, ErrRetry):
		return ResultRetry
	case errors.Is(err, ErrNonexistent):
		return ResultNonexistent
	default:
		return ResultUnknown
	}
}
