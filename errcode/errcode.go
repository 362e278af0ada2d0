package errcode

import "errors"

// Code is a stable error identifier for device failures.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Transport-class failures: the underlying link is broken or silent.
	// Never retried by protocol engines; the registry treats them as fatal.
	Transport Code = "transport"
	Timeout   Code = "timeout"

	// Malformed: received bytes violate framing/checksum/encoding rules.
	// Retried where an engine defines a retry policy.
	Malformed Code = "malformed_message"

	// Validation: caller-supplied parameter outside the legal domain.
	// Raised before any I/O, never retried.
	Validation Code = "validation"

	// DeviceError: the remote device reported a failure code in-band.
	DeviceError Code = "device_error"

	Error Code = "error" // generic fallback
)

// E keeps a code plus context and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New returns an *E with a code and message.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap attaches a code and operation to a cause.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts the outermost Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, c Code) bool {
	if err == nil {
		return c == OK
	}
	for err != nil {
		switch e := err.(type) {
		case *E:
			if e.C == c {
				return true
			}
			err = e.Err
		case Code:
			return e == c
		default:
			err = errors.Unwrap(err)
		}
	}
	return false
}
