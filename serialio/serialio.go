// Package serialio wraps the byte-oriented serial transport used by the
// hardware plugins. Device code talks to the Port interface so tests can
// substitute an in-memory implementation.
package serialio

import (
	"time"

	"go.bug.st/serial"

	"frog/errcode"
)

// Port is the transport handle a device owns exclusively.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// realPort wraps the concrete serial implementation.
type realPort struct {
	port serial.Port
}

func (r *realPort) Read(p []byte) (n int, err error)     { return r.port.Read(p) }
func (r *realPort) Write(p []byte) (n int, err error)    { return r.port.Write(p) }
func (r *realPort) Close() error                         { return r.port.Close() }
func (r *realPort) SetReadTimeout(t time.Duration) error { return r.port.SetReadTimeout(t) }

// Open opens a serial port with the given baud rate and read timeout.
func Open(path string, baud int, timeout time.Duration) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errcode.Wrap(errcode.Transport, "serial open", err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, errcode.Wrap(errcode.Transport, "serial open", err)
	}
	return &realPort{port: p}, nil
}

// ReadUntil reads bytes until term is seen, max bytes have been collected
// (max <= 0 means unbounded), or the port's read timeout elapses.
//
// A timeout with nothing read returns a timeout error. A timeout after a
// partial read returns the partial data with a nil error; framing validation
// upstream decides whether it is usable.
func ReadUntil(p Port, term byte, max int) ([]byte, error) {
	buf := make([]byte, 0, 16)
	one := make([]byte, 1)
	for {
		n, err := p.Read(one)
		if err != nil {
			return nil, errcode.Wrap(errcode.Transport, "serial read", err)
		}
		if n == 0 {
			// Read timeout.
			if len(buf) == 0 {
				return nil, errcode.New(errcode.Timeout, "serial read", "no response")
			}
			return buf, nil
		}
		buf = append(buf, one[0])
		if one[0] == term {
			return buf, nil
		}
		if max > 0 && len(buf) >= max {
			return buf, nil
		}
	}
}
