// devices/st10/reader.go
package st10

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"frog/errcode"
	"frog/serialio"
)

// reader is the dedicated background goroutine that blocks on the serial
// read so the calling thread never has to. Lines are routed either to the
// single in-flight synchronous request, or, when a completion notification
// has been requested, matched against the sentinel token and announced via
// onStopped. The goroutine's only side effect is handing lines off; it never
// touches device state.
type reader struct {
	port serialio.Port

	lines chan lineResult

	mu            sync.Mutex
	notifyPending bool

	onStopped func()
	onError   func(err error)

	done chan struct{}
}

type lineResult struct {
	line string
	err  error
}

// sentinel is the token the controller is asked to emit when all queued
// operations have completed.
const sentinel = "Z"

func newReader(port serialio.Port, onStopped func(), onError func(error)) *reader {
	r := &reader{
		port:      port,
		lines:     make(chan lineResult, 1),
		onStopped: onStopped,
		onError:   onError,
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reader) stop() { close(r.done) }

func (r *reader) run() {
	for {
		raw, err := serialio.ReadUntil(r.port, '\r', 0)
		select {
		case <-r.done:
			return
		default:
		}

		if err != nil {
			if errcode.Is(err, errcode.Timeout) {
				// Idle link; nothing was in flight.
				continue
			}
			r.deliver(lineResult{err: err})
			r.onError(err)
			return
		}

		line, derr := decodeLine(raw)
		if derr != nil {
			r.deliver(lineResult{err: derr})
			continue
		}

		r.mu.Lock()
		pending := r.notifyPending
		if pending && line == sentinel {
			r.notifyPending = false
		}
		r.mu.Unlock()

		if pending && line == sentinel {
			r.onStopped()
			continue
		}
		r.deliver(lineResult{line: line})
	}
}

// deliver hands a line to the synchronous waiter, dropping it when nobody is
// waiting (unsolicited chatter).
func (r *reader) deliver(res lineResult) {
	select {
	case r.lines <- res:
	default:
		log.Debug().Str("line", res.line).Msg("(ST10) dropping unsolicited line")
	}
}

// requestNotify arms the sentinel match for the next completion token.
func (r *reader) requestNotify() {
	r.mu.Lock()
	r.notifyPending = true
	r.mu.Unlock()
}

// readSync waits for the next routed line, up to timeout.
func (r *reader) readSync(timeout time.Duration) (string, error) {
	select {
	case res := <-r.lines:
		return res.line, res.err
	case <-time.After(timeout):
		return "", errcode.New(errcode.Timeout, "st10 read", "no response")
	}
}

// decodeLine strips the terminator and rejects non-ASCII bytes.
func decodeLine(raw []byte) (string, error) {
	if len(raw) == 0 || raw[len(raw)-1] != '\r' {
		return "", errcode.New(errcode.Malformed, "st10 read", "missing terminator")
	}
	body := raw[:len(raw)-1]
	for _, b := range body {
		if b > 0x7F {
			return "", errcode.New(errcode.Malformed, "st10 read", "non-ASCII response")
		}
	}
	return string(body), nil
}
