// Package ftsw500 sends commands to the FTSW500 program controlling the ABB
// spectrometer.
//
// Communication is over TCP. Every command is a newline-terminated string and
// every reply starts with "ACK" or "NAK", optionally followed by "&" and a
// value. The FTSW500 program must be running on the configured host for the
// commands to work.
package ftsw500

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/errcode"
	"frog/hardware"
)

// Status is the generic spectrometer state reported by FTSW500.
type Status int

const (
	StatusUndefined  Status = -1
	StatusIdle       Status = 0
	StatusConnecting Status = 1
	StatusConnected  Status = 2
	StatusMeasuring  Status = 3
)

// parseResponse extracts a status value from a reply line.
//
// The raw FTSW500 state is 0 when disconnected, 1 while connecting, 2 when
// acquiring without saving, 3 when acquiring and saving, and -1 in a brief
// intermediate state, which is reported as connecting. Replies without a
// value yield no status; an unrecognised tag is malformed.
func parseResponse(msg string) (Status, bool, error) {
	var tag string
	switch {
	case strings.HasPrefix(msg, "ACK"):
		tag = "ACK"
	case strings.HasPrefix(msg, "NAK"):
		tag = "NAK"
	default:
		return StatusUndefined, false, errcode.New(errcode.Malformed, "ftsw500 parse",
			"unrecognised response")
	}

	idx := strings.IndexByte(msg, '&')
	if idx < 0 {
		return StatusUndefined, false, nil
	}
	value := strings.TrimSuffix(msg[idx+1:], "\n")
	raw, err := strconv.Atoi(value)
	if err != nil {
		// A non-numeric value is an in-band message, not a status.
		if tag == "NAK" {
			log.Error().Msg(value)
		} else {
			log.Info().Msg(value)
		}
		return StatusUndefined, false, nil
	}

	switch {
	case raw == -1:
		return StatusConnecting, true, nil
	case raw >= 0 && raw <= 3:
		return Status(raw), true, nil
	default:
		return StatusUndefined, false, errcode.New(errcode.Malformed, "ftsw500 parse",
			fmt.Sprintf("unable to parse status %d", raw))
	}
}

// FTSW500 is the TCP client for the FTSW500 program.
type FTSW500 struct {
	instance hardware.InstanceRef
	bus      *bus.Bus

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	status Status

	done chan struct{}
}

// New wraps an established connection, queries the initial status and starts
// polling. A non-positive pollInterval disables the poll loop.
func New(b *bus.Bus, instance hardware.InstanceRef, conn net.Conn, pollInterval time.Duration) (*FTSW500, error) {
	f := &FTSW500{
		instance: instance,
		bus:      b,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		status:   StatusUndefined,
		done:     make(chan struct{}),
	}
	if err := f.RequestStatus(); err != nil {
		conn.Close()
		return nil, err
	}
	if pollInterval > 0 {
		go f.poll(pollInterval)
	}
	return f, nil
}

func (f *FTSW500) InstanceRef() hardware.InstanceRef { return f.instance }

// Close disconnects the spectrometer when it is still connected, then drops
// the TCP connection. The disconnect is best effort.
func (f *FTSW500) Close() error {
	close(f.done)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == StatusConnected {
		if _, err := f.exchange("clickDisconnectButton"); err != nil {
			log.Error().Err(err).Msg("Failed to disconnect spectrometer")
		}
		f.drainDialog("isNonModalMessageDisplayed",
			"getLastNonModalMessageDisplayed", "closeNonModalDialogMessage")
	}
	return f.conn.Close()
}

// Status reports the last status received.
func (f *FTSW500) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// -----------------------------------------------------------------------------
// Protocol
// -----------------------------------------------------------------------------

// exchange sends one command and reads the reply line. Called with the lock
// held.
func (f *FTSW500) exchange(command string) (string, error) {
	deadline := time.Now().Add(config.FTSW500Timeout)
	f.conn.SetDeadline(deadline)

	if _, err := f.conn.Write([]byte(command + "\n")); err != nil {
		return "", errcode.Wrap(errcode.Transport, "ftsw500 write", err)
	}
	reply, err := f.reader.ReadString('\n')
	if err != nil {
		return "", errcode.Wrap(errcode.Transport, "ftsw500 read", err)
	}
	return reply, nil
}

// RequestCommand runs a command. When the reply carries a status value, a
// change is published on the spectrometer status topic. Any dialogs FTSW500
// has opened in the meantime are logged and dismissed.
func (f *FTSW500) RequestCommand(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply, err := f.exchange(command)
	if err != nil {
		return err
	}
	status, ok, err := parseResponse(reply)
	if err != nil {
		return err
	}
	if ok && status != f.status {
		f.status = status
		f.bus.Publish("device."+config.SpectrometerTopic+".status", status)
	}

	f.drainDialog("isNonModalMessageDisplayed",
		"getLastNonModalMessageDisplayed", "closeNonModalDialogMessage")
	f.drainDialog("isModalMessageDisplayed",
		"getLastModalMessageDisplayed", "closeModalDialogMessage")
	return nil
}

// RequestStatus asks FTSW500 for its current state.
func (f *FTSW500) RequestStatus() error {
	return f.RequestCommand("getFTSW500State")
}

// drainDialog logs and dismisses a pending dialog message, best effort.
// Called with the lock held.
func (f *FTSW500) drainDialog(query, get, dismiss string) {
	reply, err := f.exchange(query)
	if err != nil {
		log.Debug().Err(err).Msg("FTSW500 dialog query failed")
		return
	}
	if value(reply) != "true" {
		return
	}
	reply, err = f.exchange(get)
	if err != nil {
		log.Debug().Err(err).Msg("FTSW500 dialog query failed")
		return
	}
	log.Info().Msgf("FTSW500: %s", value(reply))
	if _, err := f.exchange(dismiss); err != nil {
		log.Debug().Err(err).Msg("FTSW500 dialog dismiss failed")
	}
}

// value returns the part of a reply after the "&" separator.
func value(reply string) string {
	idx := strings.IndexByte(reply, '&')
	if idx < 0 {
		return ""
	}
	return strings.TrimSuffix(reply[idx+1:], "\n")
}

// -----------------------------------------------------------------------------
// Polling
// -----------------------------------------------------------------------------

// poll queries the state on every tick. A failure is reported as a device
// error and ends the loop; the registry closes the device in response.
func (f *FTSW500) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
		}
		if err := f.RequestStatus(); err != nil {
			f.bus.Publish("device.error."+f.instance.Topic(),
				hardware.ErrorEvent{Instance: f.instance, Err: err})
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func init() {
	hardware.Register("ftsw500", hardware.BuilderFunc(build))
}

func build(in hardware.BuildInput) (hardware.Device, error) {
	defaults := config.Default()
	host, _ := in.Params["host"].(string)
	if host == "" {
		host = defaults.FTSW500Host
	}
	port := defaults.FTSW500Port
	if p, ok := in.Params["port"].(int); ok {
		port = p
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), config.FTSW500Timeout)
	if err != nil {
		return nil, errcode.Wrap(errcode.Transport, "ftsw500 connect", err)
	}
	return New(in.Bus, in.Instance, conn, config.FTSW500PollInterval)
}
