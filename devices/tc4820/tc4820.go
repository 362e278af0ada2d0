// Package tc4820 implements the serial interface to the TC4820 temperature
// controller.
//
// The device speaks a fixed-size checksummed frame: '*', a hex payload, a
// two-hex-digit checksum and a terminator ('^' on read, '\r' on write). The
// checksum is the low byte of the sum of the payload's ASCII characters.
// Malformed replies are retried up to MaxAttempts before the request is given
// up as a transport failure.
package tc4820

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/errcode"
	"frog/hardware"
	"frog/serialio"
)

const (
	// DefaultMaxAttempts bounds retries of malformed replies.
	DefaultMaxAttempts = 3

	DefaultBaudRate = 115200

	readFrameLen = 8 // '*' + 4 hex payload + 2 hex checksum + '^'
)

// Property read commands (two-hex-digit command plus zero argument).
const (
	cmdTemperature = "010000"
	cmdPower       = "020000"
	cmdAlarmStatus = "030000"
	cmdSetPoint    = "500000"
)

// Properties is the full readout published in response events.
type Properties struct {
	Temperature float64 `json:"temperature"`
	Power       int     `json:"power"`
	AlarmStatus int     `json:"alarm_status"`
	SetPoint    float64 `json:"set_point"`
}

// TC4820 drives one temperature controller over a serial port.
type TC4820 struct {
	instance    hardware.InstanceRef
	bus         *bus.Bus
	MaxAttempts int

	mu   sync.Mutex
	port serialio.Port
	subs []*bus.Subscription
}

// New wraps an open port. The instance name distinguishes the two blackbody
// controllers ("hot_bb", "cold_bb").
func New(b *bus.Bus, instance hardware.InstanceRef, port serialio.Port, maxAttempts int) *TC4820 {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	t := &TC4820{
		instance:    instance,
		bus:         b,
		MaxAttempts: maxAttempts,
		port:        port,
	}
	topic := "device." + instance.Topic()
	t.subs = append(t.subs,
		b.Subscribe(topic+".request", t.onRequest),
		b.Subscribe(topic+".change_set_point", t.onChangeSetPoint),
	)
	return t
}

func (t *TC4820) InstanceRef() hardware.InstanceRef { return t.instance }

func (t *TC4820) Close() error {
	for _, s := range t.subs {
		s.Unsubscribe()
	}
	t.subs = nil
	return t.port.Close()
}

// -----------------------------------------------------------------------------
// Frame codec
// -----------------------------------------------------------------------------

// checksum returns the low byte of the sum of the message's ASCII characters.
func checksum(msg string) byte {
	var sum int
	for i := 0; i < len(msg); i++ {
		sum += int(msg[i])
	}
	return byte(sum)
}

// Write frames and sends a hex command string.
func (t *TC4820) Write(msg string) error {
	frame := fmt.Sprintf("*%s%02x\r", msg, checksum(msg))
	log.Debug().Str("device", t.instance.Topic()).Str("tx", frame).Msg("serial write")
	if _, err := t.port.Write([]byte(frame)); err != nil {
		return errcode.Wrap(errcode.Transport, "tc4820 write", err)
	}
	return nil
}

// Read reads and validates one reply frame, returning the 16-bit payload.
func (t *TC4820) Read() (uint16, error) {
	raw, err := serialio.ReadUntil(t.port, '^', readFrameLen)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("device", t.instance.Topic()).Str("rx", string(raw)).Msg("serial read")

	if len(raw) != readFrameLen || raw[0] != '*' || raw[readFrameLen-1] != '^' {
		return 0, errcode.New(errcode.Malformed, "tc4820 read",
			fmt.Sprintf("bad frame %q", raw))
	}
	payload := string(raw[1:5])
	value, err := strconv.ParseUint(payload, 16, 16)
	if err != nil {
		// Includes the device's literal "XXXX" bad-checksum reply.
		return 0, errcode.New(errcode.Malformed, "tc4820 read",
			fmt.Sprintf("non-hex payload %q", payload))
	}
	csum, err := strconv.ParseUint(string(raw[5:7]), 16, 8)
	if err != nil {
		return 0, errcode.New(errcode.Malformed, "tc4820 read",
			fmt.Sprintf("non-hex checksum %q", raw[5:7]))
	}
	if byte(csum) != checksum(payload) {
		return 0, errcode.New(errcode.Malformed, "tc4820 read", "checksum mismatch")
	}
	return uint16(value), nil
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// RequestInt sends a command and reads back a signed 16-bit value. Malformed
// replies are resent up to MaxAttempts times; exhausting the attempts is a
// transport failure. Transport errors propagate immediately.
func (t *TC4820) RequestInt(command string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < t.MaxAttempts; attempt++ {
		if err := t.Write(command); err != nil {
			return 0, err
		}
		value, err := t.Read()
		if err == nil {
			return int(int16(value)), nil
		}
		if !errcode.Is(err, errcode.Malformed) {
			return 0, err
		}
		log.Debug().Str("device", t.instance.Topic()).Err(err).
			Int("attempt", attempt+1).Msg("retrying after malformed reply")
	}
	return 0, errcode.New(errcode.Transport, "tc4820 request",
		fmt.Sprintf("command %q failed after %d attempts", command, t.MaxAttempts))
}

// RequestDecimal reads a value with an implied decimal point (tenths).
func (t *TC4820) RequestDecimal(command string) (float64, error) {
	v, err := t.RequestInt(command)
	if err != nil {
		return 0, err
	}
	return float64(v) / 10, nil
}

// -----------------------------------------------------------------------------
// Domain properties
// -----------------------------------------------------------------------------

func (t *TC4820) Temperature() (float64, error) { return t.RequestDecimal(cmdTemperature) }
func (t *TC4820) Power() (int, error)           { return t.RequestInt(cmdPower) }
func (t *TC4820) AlarmStatus() (int, error)     { return t.RequestInt(cmdAlarmStatus) }
func (t *TC4820) SetPoint() (float64, error)    { return t.RequestDecimal(cmdSetPoint) }

// SetSetPoint writes a new target temperature, encoded in tenths of a degree.
func (t *TC4820) SetSetPoint(temperature float64) error {
	raw := int16(math.Round(temperature * 10))
	_, err := t.RequestInt(fmt.Sprintf("1c%04x", uint16(raw)))
	return err
}

// GetProperties reads the full set of reported values.
func (t *TC4820) GetProperties() (Properties, error) {
	var props Properties
	var err error
	if props.Temperature, err = t.Temperature(); err != nil {
		return props, err
	}
	if props.Power, err = t.Power(); err != nil {
		return props, err
	}
	if props.AlarmStatus, err = t.AlarmStatus(); err != nil {
		return props, err
	}
	if props.SetPoint, err = t.SetPoint(); err != nil {
		return props, err
	}
	return props, nil
}

// -----------------------------------------------------------------------------
// Bus wiring
// -----------------------------------------------------------------------------

func (t *TC4820) onRequest(bus.Message) {
	props, err := t.GetProperties()
	if err != nil {
		t.reportError(err)
		return
	}
	t.bus.Publish("device."+t.instance.Topic()+".response", props)
}

func (t *TC4820) onChangeSetPoint(msg bus.Message) {
	temperature, ok := msg.Payload.(float64)
	if !ok {
		t.reportError(errcode.New(errcode.Validation, "change set point", "payload must be a temperature"))
		return
	}
	if err := t.SetSetPoint(temperature); err != nil {
		t.reportError(err)
	}
}

func (t *TC4820) reportError(err error) {
	t.bus.Publish("device.error."+t.instance.Topic(),
		hardware.ErrorEvent{Instance: t.instance, Err: err})
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func init() {
	hardware.Register("tc4820", hardware.BuilderFunc(build))
}

func build(in hardware.BuildInput) (hardware.Device, error) {
	path, _ := in.Params["port"].(string)
	if path == "" {
		return nil, errcode.New(errcode.Validation, "tc4820", "missing port parameter")
	}
	baud := DefaultBaudRate
	if b, ok := in.Params["baudrate"].(int); ok {
		baud = b
	}
	port, err := serialio.Open(path, baud, config.SerialTimeout)
	if err != nil {
		return nil, err
	}
	return New(in.Bus, in.Instance, port, DefaultMaxAttempts), nil
}
