// Package st10 interfaces with the ST10-Q-NN stepper motor controller that
// rotates the mirror.
//
// The controller speaks a terse ASCII line protocol ("Q" language): commands
// are carriage-return terminated, acknowledgements are '%' or '*', device
// errors are '?' followed by a code, and variable queries answer with
// "NAME=value". A dedicated reader goroutine owns the blocking serial read so
// completion notifications can be awaited without stalling the caller.
package st10

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/errcode"
	"frog/hardware"
	"frog/serialio"
	"frog/x/mathx"
)

const (
	// StepsPerRotation is the total number of steps in one full rotation of
	// the mirror.
	StepsPerRotation = 50800

	// deviceID is the identity token an ST10 reports for the "MV" query.
	deviceID = "107F024"

	DefaultBaudRate = 9600

	minAngle = 0.0
	maxAngle = 270.0
)

// ST10 drives the stepper motor controller over a serial port.
type ST10 struct {
	instance    hardware.InstanceRef
	bus         *bus.Bus
	port        serialio.Port
	reader      *reader
	readTimeout time.Duration

	// reqMu serializes request/response pairs; only one may be in flight.
	reqMu sync.Mutex

	subs []*bus.Subscription
}

// New takes ownership of an open port, verifies the device identity and runs
// the homing sequence. Any failure aborts construction and closes the port.
func New(b *bus.Bus, instance hardware.InstanceRef, port serialio.Port, readTimeout time.Duration) (*ST10, error) {
	if readTimeout <= 0 {
		readTimeout = config.SerialTimeout
	}
	s := &ST10{
		instance:    instance,
		bus:         b,
		port:        port,
		readTimeout: readTimeout,
	}
	s.reader = newReader(port, s.publishMoveEnd, s.publishError)

	if err := s.setup(); err != nil {
		s.reader.stop()
		port.Close()
		return nil, err
	}

	topic := "serial." + config.StepperMotorTopic
	s.subs = append(s.subs,
		b.Subscribe(topic+".move.begin", s.onMoveBegin),
		b.Subscribe(topic+".stop", s.onStop),
		b.Subscribe(topic+".notify_on_stopped", s.onNotifyOnStopped),
	)
	return s, nil
}

func (s *ST10) setup() error {
	if err := s.checkDeviceID(); err != nil {
		return err
	}
	if err := s.StopMoving(); err != nil {
		return err
	}
	return s.homeAndReset()
}

func (s *ST10) InstanceRef() hardware.InstanceRef { return s.instance }

// Close leaves the mirror facing downwards to stop dust accumulating, then
// releases the port. The shutdown move is best effort.
func (s *ST10) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil

	if err := s.MoveToPreset("nadir"); err != nil {
		log.Error().Err(err).Msg("Failed to reset mirror to downward position")
	}
	s.reader.stop()
	return s.port.Close()
}

// -----------------------------------------------------------------------------
// Protocol primitives
// -----------------------------------------------------------------------------

func (s *ST10) write(message string) error {
	data := message + "\r"
	log.Debug().Str("tx", data).Msg("(ST10) write")
	if _, err := s.port.Write([]byte(data)); err != nil {
		return errcode.Wrap(errcode.Transport, "st10 write", err)
	}
	return nil
}

// checkResponse classifies the acknowledgement for the last command.
func (s *ST10) checkResponse() error {
	response, err := s.reader.readSync(s.readTimeout)
	if err != nil {
		return err
	}
	if response == "%" || response == "*" {
		return nil
	}
	if len(response) > 0 && response[0] == '?' {
		return errcode.New(errcode.DeviceError, "st10",
			"device returned an error (code: "+response[1:]+")")
	}
	return errcode.New(errcode.Malformed, "st10",
		fmt.Sprintf("unexpected response %q", response))
}

func (s *ST10) writeCheck(message string) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.write(message); err != nil {
		return err
	}
	return s.checkResponse()
}

// requestValue queries a two-letter variable and strips the "NAME=" prefix.
func (s *ST10) requestValue(name string) (string, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.write(name); err != nil {
		return "", err
	}
	response, err := s.reader.readSync(s.readTimeout)
	if err != nil {
		return "", err
	}
	prefix := name + "="
	if len(response) < len(prefix) || response[:len(prefix)] != prefix {
		return "", errcode.New(errcode.Malformed, "st10",
			"unexpected response when querying value "+name)
	}
	return response[len(prefix):], nil
}

// -----------------------------------------------------------------------------
// Identity and homing
// -----------------------------------------------------------------------------

func (s *ST10) checkDeviceID() error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.write("MV"); err != nil {
		return err
	}
	id, err := s.reader.readSync(s.readTimeout)
	if err != nil {
		return err
	}
	if id != deviceID {
		return errcode.New(errcode.DeviceError, "st10",
			"device ID indicates this is not an ST10")
	}
	return nil
}

// inputStatus reads one boolean from the device's input status array.
func (s *ST10) inputStatus(index int) (bool, error) {
	status, err := s.requestValue("IS")
	if err != nil {
		return false, err
	}
	if index >= len(status) {
		return false, errcode.New(errcode.Malformed, "st10", "input status too short")
	}
	return status[index] == '1', nil
}

// homeAndReset drives the mirror to its reference position and zeroes the
// step counter. The conditional pre-move mirrors the calibration behaviour
// of the controller's vendor tooling.
func (s *ST10) homeAndReset() error {
	moveFirst, err := s.inputStatus(3)
	if err != nil {
		return err
	}
	if moveFirst {
		if err := s.relativeMove(-5000); err != nil {
			return err
		}
	}

	// Home command; leaves the mirror facing upwards.
	if err := s.writeCheck("SH6H"); err != nil {
		return err
	}
	// Turn the mirror so it faces down.
	if err := s.relativeMove(-30130); err != nil {
		return err
	}
	// Tell the controller that this is step 0.
	return s.writeCheck("SP0")
}

// -----------------------------------------------------------------------------
// Motion
// -----------------------------------------------------------------------------

func (s *ST10) relativeMove(steps int) error {
	return s.writeCheck("FL" + strconv.Itoa(steps))
}

// Step reads the device's current step counter.
func (s *ST10) Step() (int, error) {
	raw, err := s.requestValue("SP")
	if err != nil {
		return 0, err
	}
	step, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errcode.New(errcode.Malformed, "st10",
			"invalid value for step received: "+raw)
	}
	return step, nil
}

// SetStep moves to an absolute step position.
func (s *ST10) SetStep(step int) error {
	return s.writeCheck("FP" + strconv.Itoa(step))
}

// Angle reports the current mirror angle in degrees.
func (s *ST10) Angle() (float64, error) {
	step, err := s.Step()
	if err != nil {
		return 0, err
	}
	return float64(step) * 360.0 / StepsPerRotation, nil
}

// MoveTo moves the mirror to an angle within [0°, 270°]. Validation happens
// before any I/O.
func (s *ST10) MoveTo(angle float64) error {
	if !mathx.Between(angle, minAngle, maxAngle) {
		return errcode.New(errcode.Validation, "st10 move",
			fmt.Sprintf("angle must be between %g° and %g°", minAngle, maxAngle))
	}
	return s.SetStep(int(math.Round(StepsPerRotation * angle / 360.0)))
}

// MoveToPreset moves to a named preset position.
func (s *ST10) MoveToPreset(name string) error {
	angle, ok := config.AnglePresets[name]
	if !ok {
		return errcode.New(errcode.Validation, "st10 move", name+" is not a valid preset")
	}
	return s.MoveTo(angle)
}

// StopMoving immediately halts the motor.
func (s *ST10) StopMoving() error {
	return s.writeCheck("ST")
}

// sendString asks the device to emit the string once queued operations have
// completed.
func (s *ST10) sendString(str string) error {
	return s.writeCheck("SS" + str)
}

// WaitUntilStopped blocks until the motor has stopped moving, or timeout
// elapses. The wait uses its own timeout; the device's read timeout for
// other requests is untouched.
func (s *ST10) WaitUntilStopped(timeout time.Duration) error {
	if err := s.sendString(sentinel); err != nil {
		return err
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	response, err := s.reader.readSync(timeout)
	if err != nil {
		return err
	}
	if response != sentinel {
		return errcode.New(errcode.Malformed, "st10",
			"invalid response received when waiting for "+sentinel)
	}
	return nil
}

// NotifyOnStopped arranges for a stepper.move.end event once the motor has
// stopped, without blocking the caller. The sentinel is matched on the
// background reader.
func (s *ST10) NotifyOnStopped() error {
	s.reader.requestNotify()
	return s.sendString(sentinel)
}

// -----------------------------------------------------------------------------
// Bus wiring
// -----------------------------------------------------------------------------

func (s *ST10) publishMoveEnd() {
	s.bus.Publish("stepper.move.end", nil)
}

func (s *ST10) publishError(err error) {
	s.bus.Publish("serial."+config.StepperMotorTopic+".error",
		hardware.ErrorEvent{Instance: s.instance, Err: err})
}

func (s *ST10) onMoveBegin(msg bus.Message) {
	var err error
	switch target := msg.Payload.(type) {
	case float64:
		err = s.MoveTo(target)
	case int:
		err = s.MoveTo(float64(target))
	case string:
		err = s.MoveToPreset(target)
	default:
		err = errcode.New(errcode.Validation, "st10 move", "target must be an angle or preset name")
	}
	if err != nil {
		s.publishError(err)
	}
}

func (s *ST10) onStop(bus.Message) {
	if err := s.StopMoving(); err != nil {
		s.publishError(err)
	}
}

func (s *ST10) onNotifyOnStopped(bus.Message) {
	if err := s.NotifyOnStopped(); err != nil {
		s.publishError(err)
	}
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func init() {
	hardware.Register("st10", hardware.BuilderFunc(build))
}

func build(in hardware.BuildInput) (hardware.Device, error) {
	path, _ := in.Params["port"].(string)
	if path == "" {
		return nil, errcode.New(errcode.Validation, "st10", "missing port parameter")
	}
	baud := DefaultBaudRate
	if b, ok := in.Params["baudrate"].(int); ok {
		baud = b
	}
	port, err := serialio.Open(path, baud, config.SerialTimeout)
	if err != nil {
		return nil, err
	}
	return New(in.Bus, in.Instance, port, config.SerialTimeout)
}
