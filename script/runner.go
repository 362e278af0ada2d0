package script

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/devices/opus"
	"frog/errcode"
	"frog/hardware"
)

// Runner executes a parsed script by driving the device bus. It owns no
// devices; each step publishes requests and waits for the matching events.
type Runner struct {
	bus *bus.Bus

	// StepTimeout bounds every motor wait, and is added as grace to each
	// measurement's own duration.
	StepTimeout time.Duration

	// StatusPollInterval is how often a running measurement is polled.
	StatusPollInterval time.Duration
}

func NewRunner(b *bus.Bus) *Runner {
	return &Runner{
		bus:                b,
		StepTimeout:        30 * time.Second,
		StatusPollInterval: 100 * time.Millisecond,
	}
}

// Run executes the commands in order, stopping at the first failure.
func (r *Runner) Run(commands []Command) error {
	for _, cmd := range commands {
		if err := r.step(cmd); err != nil {
			return fmt.Errorf("script line %d: %w", cmd.Line, err)
		}
	}
	return nil
}

func (r *Runner) step(cmd Command) error {
	switch cmd.Kind {
	case KindMove:
		return r.move(cmd)
	case KindWait:
		return r.waitStopped(r.StepTimeout)
	case KindMeasure:
		return r.measure(cmd.Duration)
	case KindSetPoint:
		r.bus.Publish(
			"device."+config.TemperatureControllerTopic+"."+cmd.Device+".change_set_point",
			cmd.Temperature)
		return nil
	default:
		return errcode.New(errcode.Validation, "script run", "unknown command kind")
	}
}

// -----------------------------------------------------------------------------
// Motor steps
// -----------------------------------------------------------------------------

func (r *Runner) move(cmd Command) error {
	target := any(cmd.Angle)
	if cmd.Preset != "" {
		target = cmd.Preset
		log.Info().Str("preset", cmd.Preset).Msg("Moving mirror")
	} else {
		log.Info().Float64("angle", cmd.Angle).Msg("Moving mirror")
	}

	stopped, errs, unsubscribe := r.watchMotor()
	defer unsubscribe()

	r.bus.Publish("serial."+config.StepperMotorTopic+".move.begin", target)
	r.bus.Publish("serial."+config.StepperMotorTopic+".notify_on_stopped", nil)

	return awaitMotor(stopped, errs, r.StepTimeout)
}

func (r *Runner) waitStopped(timeout time.Duration) error {
	stopped, errs, unsubscribe := r.watchMotor()
	defer unsubscribe()

	r.bus.Publish("serial."+config.StepperMotorTopic+".notify_on_stopped", nil)
	return awaitMotor(stopped, errs, timeout)
}

// watchMotor subscribes to the motor's completion and error events before a
// request is published, so a synchronous reply cannot be missed.
func (r *Runner) watchMotor() (chan struct{}, chan error, func()) {
	stopped := make(chan struct{}, 1)
	errs := make(chan error, 1)
	subEnd := r.bus.Subscribe("stepper.move.end", func(bus.Message) {
		select {
		case stopped <- struct{}{}:
		default:
		}
	})
	subErr := r.bus.Subscribe("serial."+config.StepperMotorTopic+".error", func(msg bus.Message) {
		if ev, ok := msg.Payload.(hardware.ErrorEvent); ok {
			select {
			case errs <- ev.Err:
			default:
			}
		}
	})
	return stopped, errs, func() {
		subEnd.Unsubscribe()
		subErr.Unsubscribe()
	}
}

func awaitMotor(stopped chan struct{}, errs chan error, timeout time.Duration) error {
	select {
	case <-stopped:
		return nil
	case err := <-errs:
		return err
	case <-time.After(timeout):
		return errcode.New(errcode.Timeout, "script run", "motor did not stop in time")
	}
}

// -----------------------------------------------------------------------------
// Measurement step
// -----------------------------------------------------------------------------

// measure starts a spectrometer measurement and polls the status until the
// device returns to connected. The wait is bounded by the measurement's
// duration plus the step timeout.
func (r *Runner) measure(duration time.Duration) error {
	responses := make(chan opus.Response, 4)
	handler := func(msg bus.Message) {
		if resp, ok := msg.Payload.(opus.Response); ok {
			select {
			case responses <- resp:
			default:
			}
		}
	}
	subStart := r.bus.Subscribe("opus.response.start", handler)
	defer subStart.Unsubscribe()
	subStatus := r.bus.Subscribe("opus.response.status", handler)
	defer subStatus.Unsubscribe()

	log.Info().Dur("duration", duration).Msg("Starting measurement")
	r.bus.Publish("opus.request.command", "start")

	select {
	case resp := <-responses:
		if resp.Err != nil {
			return errcode.New(errcode.DeviceError, "script run",
				fmt.Sprintf("start failed: %s", resp.Err.Text))
		}
	case <-time.After(r.StepTimeout):
		return errcode.New(errcode.Timeout, "script run", "no response to start command")
	}

	deadline := time.After(duration + r.StepTimeout)
	ticker := time.NewTicker(r.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.bus.Publish("opus.request.status", nil)
		case resp := <-responses:
			if resp.Err != nil {
				return errcode.New(errcode.DeviceError, "script run",
					fmt.Sprintf("measurement failed: %s", resp.Err.Text))
			}
			if resp.Status == opus.StatusConnected {
				log.Info().Msg("Measurement finished")
				return nil
			}
		case <-deadline:
			return errcode.New(errcode.Timeout, "script run", "measurement did not finish in time")
		}
	}
}
