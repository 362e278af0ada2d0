package opus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/errcode"
	"frog/hardware"
)

// transition is one edge of the simulator's state machine.
type transition struct {
	from, to Status
}

// commandTransitions is the explicit transition table. Commands whose first
// edge does not match the current state fail with the command's error.
var commandTransitions = map[string][]transition{
	"connect": {{StatusIdle, StatusConnecting}, {StatusConnecting, StatusConnected}},
	"start":   {{StatusConnected, StatusMeasuring}},
	"stop":    {{StatusMeasuring, StatusFinishing}, {StatusFinishing, StatusConnected}},
	"cancel":  {{StatusMeasuring, StatusCancelling}, {StatusCancelling, StatusConnected}},
}

// commandErrors gives the error reported when a command is issued in a state
// it is not valid for. Codes and descriptions follow the OPUS manual.
var commandErrors = map[string]ErrorInfo{
	"connect": ErrNotIdle,
	"start":   ErrNotConnected,
	"stop":    ErrNotRunningOrFinishing,
	"cancel":  ErrNotRunning,
}

// Simulator mimics the OPUS remote service for running without an EM27.
// Measurements complete on a timer; cancelling stops the timer before the
// transition so no completion fires afterwards.
type Simulator struct {
	instance        hardware.InstanceRef
	bus             *bus.Bus
	measureDuration time.Duration

	mu    sync.Mutex
	state Status
	timer *time.Timer

	subs []*bus.Subscription
}

func NewSimulator(b *bus.Bus, instance hardware.InstanceRef, measureDuration time.Duration) *Simulator {
	if measureDuration <= 0 {
		measureDuration = config.DefaultMeasureDuration
	}
	s := &Simulator{
		instance:        instance,
		bus:             b,
		measureDuration: measureDuration,
		state:           StatusIdle,
	}
	s.subs = append(s.subs,
		b.Subscribe(topicRequestCommand, s.onRequestCommand),
		b.Subscribe(topicRequestStatus, s.onRequestStatus),
	)
	return s
}

func (s *Simulator) InstanceRef() hardware.InstanceRef { return s.instance }

func (s *Simulator) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return nil
}

// Status reports the simulator's current state.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunCommand executes a command, publishes the response event and returns it.
func (s *Simulator) RunCommand(command string) Response {
	s.mu.Lock()

	var cmdErr *ErrorInfo
	switch {
	case command == "status":
		// A status query is answered without a transition.
		if s.state == StatusIdle {
			e := ErrNotConnected
			cmdErr = &e
		}
	default:
		cmdErr = s.apply(command)
	}

	resp := Response{
		Command: command,
		Status:  s.state,
		Text:    s.state.Label(),
		Err:     cmdErr,
	}
	s.mu.Unlock()

	s.bus.Publish(topicResponsePrefix+command, resp)
	return resp
}

// apply walks the command's edges in the transition table. Called with the
// lock held.
func (s *Simulator) apply(command string) *ErrorInfo {
	steps, ok := commandTransitions[command]
	if !ok {
		e := ErrUnknownCommand
		return &e
	}
	if s.state != steps[0].from {
		e := commandErrors[command]
		return &e
	}

	if command == "cancel" && s.timer != nil {
		// Stop the timer first so a completion cannot fire mid-cancel.
		s.timer.Stop()
		s.timer = nil
	}

	for _, step := range steps {
		s.enter(step.to)
	}

	switch command {
	case "start":
		s.timer = time.AfterFunc(s.measureDuration, s.finishMeasurement)
	case "stop":
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		log.Info().Msg("Measurement complete")
	}
	return nil
}

// enter records a state change. Called with the lock held.
func (s *Simulator) enter(state Status) {
	s.state = state
	log.Info().Msgf("Current state: %s", state.Label())
}

// finishMeasurement ends a measurement successfully when the timer fires. A
// measurement cancelled in the meantime is left alone.
func (s *Simulator) finishMeasurement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatusMeasuring {
		return
	}
	s.timer = nil
	s.enter(StatusFinishing)
	s.enter(StatusConnected)
	log.Info().Msg("Measurement complete")
}

// -----------------------------------------------------------------------------
// Bus wiring
// -----------------------------------------------------------------------------

func (s *Simulator) onRequestCommand(msg bus.Message) {
	command, ok := msg.Payload.(string)
	if !ok {
		s.bus.Publish(topicError, hardware.ErrorEvent{
			Instance: s.instance,
			Err:      errcode.New(errcode.Validation, "opus request", "command must be a string"),
		})
		return
	}
	s.RunCommand(command)
}

func (s *Simulator) onRequestStatus(bus.Message) {
	s.RunCommand("status")
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func init() {
	hardware.Register("opus_dummy", hardware.BuilderFunc(func(in hardware.BuildInput) (hardware.Device, error) {
		duration := config.DefaultMeasureDuration
		if secs, ok := in.Params["measure_duration"].(float64); ok {
			duration = time.Duration(secs * float64(time.Second))
		}
		return NewSimulator(in.Bus, in.Instance, duration), nil
	}))
}
