// devices/opus/simulator_test.go
package opus

import (
	"testing"
	"time"

	"frog/bus"
	"frog/hardware"
)

func newTestSimulator(d time.Duration) *Simulator {
	instance := hardware.InstanceRef{BaseType: "spectrometer"}
	return NewSimulator(bus.New(), instance, d)
}

func TestSimulatorStartsIdle(t *testing.T) {
	sim := newTestSimulator(time.Second)
	defer sim.Close()
	if got := sim.Status(); got != StatusIdle {
		t.Errorf("initial state = %v, want idle", got)
	}
}

func TestCommandsRejectedInIdle(t *testing.T) {
	cases := []struct {
		command string
		want    ErrorInfo
	}{
		{"start", ErrNotConnected},
		{"stop", ErrNotRunningOrFinishing},
		{"cancel", ErrNotRunning},
		{"status", ErrNotConnected},
		{"made_up", ErrUnknownCommand},
	}
	for _, c := range cases {
		sim := newTestSimulator(time.Second)
		resp := sim.RunCommand(c.command)
		if resp.Err == nil || *resp.Err != c.want {
			t.Errorf("%s in idle: error = %v, want %v", c.command, resp.Err, c.want)
		}
		if sim.Status() != StatusIdle {
			t.Errorf("%s in idle: state changed to %v", c.command, sim.Status())
		}
		sim.Close()
	}
}

func TestMeasurementLifecycle(t *testing.T) {
	sim := newTestSimulator(time.Hour) // never fires during the test
	defer sim.Close()

	steps := []struct {
		command string
		want    Status
	}{
		{"connect", StatusConnected},
		{"start", StatusMeasuring},
		{"stop", StatusConnected},
	}
	for _, s := range steps {
		resp := sim.RunCommand(s.command)
		if resp.Err != nil {
			t.Fatalf("%s: unexpected error %v", s.command, resp.Err)
		}
		if resp.Status != s.want {
			t.Fatalf("%s: state = %v, want %v", s.command, resp.Status, s.want)
		}
		if resp.Text != s.want.Label() {
			t.Errorf("%s: text = %q, want %q", s.command, resp.Text, s.want.Label())
		}
	}
}

func TestConnectTwiceNotIdle(t *testing.T) {
	sim := newTestSimulator(time.Second)
	defer sim.Close()

	sim.RunCommand("connect")
	resp := sim.RunCommand("connect")
	if resp.Err == nil || *resp.Err != ErrNotIdle {
		t.Errorf("second connect: error = %v, want not-idle", resp.Err)
	}
	if sim.Status() != StatusConnected {
		t.Errorf("state = %v, want connected", sim.Status())
	}
}

func TestMeasurementCompletesOnTimer(t *testing.T) {
	sim := newTestSimulator(10 * time.Millisecond)
	defer sim.Close()

	sim.RunCommand("connect")
	sim.RunCommand("start")

	deadline := time.Now().Add(time.Second)
	for sim.Status() != StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("measurement never completed, state %v", sim.Status())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelStopsTimer(t *testing.T) {
	sim := newTestSimulator(30 * time.Millisecond)
	defer sim.Close()

	sim.RunCommand("connect")
	sim.RunCommand("start")
	resp := sim.RunCommand("cancel")
	if resp.Err != nil {
		t.Fatalf("cancel: unexpected error %v", resp.Err)
	}
	if resp.Status != StatusConnected {
		t.Fatalf("cancel: state = %v, want connected", resp.Status)
	}

	// The timer must not fire after a cancel.
	time.Sleep(60 * time.Millisecond)
	if got := sim.Status(); got != StatusConnected {
		t.Errorf("state after cancelled timer = %v, want connected", got)
	}
}

func TestRequestTopicsPublishResponses(t *testing.T) {
	b := bus.New()
	instance := hardware.InstanceRef{BaseType: "spectrometer"}
	sim := NewSimulator(b, instance, time.Second)
	defer sim.Close()

	var got Response
	received := false
	b.Subscribe("opus.response.connect", func(msg bus.Message) {
		got = msg.Payload.(Response)
		received = true
	})

	b.Publish("opus.request.command", "connect")
	if !received {
		t.Fatal("no response event published")
	}
	if got.Status != StatusConnected || got.Err != nil {
		t.Errorf("unexpected response %+v", got)
	}

	var statusResp Response
	b.Subscribe("opus.response.status", func(msg bus.Message) {
		statusResp = msg.Payload.(Response)
	})
	b.Publish("opus.request.status", nil)
	if statusResp.Status != StatusConnected {
		t.Errorf("status response %+v, want connected", statusResp)
	}
}
