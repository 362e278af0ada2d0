// devices/ftsw500/ftsw500_test.go
package ftsw500

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"frog/bus"
	"frog/errcode"
	"frog/hardware"
)

func TestParseResponse(t *testing.T) {
	cases := []struct {
		reply     string
		status    Status
		hasStatus bool
		code      errcode.Code
	}{
		{"ACK&0\n", StatusIdle, true, errcode.OK},
		{"ACK&1\n", StatusConnecting, true, errcode.OK},
		{"ACK&2\n", StatusConnected, true, errcode.OK},
		{"ACK&3\n", StatusMeasuring, true, errcode.OK},
		{"ACK&-1\n", StatusConnecting, true, errcode.OK}, // transient state
		{"NAK&2\n", StatusConnected, true, errcode.OK},
		{"ACK\n", 0, false, errcode.OK},
		{"NAK\n", 0, false, errcode.OK},
		{"ACK&true\n", 0, false, errcode.OK}, // in-band message, not a status
		{"ACK&7\n", 0, false, errcode.Malformed},
		{"banana\n", 0, false, errcode.Malformed},
	}
	for _, c := range cases {
		status, ok, err := parseResponse(c.reply)
		if c.code != errcode.OK {
			if !errcode.Is(err, c.code) {
				t.Errorf("%q: got error %v, want code %v", c.reply, err, c.code)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", c.reply, err)
			continue
		}
		if ok != c.hasStatus {
			t.Errorf("%q: hasStatus = %v, want %v", c.reply, ok, c.hasStatus)
		}
		if ok && status != c.status {
			t.Errorf("%q: status = %v, want %v", c.reply, status, c.status)
		}
	}
}

// server answers commands on the other end of a pipe and records them.
type server struct {
	mu       sync.Mutex
	commands []string
	respond  func(cmd string) string
}

func (s *server) run(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(line, "\n")
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		reply := s.respond(cmd)
		s.mu.Unlock()
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (s *server) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *server) setRespond(fn func(string) string) {
	s.mu.Lock()
	s.respond = fn
	s.mu.Unlock()
}

// quiet answers a status query with state and denies any open dialogs.
func quiet(state string) func(string) string {
	return func(cmd string) string {
		switch cmd {
		case "getFTSW500State":
			return "ACK&" + state + "\n"
		case "isModalMessageDisplayed", "isNonModalMessageDisplayed":
			return "ACK&false\n"
		default:
			return "ACK\n"
		}
	}
}

func newTestFTSW500(t *testing.T, b *bus.Bus, srv *server) *FTSW500 {
	t.Helper()
	client, remote := net.Pipe()
	go srv.run(remote)

	instance := hardware.InstanceRef{BaseType: "spectrometer"}
	dev, err := New(b, instance, client, 0)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestInitialStatusQuery(t *testing.T) {
	srv := &server{respond: quiet("0")}
	dev := newTestFTSW500(t, bus.New(), srv)
	defer dev.Close()

	if got := dev.Status(); got != StatusIdle {
		t.Errorf("status = %v, want idle", got)
	}
	if cmds := srv.received(); len(cmds) == 0 || cmds[0] != "getFTSW500State" {
		t.Errorf("first command = %v, want getFTSW500State", cmds)
	}
}

func TestStatusChangePublishes(t *testing.T) {
	b := bus.New()
	changes := make(chan Status, 4)
	b.Subscribe("device.spectrometer.status", func(msg bus.Message) {
		changes <- msg.Payload.(Status)
	})

	srv := &server{respond: quiet("0")}
	dev := newTestFTSW500(t, b, srv)
	defer dev.Close()

	// Initial query moves undefined -> idle.
	select {
	case got := <-changes:
		if got != StatusIdle {
			t.Fatalf("first status change = %v, want idle", got)
		}
	default:
		t.Fatal("no status change published for the initial query")
	}

	// An unchanged status publishes nothing.
	if err := dev.RequestStatus(); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-changes:
		t.Fatalf("unexpected status change %v", got)
	default:
	}

	srv.setRespond(quiet("2"))
	if err := dev.RequestStatus(); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-changes:
		if got != StatusConnected {
			t.Fatalf("status change = %v, want connected", got)
		}
	default:
		t.Fatal("no status change published")
	}
}

func TestDialogDrain(t *testing.T) {
	srv := &server{}
	srv.respond = func(cmd string) string {
		switch cmd {
		case "getFTSW500State":
			return "ACK&0\n"
		case "isNonModalMessageDisplayed":
			return "ACK&true\n"
		case "getLastNonModalMessageDisplayed":
			return "ACK&something went wrong\n"
		case "isModalMessageDisplayed":
			return "ACK&false\n"
		default:
			return "ACK\n"
		}
	}
	dev := newTestFTSW500(t, bus.New(), srv)
	defer dev.Close()

	cmds := srv.received()
	var sawGet, sawDismiss bool
	for _, c := range cmds {
		if c == "getLastNonModalMessageDisplayed" {
			sawGet = true
		}
		if c == "closeNonModalDialogMessage" {
			sawDismiss = true
		}
	}
	if !sawGet || !sawDismiss {
		t.Errorf("dialog not drained, commands: %v", cmds)
	}
}

func TestCloseDisconnectsWhenConnected(t *testing.T) {
	srv := &server{respond: quiet("2")}
	dev := newTestFTSW500(t, bus.New(), srv)

	if got := dev.Status(); got != StatusConnected {
		t.Fatalf("status = %v, want connected", got)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	var sawDisconnect bool
	for _, c := range srv.received() {
		if c == "clickDisconnectButton" {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("close never sent clickDisconnectButton")
	}
}

func TestPollFailurePublishesDeviceError(t *testing.T) {
	b := bus.New()
	got := make(chan hardware.ErrorEvent, 1)
	b.Subscribe("device.error.spectrometer", func(msg bus.Message) {
		select {
		case got <- msg.Payload.(hardware.ErrorEvent):
		default:
		}
	})

	srv := &server{respond: quiet("0")}
	client, remote := net.Pipe()
	go srv.run(remote)

	instance := hardware.InstanceRef{BaseType: "spectrometer"}
	dev, err := New(b, instance, client, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	// Kill the link; the next poll must report a transport error.
	remote.Close()

	select {
	case ev := <-got:
		if !errcode.Is(ev.Err, errcode.Transport) {
			t.Errorf("unexpected error %v", ev.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no device error published")
	}
}
