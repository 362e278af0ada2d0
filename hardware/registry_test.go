// hardware/registry_test.go
package hardware

import (
	"errors"
	"testing"

	"frog/bus"
)

type fakeDevice struct {
	instance InstanceRef
	closed   int
	closeErr error
	params   map[string]any
}

func (d *fakeDevice) InstanceRef() InstanceRef { return d.instance }
func (d *fakeDevice) Close() error {
	d.closed++
	return d.closeErr
}

func registerFake(t *testing.T, classKey string) *[]*fakeDevice {
	t.Helper()
	built := &[]*fakeDevice{}
	if _, ok := Lookup(classKey); ok {
		t.Fatalf("class %q already registered", classKey)
	}
	Register(classKey, BuilderFunc(func(in BuildInput) (Device, error) {
		dev := &fakeDevice{instance: in.Instance, params: in.Params}
		*built = append(*built, dev)
		return dev, nil
	}))
	return built
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test_dup", BuilderFunc(func(BuildInput) (Device, error) { return nil, nil }))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("test_dup", BuilderFunc(func(BuildInput) (Device, error) { return nil, nil }))
}

func TestOpenEmitsOpeningThenOpened(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)
	registerFake(t, "test_order")

	var events []string
	b.Subscribe("device.opening", func(msg bus.Message) { events = append(events, "opening") })
	b.Subscribe("device.opened", func(msg bus.Message) { events = append(events, "opened") })

	instance := InstanceRef{BaseType: "mock"}
	r.Open(instance, "test_order", nil)

	if len(events) != 2 || events[0] != "opening" || events[1] != "opened" {
		t.Errorf("expected [opening opened], got %v", events)
	}
	if _, ok := r.GetInstance("mock", ""); !ok {
		t.Error("device not registered after open")
	}
}

func TestOpeningEventCarriesOriginalParams(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)
	built := registerFake(t, "test_params")

	var opening OpeningEvent
	b.Subscribe("device.opening", func(msg bus.Message) {
		opening = msg.Payload.(OpeningEvent)
	})

	params := map[string]any{"port": "COM1"}
	instance := InstanceRef{BaseType: "mock", Name: "hot_bb"}
	r.Open(instance, "test_params", params)

	// The constructor sees the injected name, the opening event does not.
	if (*built)[0].params["name"] != "hot_bb" {
		t.Error("name not injected into build params")
	}
	if _, ok := opening.Params["name"]; ok {
		t.Error("opening event should carry the original params")
	}
	if opening.Params["port"] != "COM1" {
		t.Error("opening event lost original params")
	}
}

func TestReplaceOnOpenClosesOldFirst(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)
	built := registerFake(t, "test_replace")

	var events []string
	b.Subscribe("device.closed", func(bus.Message) { events = append(events, "closed") })
	b.Subscribe("device.opened", func(bus.Message) { events = append(events, "opened") })

	instance := InstanceRef{BaseType: "mock"}
	r.Open(instance, "test_replace", nil)
	r.Open(instance, "test_replace", nil)

	if (*built)[0].closed != 1 {
		t.Error("old device not closed on replace")
	}
	want := []string{"opened", "closed", "opened"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestOpenConstructionFailure(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)

	boom := errors.New("no such port")
	Register("test_fail", BuilderFunc(func(BuildInput) (Device, error) {
		return nil, boom
	}))

	var ev ErrorEvent
	b.Subscribe("device.error", func(msg bus.Message) {
		ev = msg.Payload.(ErrorEvent)
	})

	instance := InstanceRef{BaseType: "mock", Name: "a"}
	r.Open(instance, "test_fail", nil)

	if !errors.Is(ev.Err, boom) {
		t.Errorf("error event should carry the construction error, got %v", ev.Err)
	}
	if _, ok := r.GetInstance("mock", "a"); ok {
		t.Error("failed device must not be registered")
	}
}

func TestOpenUnknownClass(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)

	errored := false
	b.Subscribe("device.error", func(bus.Message) { errored = true })

	r.Open(InstanceRef{BaseType: "mock"}, "test_never_registered", nil)
	if !errored {
		t.Error("expected an error event for an unknown class")
	}
}

func TestCloseAbsentIsNoOp(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)

	closed := false
	b.Subscribe("device.closed", func(bus.Message) { closed = true })

	r.Close(InstanceRef{BaseType: "nothing"})
	if closed {
		t.Error("closing an empty slot must not emit a closed event")
	}
}

func TestCloseEmitsEventEvenOnFailure(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)

	Register("test_badclose", BuilderFunc(func(in BuildInput) (Device, error) {
		return &fakeDevice{instance: in.Instance, closeErr: errors.New("stuck")}, nil
	}))

	closed := false
	b.Subscribe("device.closed", func(bus.Message) { closed = true })

	instance := InstanceRef{BaseType: "mock", Name: "bad"}
	r.Open(instance, "test_badclose", nil)
	r.Close(instance)

	if !closed {
		t.Error("closed event must be emitted even when Close fails")
	}
}

func TestDeviceErrorIsFatal(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)
	built := registerFake(t, "test_fatal")

	instance := InstanceRef{BaseType: "mock"}
	r.Open(instance, "test_fatal", nil)

	b.Publish("device.error."+instance.Topic(), ErrorEvent{Instance: instance, Err: errors.New("dead")})

	if (*built)[0].closed != 1 {
		t.Error("device error should close the device")
	}
	if _, ok := r.GetInstance("mock", ""); ok {
		t.Error("device should be evicted after a fatal error")
	}
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b, nil)

	Register("test_closeall", BuilderFunc(func(in BuildInput) (Device, error) {
		var err error
		if in.Instance.Name == "bad" {
			err = errors.New("stuck")
		}
		return &fakeDevice{instance: in.Instance, closeErr: err}, nil
	}))

	closedCount := 0
	b.Subscribe("device.closed", func(bus.Message) { closedCount++ })

	r.Open(InstanceRef{BaseType: "mock", Name: "bad"}, "test_closeall", nil)
	r.Open(InstanceRef{BaseType: "mock", Name: "good"}, "test_closeall", nil)
	r.CloseAll()

	if closedCount != 2 {
		t.Errorf("expected 2 closed events, got %d", closedCount)
	}
	if len(r.Active()) != 0 {
		t.Error("registry should be empty after CloseAll")
	}
}

func TestOpenArgsEqual(t *testing.T) {
	a := OpenArgs{
		Instance: InstanceRef{BaseType: "mock"},
		Class:    "c",
		Params:   map[string]any{"port": "COM1", "baud": 9600},
	}
	same := OpenArgs{
		Instance: InstanceRef{BaseType: "mock"},
		Class:    "c",
		Params:   map[string]any{"baud": 9600, "port": "COM1"},
	}
	diff := OpenArgs{
		Instance: InstanceRef{BaseType: "mock"},
		Class:    "c",
		Params:   map[string]any{"port": "COM2", "baud": 9600},
	}
	if !a.Equal(same) {
		t.Error("identical args should compare equal")
	}
	if a.Equal(diff) {
		t.Error("different params should not compare equal")
	}
}

func TestActiveDevicePropertiesNeverDisconnected(t *testing.T) {
	if _, err := NewActiveDeviceProperties(OpenArgs{}, Disconnected); err == nil {
		t.Error("disconnected state must be rejected")
	}
	if _, err := NewActiveDeviceProperties(OpenArgs{}, Connecting); err != nil {
		t.Errorf("connecting state should be accepted: %v", err)
	}
}
