// hardware/registry.go
package hardware

import (
	"sync"

	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/errcode"
)

// Recorder receives lifecycle counts for instrumentation. Implementations
// live outside this package; a nil Recorder disables recording.
type Recorder interface {
	DeviceOpened(baseType string)
	DeviceClosed(baseType string)
	DeviceError(baseType string)
}

// Registry is the single authority mapping InstanceRef -> Device. It
// subscribes to device.open, device.close and device.error requests on the
// bus and emits the corresponding lifecycle events.
type Registry struct {
	bus *bus.Bus
	rec Recorder

	mu      sync.Mutex
	devices map[InstanceRef]Device

	subs []*bus.Subscription
}

func NewRegistry(b *bus.Bus, rec Recorder) *Registry {
	r := &Registry{
		bus:     b,
		rec:     rec,
		devices: map[InstanceRef]Device{},
	}
	r.subs = append(r.subs,
		b.Subscribe("device.open", r.onOpen),
		b.Subscribe("device.close", r.onClose),
		b.Subscribe("device.error", r.onError),
	)
	return r
}

// GetInstance returns the open device for a base type and optional name, or
// false when no such device is registered.
func (r *Registry) GetInstance(baseType, name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[InstanceRef{BaseType: baseType, Name: name}]
	return dev, ok
}

// Open resolves classKey, closes any device already occupying the instance
// slot, and constructs the new device. Construction failure is reported via
// a device.error event; it is never propagated past the registry boundary.
func (r *Registry) Open(instance InstanceRef, classKey string, params map[string]any) {
	log.Info().
		Str("base_type", instance.BaseType).
		Str("class", classKey).
		Msg("Opening device")

	builder, ok := Lookup(classKey)
	if !ok {
		r.reportOpenError(instance, errcode.New(
			errcode.Validation, "open device", "unknown device class "+classKey))
		return
	}

	r.mu.Lock()
	old, replacing := r.devices[instance]
	if replacing {
		delete(r.devices, instance)
	}
	r.mu.Unlock()
	if replacing {
		log.Warn().Str("instance", instance.Topic()).Msg("Replacing existing instance of device")
		r.tryClose(old)
	}

	// If this instance also has a name (e.g. "hot_bb") pass it to the
	// constructor; the original params map is left untouched for the
	// opening event.
	buildParams := params
	if instance.Name != "" {
		buildParams = make(map[string]any, len(params)+1)
		for k, v := range params {
			buildParams[k] = v
		}
		buildParams["name"] = instance.Name
	}

	dev, err := builder.Build(BuildInput{Bus: r.bus, Instance: instance, Params: buildParams})
	if err != nil {
		r.reportOpenError(instance, err)
		return
	}

	r.mu.Lock()
	r.devices[instance] = dev
	r.mu.Unlock()

	log.Info().Str("instance", instance.Topic()).Msg("Opened device")
	if r.rec != nil {
		r.rec.DeviceOpened(instance.BaseType)
	}

	// Two events: "opening" always runs before "opened" so some listeners
	// can react before others when partial work may need undoing.
	r.bus.Publish("device.opening."+instance.Topic(), OpeningEvent{
		Instance: instance,
		Class:    classKey,
		Params:   params,
	})
	r.bus.Publish("device.opened."+instance.Topic(), instance)
}

func (r *Registry) reportOpenError(instance InstanceRef, err error) {
	log.Error().Str("instance", instance.Topic()).Err(err).Msg("Failed to open device")
	if r.rec != nil {
		r.rec.DeviceError(instance.BaseType)
	}
	r.bus.Publish("device.error."+instance.Topic(), ErrorEvent{Instance: instance, Err: err})
}

// Close closes the device occupying instance, if any. Closing an empty slot
// is a no-op.
func (r *Registry) Close(instance InstanceRef) {
	r.mu.Lock()
	dev, ok := r.devices[instance]
	if ok {
		delete(r.devices, instance)
	}
	r.mu.Unlock()
	if ok {
		r.tryClose(dev)
	}
}

// tryClose attempts to close a device, logging rather than propagating any
// failure, and always emits the closed event afterwards.
func (r *Registry) tryClose(dev Device) {
	instance := dev.InstanceRef()
	log.Info().Str("instance", instance.Topic()).Msg("Closing device")

	if err := dev.Close(); err != nil {
		log.Warn().Str("instance", instance.Topic()).Err(err).Msg("Error while closing device")
	}
	if r.rec != nil {
		r.rec.DeviceClosed(instance.BaseType)
	}
	r.bus.Publish("device.closed."+instance.Topic(), instance)
}

// CloseAll closes every registered device; one device's failure does not
// block closing the others.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	devs := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devs = append(devs, dev)
	}
	r.devices = map[InstanceRef]Device{}
	r.mu.Unlock()

	for _, dev := range devs {
		r.tryClose(dev)
	}
}

// Shutdown closes all devices and detaches the registry from the bus.
func (r *Registry) Shutdown() {
	r.CloseAll()
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	r.subs = nil
}

// Active returns the instance refs of all currently open devices.
func (r *Registry) Active() []InstanceRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]InstanceRef, 0, len(r.devices))
	for ref := range r.devices {
		refs = append(refs, ref)
	}
	return refs
}

// ---- bus handlers ----

func (r *Registry) onOpen(msg bus.Message) {
	args, ok := msg.Payload.(OpenArgs)
	if !ok {
		log.Error().Str("topic", msg.Topic).Msg("Ignoring open request with wrong payload type")
		return
	}
	r.Open(args.Instance, args.Class, args.Params)
}

func (r *Registry) onClose(msg bus.Message) {
	if instance, ok := msg.Payload.(InstanceRef); ok {
		r.Close(instance)
	}
}

// onError treats all device errors as fatal.
func (r *Registry) onError(msg bus.Message) {
	ev, ok := msg.Payload.(ErrorEvent)
	if !ok {
		return
	}
	if r.rec != nil {
		r.rec.DeviceError(ev.Instance.BaseType)
	}
	r.Close(ev.Instance)
}
