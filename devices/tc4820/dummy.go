// devices/tc4820/dummy.go
package tc4820

import (
	"math/rand"
	"sync"

	"frog/bus"
	"frog/hardware"
	"frog/x/mathx"
)

// NoiseParams describes the gaussian noise a dummy property produces.
type NoiseParams struct {
	Mean   float64
	StdDev float64
	Seed   int64
}

func (p NoiseParams) producer() *rand.Rand { return rand.New(rand.NewSource(p.Seed)) }

// Dummy is a TC4820 stand-in that produces random noise for its properties,
// for running the application without hardware attached.
type Dummy struct {
	instance hardware.InstanceRef
	bus      *bus.Bus

	mu          sync.Mutex
	tempRNG     *rand.Rand
	powerRNG    *rand.Rand
	tempParams  NoiseParams
	powerParams NoiseParams
	alarmStatus int
	setPoint    float64

	subs []*bus.Subscription
}

func NewDummy(b *bus.Bus, instance hardware.InstanceRef) *Dummy {
	d := &Dummy{
		instance:    instance,
		bus:         b,
		tempParams:  NoiseParams{Mean: 35, StdDev: 2, Seed: 42},
		powerParams: NoiseParams{Mean: 40, StdDev: 2, Seed: 42},
		setPoint:    70,
	}
	d.tempRNG = d.tempParams.producer()
	d.powerRNG = d.powerParams.producer()

	topic := "device." + instance.Topic()
	d.subs = append(d.subs,
		b.Subscribe(topic+".request", d.onRequest),
		b.Subscribe(topic+".change_set_point", d.onChangeSetPoint),
	)
	return d
}

func (d *Dummy) InstanceRef() hardware.InstanceRef { return d.instance }

func (d *Dummy) Close() error {
	for _, s := range d.subs {
		s.Unsubscribe()
	}
	d.subs = nil
	return nil
}

func (d *Dummy) GetProperties() Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Power is a percentage; keep the noise inside the device's legal band.
	power := int(d.powerRNG.NormFloat64()*d.powerParams.StdDev + d.powerParams.Mean)
	return Properties{
		Temperature: d.tempRNG.NormFloat64()*d.tempParams.StdDev + d.tempParams.Mean,
		Power:       mathx.Clamp(power, 0, 100),
		AlarmStatus: d.alarmStatus,
		SetPoint:    d.setPoint,
	}
}

func (d *Dummy) onRequest(bus.Message) {
	d.bus.Publish("device."+d.instance.Topic()+".response", d.GetProperties())
}

func (d *Dummy) onChangeSetPoint(msg bus.Message) {
	if temperature, ok := msg.Payload.(float64); ok {
		d.mu.Lock()
		d.setPoint = temperature
		d.mu.Unlock()
	}
}

func init() {
	hardware.Register("tc4820_dummy", hardware.BuilderFunc(func(in hardware.BuildInput) (hardware.Device, error) {
		return NewDummy(in.Bus, in.Instance), nil
	}))
}
