// Package seneca reads the Seneca K107 analogue-to-digital converter that
// digitizes the instrument's thermometer inputs.
//
// The converter answers a fixed Modbus read-holding-registers request with a
// 21 byte frame carrying eight big-endian channel values. Raw values are
// converted to temperatures through the configured millivolt range.
package seneca

import (
	"encoding/binary"
	"fmt"
	"time"

	"frog/bus"
	"frog/config"
	"frog/errcode"
	"frog/hardware"
	"frog/serialio"
	"frog/x/mathx"
)

const (
	DefaultBaudRate = 57600

	// NumChannels is the number of analogue channels the K107 reports.
	NumChannels = 8

	responseLen = 21 // addr + func + count + 16 data bytes + CRC16
)

// Calibration maps raw channel readings onto temperatures.
type Calibration struct {
	MinTemp    float64
	MaxTemp    float64
	MinVoltage float64
	MaxVoltage float64
}

// DefaultCalibration matches the thermometers shipped with the instrument.
func DefaultCalibration() Calibration {
	return Calibration{MinTemp: -80, MaxTemp: 105, MinVoltage: 4, MaxVoltage: 20}
}

// crc16 computes the CRC-16/MODBUS of data.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// requestFrame builds the read request for all eight channels: read 8 holding
// registers starting at address 2, CRC appended little-endian.
func requestFrame() []byte {
	frame := []byte{0x01, 0x03, 0x00, 0x02, 0x00, 0x08}
	return binary.LittleEndian.AppendUint16(frame, crc16(frame))
}

// Data is the payload published for each completed poll.
type Data struct {
	Time     time.Time `json:"time"`
	Readings []float64 `json:"readings"`
}

// Seneca polls one K107 converter over a serial port.
type Seneca struct {
	instance hardware.InstanceRef
	bus      *bus.Bus
	port     serialio.Port
	cal      Calibration

	done chan struct{}
}

// New wraps an open port and starts polling at the given interval. A
// non-positive interval disables the poll loop, leaving reads caller-driven.
func New(b *bus.Bus, instance hardware.InstanceRef, port serialio.Port, cal Calibration, interval time.Duration) *Seneca {
	s := &Seneca{
		instance: instance,
		bus:      b,
		port:     port,
		cal:      cal,
		done:     make(chan struct{}),
	}
	if interval > 0 {
		go s.poll(interval)
	}
	return s
}

func (s *Seneca) InstanceRef() hardware.InstanceRef { return s.instance }

func (s *Seneca) Close() error {
	close(s.done)
	return s.port.Close()
}

// -----------------------------------------------------------------------------
// Frame engine
// -----------------------------------------------------------------------------

// Request sends the fixed read request.
func (s *Seneca) Request() error {
	if _, err := s.port.Write(requestFrame()); err != nil {
		return errcode.Wrap(errcode.Transport, "seneca request", err)
	}
	return nil
}

// Read collects one response frame, draining whatever the converter sends
// until the link goes quiet. A frame of any length other than responseLen is
// malformed, so trailing garbage cannot bleed into the next poll; no bytes
// at all is a timeout.
func (s *Seneca) Read() ([]byte, error) {
	buf := make([]byte, 0, responseLen)
	chunk := make([]byte, 64)
	for len(buf) <= responseLen {
		n, err := s.port.Read(chunk)
		if err != nil {
			return nil, errcode.Wrap(errcode.Transport, "seneca read", err)
		}
		if n == 0 {
			break
		}
		buf = append(buf, chunk[:n]...)
	}
	if len(buf) == 0 {
		return nil, errcode.New(errcode.Timeout, "seneca read", "no response")
	}
	if len(buf) != responseLen {
		return nil, errcode.New(errcode.Malformed, "seneca read",
			fmt.Sprintf("expected %d bytes, got %d", responseLen, len(buf)))
	}
	return buf, nil
}

// Parse extracts the eight channel temperatures from a response frame.
func (s *Seneca) Parse(data []byte) ([]float64, error) {
	if len(data) != responseLen {
		return nil, errcode.New(errcode.Malformed, "seneca parse",
			fmt.Sprintf("expected %d bytes, got %d", responseLen, len(data)))
	}
	readings := make([]float64, NumChannels)
	for i := 0; i < NumChannels; i++ {
		raw := binary.BigEndian.Uint16(data[3+2*i:])
		readings[i] = s.calcTemperature(raw)
	}
	return readings, nil
}

// calcTemperature maps a raw channel value onto the calibrated range.
func (s *Seneca) calcTemperature(raw uint16) float64 {
	millivolts := float64(raw) / 1000
	return mathx.MapRange(millivolts,
		s.cal.MinVoltage, s.cal.MaxVoltage, s.cal.MinTemp, s.cal.MaxTemp)
}

// ReadTemperatures performs one full request/response cycle.
func (s *Seneca) ReadTemperatures() ([]float64, error) {
	if err := s.Request(); err != nil {
		return nil, err
	}
	data, err := s.Read()
	if err != nil {
		return nil, err
	}
	return s.Parse(data)
}

// -----------------------------------------------------------------------------
// Polling
// -----------------------------------------------------------------------------

// poll reads the channels on every tick. The first failure is reported as a
// device error and ends the loop; the registry closes the device in response.
func (s *Seneca) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		readings, err := s.ReadTemperatures()
		if err != nil {
			s.bus.Publish("device.error."+s.instance.Topic(),
				hardware.ErrorEvent{Instance: s.instance, Err: err})
			return
		}
		s.bus.Publish("device."+config.SensorsTopic+".data",
			Data{Time: time.Now(), Readings: readings})
	}
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func init() {
	hardware.Register("seneca_k107", hardware.BuilderFunc(build))
}

func build(in hardware.BuildInput) (hardware.Device, error) {
	path, _ := in.Params["port"].(string)
	if path == "" {
		return nil, errcode.New(errcode.Validation, "seneca", "missing port parameter")
	}
	baud := DefaultBaudRate
	if b, ok := in.Params["baudrate"].(int); ok {
		baud = b
	}
	cal := DefaultCalibration()
	if v, ok := in.Params["min_temp"].(float64); ok {
		cal.MinTemp = v
	}
	if v, ok := in.Params["max_temp"].(float64); ok {
		cal.MaxTemp = v
	}
	if v, ok := in.Params["min_millivolts"].(float64); ok {
		cal.MinVoltage = v
	}
	if v, ok := in.Params["max_millivolts"].(float64); ok {
		cal.MaxVoltage = v
	}
	port, err := serialio.Open(path, baud, config.SerialTimeout)
	if err != nil {
		return nil, err
	}
	return New(in.Bus, in.Instance, port, cal, config.SenecaPollInterval), nil
}
