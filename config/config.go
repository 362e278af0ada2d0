// Package config holds the constants and runtime settings shared across the
// hardware packages: bus topic names, angle presets, poll intervals and the
// JSON-decodable application config.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// -----------------------------------------------------------------------------
// Topic names
// -----------------------------------------------------------------------------

const (
	StepperMotorTopic          = "stepper_motor"
	TemperatureControllerTopic = "temperature_controller"
	SensorsTopic               = "sensors"
	SpectrometerTopic          = "spectrometer"
)

// -----------------------------------------------------------------------------
// Stepper motor presets
// -----------------------------------------------------------------------------

// AnglePresets maps preset names to mirror angles in degrees. The motor homes
// with the mirror facing downwards, which defines step zero.
var AnglePresets = map[string]float64{
	"zenith":  180.0,
	"nadir":   0.0,
	"hot_bb":  270.0,
	"cold_bb": 225.0,
	"home":    0.0,
}

// -----------------------------------------------------------------------------
// Timings
// -----------------------------------------------------------------------------

const (
	SerialTimeout = time.Second

	OPUSPollInterval    = time.Second
	FTSW500PollInterval = time.Second
	FTSW500Timeout      = 2 * time.Second

	SenecaPollInterval = time.Second

	DefaultMeasureDuration = time.Second
)

// -----------------------------------------------------------------------------
// Application config
// -----------------------------------------------------------------------------

// App is the runtime configuration for the frogd process.
type App struct {
	ListenAddr      string `json:"listen_addr"`
	OPUSHost        string `json:"opus_host"`
	FTSW500Host     string `json:"ftsw500_host"`
	FTSW500Port     int    `json:"ftsw500_port"`
	MeasureDuration int    `json:"measure_duration_secs"`
}

func Default() App {
	return App{
		ListenAddr:      ":8080",
		OPUSHost:        "10.10.0.1",
		FTSW500Host:     "localhost",
		FTSW500Port:     7778,
		MeasureDuration: 1,
	}
}

// Load reads an App config from a JSON file. Missing fields keep their
// defaults; a missing file returns the defaults unchanged.
func Load(path string) (App, error) {
	app := Default()
	if path == "" {
		return app, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return app, nil
		}
		return app, err
	}
	if err := json.Unmarshal(raw, &app); err != nil {
		return app, err
	}
	return app, nil
}
