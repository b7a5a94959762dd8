package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*TelemetryOptions)(nil)

// TelemetryOptions shapes the simulated per-vehicle telemetry walk.
type TelemetryOptions struct {
	Period time.Duration `json:"period" mapstructure:"period"`

	StartLat  float64 `json:"start-lat" mapstructure:"start-lat"`
	StartLong float64 `json:"start-long" mapstructure:"start-long"`

	// Step is the width in degrees of the uniform per-tick move, centred on zero.
	Step float64 `json:"step" mapstructure:"step"`

	// Speeds are drawn uniformly from [MinSpeed, MaxSpeed) km/h.
	MinSpeed int `json:"min-speed" mapstructure:"min-speed"`
	MaxSpeed int `json:"max-speed" mapstructure:"max-speed"`

	// StopProbability forces a zero speed on a tick.
	StopProbability float64 `json:"stop-probability" mapstructure:"stop-probability"`
}

func NewTelemetryOptions() *TelemetryOptions {
	return &TelemetryOptions{
		Period:          2 * time.Second,
		StartLat:        12.9716,
		StartLong:       77.5946,
		Step:            0.001,
		MinSpeed:        20,
		MaxSpeed:        80,
		StopProbability: 0.05,
	}
}

func (o *TelemetryOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if o.Period <= 0 {
		errs = append(errs, errors.New("--telemetry.period must be positive"))
	}
	if o.StartLat < -90 || o.StartLat > 90 || o.StartLong < -180 || o.StartLong > 180 {
		errs = append(errs, errors.New("--telemetry.start-lat/start-long out of range"))
	}
	if o.Step < 0 {
		errs = append(errs, errors.New("--telemetry.step must not be negative"))
	}
	if o.MinSpeed < 0 || o.MaxSpeed <= o.MinSpeed {
		errs = append(errs, errors.New("--telemetry.min-speed must be non-negative and below --telemetry.max-speed"))
	}
	if o.StopProbability < 0 || o.StopProbability > 1 {
		errs = append(errs, errors.New("--telemetry.stop-probability must be within [0, 1]"))
	}

	return errs
}

func (o *TelemetryOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Period, "telemetry.period", o.Period, "Interval between simulated telemetry samples.")
	fs.Float64Var(&o.StartLat, "telemetry.start-lat", o.StartLat, "Latitude every simulated vehicle starts from.")
	fs.Float64Var(&o.StartLong, "telemetry.start-long", o.StartLong, "Longitude every simulated vehicle starts from.")
	fs.Float64Var(&o.Step, "telemetry.step", o.Step, "Width in degrees of the random move per tick.")
	fs.IntVar(&o.MinSpeed, "telemetry.min-speed", o.MinSpeed, "Lowest simulated speed in km/h.")
	fs.IntVar(&o.MaxSpeed, "telemetry.max-speed", o.MaxSpeed, "Exclusive upper bound of the simulated speed in km/h.")
	fs.Float64Var(&o.StopProbability, "telemetry.stop-probability", o.StopProbability, "Probability that a tick reports a stopped vehicle.")
}
