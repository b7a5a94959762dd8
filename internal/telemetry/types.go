// Package telemetry keeps the latest position of every vehicle, drives the
// simulated per-vehicle telemetry tasks and fans accepted samples out to
// downstream consumers.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/autopeer-io/v2x/internal/ledger"
)

// Sample is one position report of a vehicle.
type Sample struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Long      float64 `json:"long"`
	Speed     float64 `json:"speed"`

	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Time returns the sample timestamp.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Validate checks that s names a vehicle and a position on the globe.
func (s Sample) Validate() error {
	if s.VehicleID == "" {
		return fmt.Errorf("%w: vehicle id is required", ledger.ErrValidation)
	}
	if math.IsNaN(s.Lat) || s.Lat < -90 || s.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ledger.ErrValidation, s.Lat)
	}
	if math.IsNaN(s.Long) || s.Long < -180 || s.Long > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ledger.ErrValidation, s.Long)
	}
	if math.IsNaN(s.Speed) || s.Speed < 0 {
		return fmt.Errorf("%w: speed must not be negative", ledger.ErrValidation)
	}
	return nil
}

// MaxAccidentSpeed bounds the speed of a report so it fits the ledger's
// integer speed field.
const MaxAccidentSpeed = math.MaxInt32

// AccidentReport is an externally triggered accident.
type AccidentReport struct {
	// ID is assigned when the report is recorded.
	ID string `json:"id,omitempty"`

	VehicleID string  `json:"vehicleId"`
	Location  string  `json:"location"`
	Speed     float64 `json:"speed"`
	Details   string  `json:"details"`

	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks the mandatory fields of r.
func (r AccidentReport) Validate() error {
	if r.VehicleID == "" {
		return fmt.Errorf("%w: vehicle id is required", ledger.ErrValidation)
	}
	if r.Location == "" {
		return fmt.Errorf("%w: location is required", ledger.ErrValidation)
	}
	if math.IsNaN(r.Speed) || r.Speed < 0 {
		return fmt.Errorf("%w: speed must not be negative", ledger.ErrValidation)
	}
	if r.Speed > MaxAccidentSpeed {
		return fmt.Errorf("%w: speed %g is out of range", ledger.ErrValidation, r.Speed)
	}
	return nil
}

// Sink consumes accepted samples. Consume must be safe for concurrent use
// across vehicles.
type Sink interface {
	Consume(ctx context.Context, s Sample) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, s Sample) error

func (f SinkFunc) Consume(ctx context.Context, s Sample) error { return f(ctx, s) }
