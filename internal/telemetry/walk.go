package telemetry

import (
	"math/rand/v2"

	"github.com/autopeer-io/v2x/internal/geo"
	"github.com/autopeer-io/v2x/pkg/options"
)

// Walk shapes the simulated movement.
type Walk struct {
	Start geo.Point

	// Step is the width in degrees of the uniform move per tick.
	Step float64

	// Speeds are drawn uniformly from [MinSpeed, MaxSpeed) km/h.
	MinSpeed int
	MaxSpeed int

	StopProbability float64
}

// WalkFromOptions shapes a Walk from o.
func WalkFromOptions(o *options.TelemetryOptions) Walk {
	return Walk{
		Start:           geo.Point{Lat: o.StartLat, Long: o.StartLong},
		Step:            o.Step,
		MinSpeed:        o.MinSpeed,
		MaxSpeed:        o.MaxSpeed,
		StopProbability: o.StopProbability,
	}
}

// Walker is a random walk over Walk. It is not safe for concurrent use.
type Walker struct {
	walk Walk
	rng  *rand.Rand
	pos  geo.Point
}

// NewWalker starts a walk at w.Start drawing from rng.
func NewWalker(w Walk, rng *rand.Rand) *Walker {
	return &Walker{walk: w, rng: rng, pos: w.Start}
}

// Next moves one step and returns the new position and speed in km/h.
func (w *Walker) Next() (geo.Point, float64) {
	wk := w.walk
	w.pos.Lat = clamp(w.pos.Lat+(w.rng.Float64()-0.5)*wk.Step, -90, 90)
	w.pos.Long = clamp(w.pos.Long+(w.rng.Float64()-0.5)*wk.Step, -180, 180)

	speed := wk.MinSpeed
	if wk.MaxSpeed > wk.MinSpeed {
		speed += w.rng.IntN(wk.MaxSpeed - wk.MinSpeed)
	}
	if w.rng.Float64() < wk.StopProbability {
		speed = 0
	}
	return w.pos, float64(speed)
}

// Position is the current position.
func (w *Walker) Position() geo.Point {
	return w.pos
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
