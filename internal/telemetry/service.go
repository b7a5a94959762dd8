package telemetry

import (
	"context"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/pkg/log"
)

// Service accepts samples from any source, keeps the latest one per vehicle
// and hands each accepted sample to every sink in order.
type Service struct {
	store *Store
	sinks []Sink
	clock clock.PassiveClock
	log   log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSinks appends downstream consumers.
func WithSinks(sinks ...Sink) ServiceOption {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// WithServiceClock replaces the real clock used to stamp samples.
func WithServiceClock(c clock.PassiveClock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// NewService returns a Service over store.
func NewService(store *Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		clock: clock.RealClock{},
		log:   log.WithName("telemetry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update validates s, stamps it when it carries no timestamp, stores it and
// runs the sinks. Sink failures are logged: the sample is accepted either way.
func (s *Service) Update(ctx context.Context, sample Sample) (Sample, error) {
	if err := sample.Validate(); err != nil {
		return Sample{}, err
	}
	if sample.Timestamp == 0 {
		sample.Timestamp = s.clock.Now().UnixMilli()
	}

	s.store.Update(sample)

	for _, sink := range s.sinks {
		if err := sink.Consume(ctx, sample); err != nil {
			s.log.Warn("Sample consumer failed", "vehicleID", sample.VehicleID, "err", err)
		}
	}
	return sample, nil
}

// Latest returns the latest sample of id.
func (s *Service) Latest(id string) (Sample, bool) {
	return s.store.Latest(id)
}

// All returns the latest sample of every vehicle.
func (s *Service) All() []Sample {
	return s.store.All()
}
