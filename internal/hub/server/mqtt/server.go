// Package mqtt is the MQTT ingress of the hub. Vehicles publish samples and
// accident reports on {root}/telemetry/{id} and {root}/accident/{id}.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autopeer-io/v2x/internal/hub/service"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/log"
	pkgmqtt "github.com/autopeer-io/v2x/pkg/mqtt"
	"github.com/autopeer-io/v2x/pkg/mqtt/topic"
)

const qos = 1

// ErrNotConnected is reported by Ready while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt broker not connected")

// Server implements the MQTT ingress layer.
type Server struct {
	client pkgmqtt.Client
	topics *topic.Builder
	group  string
	svc    *service.Service
	log    log.Logger
}

// NewServer creates a new MQTT server. A non-empty group subscribes through
// a shared subscription.
func NewServer(client pkgmqtt.Client, builder *topic.Builder, group string, svc *service.Service) *Server {
	return &Server{
		client: client,
		topics: builder,
		group:  group,
		svc:    svc,
		log:    log.WithName("mqtt-server"),
	}
}

// Start connects to the broker, subscribes and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.client.Disconnect(shutdownCtx)
	}()

	s.log.Info("Waiting for MQTT connection...")
	if err := s.client.AwaitConnection(ctx); err != nil {
		return err
	}

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// Ready is a readiness check.
func (s *Server) Ready(context.Context) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (s *Server) subscribe(ctx context.Context) error {
	subscriptions := []struct {
		suffix string
		filter string
		handle HandlerFunc
	}{
		{topic.SuffixTelemetry, s.topics.TelemetryWildcard(), JSONAdapter(s.handleTelemetry)},
		{topic.SuffixAccident, s.topics.AccidentWildcard(), JSONAdapter(s.handleAccident)},
	}

	for _, sub := range subscriptions {
		filter := topic.Shared(s.group, sub.filter)
		if err := s.client.Subscribe(ctx, filter, qos, s.dispatch(sub.suffix, sub.handle)); err != nil {
			return fmt.Errorf("failed to subscribe to topic: %s, err: %w", filter, err)
		}
	}
	return nil
}

func (s *Server) dispatch(suffix string, handle HandlerFunc) pkgmqtt.MessageHandler {
	return func(ctx context.Context, t string, payload []byte) {
		vid, ok := s.topics.VehicleID(suffix, t)
		if !ok {
			s.log.Warn("Dropping message on malformed topic", "topic", t)
			return
		}
		if err := handle(ctx, vid, payload); err != nil {
			s.log.Error(err, "Handler execution failed", "topic", t)
		}
	}
}

func (s *Server) handleTelemetry(ctx context.Context, vid string, sample telemetry.Sample) error {
	if err := bindVehicle(&sample.VehicleID, vid); err != nil {
		return err
	}
	_, err := s.svc.UpdateTelemetry(ctx, sample)
	return err
}

func (s *Server) handleAccident(ctx context.Context, vid string, report telemetry.AccidentReport) error {
	if err := bindVehicle(&report.VehicleID, vid); err != nil {
		return err
	}
	res, err := s.svc.ReportAccident(ctx, report)
	if err != nil {
		return err
	}
	s.log.Info("Accident reported over MQTT", "vehicleID", vid, "ledger", res.Ledger.Outcome)
	return nil
}

// bindVehicle fills an empty payload id from the topic and rejects a payload
// that names another vehicle.
func bindVehicle(payloadID *string, topicID string) error {
	switch *payloadID {
	case "":
		*payloadID = topicID
	case topicID:
	default:
		return fmt.Errorf("%w: payload vehicle %q published on topic of %q", ledger.ErrValidation, *payloadID, topicID)
	}
	return nil
}
