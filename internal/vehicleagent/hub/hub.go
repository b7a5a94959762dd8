package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/mqtt"
	"github.com/autopeer-io/v2x/pkg/mqtt/topic"
)

const qos = 1

// SettlementFunc receives a settlement event the hub published for this
// vehicle, still JSON encoded.
type SettlementFunc func(ctx context.Context, payload []byte)

// MQTT publishes reports on the vehicle's own topics and listens for
// settlement events addressed to it.
type MQTT struct {
	vid          string
	mc           mqtt.Client
	topics       *topic.Builder
	onSettlement SettlementFunc
	log          log.Logger
}

var _ Sender = (*MQTT)(nil)

func NewMQTT(vid string, client mqtt.Client, topics *topic.Builder, onSettlement SettlementFunc) *MQTT {
	return &MQTT{
		vid:          vid,
		mc:           client,
		topics:       topics,
		onSettlement: onSettlement,
		log:          log.WithName("hub-mqtt").WithValues("vehicleID", vid),
	}
}

func (m *MQTT) SendTelemetry(ctx context.Context, s telemetry.Sample) error {
	return m.publish(ctx, m.topics.Telemetry(m.vid), s)
}

func (m *MQTT) ReportAccident(ctx context.Context, r telemetry.AccidentReport) error {
	return m.publish(ctx, m.topics.Accident(m.vid), r)
}

func (m *MQTT) publish(ctx context.Context, t string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := m.mc.Publish(ctx, t, qos, false, payload); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}

// Start connects, waits for the broker and subscribes to the settlement
// topic when a handler is set.
func (m *MQTT) Start(ctx context.Context) error {
	if err := m.mc.Start(ctx); err != nil {
		return err
	}
	if err := m.mc.AwaitConnection(ctx); err != nil {
		return err
	}
	if m.onSettlement == nil {
		return nil
	}

	filter := m.topics.Settlement(m.vid)
	if err := m.mc.Subscribe(ctx, filter, qos, func(c context.Context, _ string, p []byte) {
		m.onSettlement(c, p)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

func (m *MQTT) Stop() {
	m.log.Info("Disconnecting MQTT client")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.mc.Disconnect(ctx)
}
