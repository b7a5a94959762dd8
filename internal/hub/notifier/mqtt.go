// Package notifier publishes settlement events to vehicles.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/pkg/log"
	pkgmqtt "github.com/autopeer-io/v2x/pkg/mqtt"
	"github.com/autopeer-io/v2x/pkg/mqtt/topic"
	"github.com/autopeer-io/v2x/pkg/options"
)

var _ settlement.Notifier = (*MQTTNotifier)(nil)

// MQTTNotifier publishes every confirmed charge on {root}/settlement/{id}.
type MQTTNotifier struct {
	client pkgmqtt.Client
	topics *topic.Builder
	log    log.Logger
}

// NewMQTTNotifier creates a dedicated egress client, separate from the
// ingress connection. It connects when Start runs.
func NewMQTTNotifier(opts *options.MqttOptions) (*MQTTNotifier, error) {
	cfg := opts.ToClientConfig()
	if cfg.ClientID != "" {
		cfg.ClientID += "-notifier"
	}

	client, err := pkgmqtt.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return New(client, topic.NewBuilder(opts.TopicRoot)), nil
}

// New returns a notifier publishing through client.
func New(client pkgmqtt.Client, topics *topic.Builder) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		topics: topics,
		log:    log.WithName("notifier"),
	}
}

// Start keeps the egress connection up until ctx is done.
func (n *MQTTNotifier) Start(ctx context.Context) error {
	if err := n.client.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.client.Disconnect(shutdownCtx)
	return nil
}

func (n *MQTTNotifier) NotifyCharge(ctx context.Context, c settlement.Charge) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}

	t := n.topics.Settlement(c.VehicleID)
	if err := n.client.Publish(ctx, t, 1, false, payload); err != nil {
		return err
	}
	n.log.Debug("Settlement published", "topic", t, "poi", c.POIID)
	return nil
}
