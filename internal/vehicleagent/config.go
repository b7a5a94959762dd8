package vehicleagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autopeer-io/v2x/internal/ledger/ethereum"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/internal/vehicleagent/hub"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/mqtt"
	"github.com/autopeer-io/v2x/pkg/mqtt/topic"
	"github.com/autopeer-io/v2x/pkg/options"
)

type Config struct {
	VehicleOptions   *options.VehicleOptions
	TelemetryOptions *options.TelemetryOptions
	MqttOptions      *options.MqttOptions
}

// NewAgent assembles the agent. ctx bounds dialing the ledger.
func (cfg *Config) NewAgent(ctx context.Context) (*Agent, error) {
	vo := cfg.VehicleOptions

	key, err := chain.KeyFromHex(vo.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("vehicle key: %w", err)
	}

	client := hub.NewClient(vo.HubURL, vo.RequestTimeout)

	var sender hub.Sender = client
	if vo.Transport == options.TransportMQTT {
		sender, err = cfg.newMQTTSender(vo.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
	}

	opts := []Option{WithAccidentProbability(vo.AccidentProbability)}

	if vo.ContractAddress != "" {
		below, err := chain.ParseEther(vo.DepositBelow)
		if err != nil {
			return nil, fmt.Errorf("deposit threshold: %w", err)
		}
		amount, err := chain.ParseEther(vo.DepositAmount)
		if err != nil {
			return nil, fmt.Errorf("deposit amount: %w", err)
		}

		ethereum.SetLogger(log.Std())
		wallet, err := ethereum.Dial(ctx, ethereum.Config{
			RPCURL:          vo.RPCURL,
			ContractAddress: vo.ContractAddress,
			PrivateKey:      vo.PrivateKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger: %w", err)
		}
		opts = append(opts, WithFunding(wallet, below, amount), WithCloser(wallet.Close))
	}

	t := cfg.TelemetryOptions
	return NewAgent(vo.ID, key, client, sender, telemetry.WalkFromOptions(t), t.Period, opts...), nil
}

func (cfg *Config) newMQTTSender(vid string) (*hub.MQTT, error) {
	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("v2x-vehicle-%s", vid)
	}

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, err
	}
	return hub.NewMQTT(vid, mqttClient, topic.NewBuilder(cfg.MqttOptions.TopicRoot), logCharge(vid)), nil
}

// logCharge logs the settlement events the hub publishes for vid.
func logCharge(vid string) hub.SettlementFunc {
	l := log.WithName("settlement").WithValues("vehicleID", vid)
	return func(_ context.Context, payload []byte) {
		var c settlement.Charge
		if err := json.Unmarshal(payload, &c); err != nil {
			l.Warn("Dropping malformed settlement event", "err", err)
			return
		}
		l.Info("Toll charged", "poi", c.POIID, "operator", c.Operator, "amount", c.Amount, "txHash", c.TxRef)
	}
}
