package hub

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/autopeer-io/v2x/internal/auth"
	"github.com/autopeer-io/v2x/internal/hub/notifier"
	"github.com/autopeer-io/v2x/internal/hub/server"
	httpserver "github.com/autopeer-io/v2x/internal/hub/server/http"
	mqttserver "github.com/autopeer-io/v2x/internal/hub/server/mqtt"
	"github.com/autopeer-io/v2x/internal/hub/service"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/ledger/ethereum"
	"github.com/autopeer-io/v2x/internal/ledger/memory"
	"github.com/autopeer-io/v2x/internal/registry"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/settlement/archive"
	"github.com/autopeer-io/v2x/internal/supervisor"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/mqtt"
	"github.com/autopeer-io/v2x/pkg/mqtt/topic"
	"github.com/autopeer-io/v2x/pkg/options"
)

type Config struct {
	HttpOptions       *options.HttpOptions
	MqttOptions       *options.MqttOptions
	S3Options         *options.S3Options
	KafkaOptions      *options.KafkaOptions
	LedgerOptions     *options.LedgerOptions
	AuthOptions       *options.AuthOptions
	TelemetryOptions  *options.TelemetryOptions
	SupervisorOptions *options.SupervisorOptions
	GeofenceOptions   *options.GeofenceOptions
}

// NewHub assembles the hub. ctx bounds the dial of external dependencies.
func (cfg *Config) NewHub(ctx context.Context) (*Hub, error) {
	h := &Hub{}

	// 1. Ledger
	backend, account, err := cfg.newLedgerBackend(ctx, h)
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to init ledger backend: %w", err)
	}
	classifier := ledger.Classifier(ledger.DefaultClassifier)
	if len(cfg.LedgerOptions.DuplicateReasons) > 0 {
		if classifier, err = ledger.ParseReasonClassifier(cfg.LedgerOptions.DuplicateReasons); err != nil {
			h.close()
			return nil, err
		}
	}
	gateway := ledger.NewGateway(backend,
		ledger.WithClassifier(classifier),
		ledger.WithConfirmTimeout(cfg.LedgerOptions.ConfirmTimeout),
	)

	// 2. Secondary adapters
	pois, err := POIsFromOptions(cfg.GeofenceOptions)
	if err != nil {
		h.close()
		return nil, err
	}
	var engineOpts []settlement.Option

	var notify *notifier.MQTTNotifier
	if cfg.MqttOptions.Enabled {
		if notify, err = notifier.NewMQTTNotifier(cfg.withClientID()); err != nil {
			h.close()
			return nil, fmt.Errorf("failed to init notifier: %w", err)
		}
		engineOpts = append(engineOpts, settlement.WithNotifier(notify))
	}

	if cfg.S3Options.Enabled {
		store, err := archive.New(cfg.S3Options)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to init accident archive: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			h.close()
			return nil, err
		}
		engineOpts = append(engineOpts, settlement.WithArchiver(store))
	}

	// 3. Core components
	h.engine = settlement.New(gateway, pois, engineOpts...)

	sinks := []telemetry.Sink{h.engine}
	if cfg.KafkaOptions.Enabled {
		exporter := telemetry.NewKafkaExporter(cfg.KafkaOptions)
		h.closers = append(h.closers, func() {
			if err := exporter.Close(); err != nil {
				log.Error(err, "Failed to flush kafka exporter")
			}
		})
		sinks = append(sinks, exporter)
	}
	telem := telemetry.NewService(telemetry.NewStore(), telemetry.WithSinks(sinks...))

	h.scheduler = telemetry.NewScheduler(telem, telemetry.WalkFromOptions(cfg.TelemetryOptions), cfg.TelemetryOptions.Period)

	h.supervisor = supervisor.New(&supervisor.ExecLauncher{
		Binary: cfg.SupervisorOptions.WorkerBinary,
		Args:   cfg.SupervisorOptions.WorkerArgs,
		HubURL: cfg.SupervisorOptions.HubURL,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})

	svc := service.New(service.Deps{
		Registry:   registry.New(gateway),
		Auth:       auth.New(gateway, auth.WithNonceTTL(cfg.AuthOptions.NonceTTL)),
		Telemetry:  telem,
		Scheduler:  h.scheduler,
		Engine:     h.engine,
		Supervisor: h.supervisor,
		Balances:   gateway,
	})

	// 4. Ingress servers
	checks := map[string]httpserver.Check{
		"ledger": func(ctx context.Context) error {
			_, err := gateway.QueryBalance(ctx, account.Hex())
			return err
		},
	}
	h.manager = server.NewManager()

	if cfg.MqttOptions.Enabled {
		client, err := mqtt.NewClient(cfg.withClientID().ToClientConfig())
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to init mqtt server: %w", err)
		}
		ingress := mqttserver.NewServer(client, topic.NewBuilder(cfg.MqttOptions.TopicRoot), cfg.MqttOptions.SharedGroup, svc)
		checks["mqtt"] = ingress.Ready
		h.manager.Add(ingress)
		h.manager.Add(notify)
	}
	h.manager.Add(httpserver.NewServer(cfg.HttpOptions, svc, checks))

	log.Info("Hub assembled",
		"ledger", cfg.LedgerOptions.Backend,
		"account", account.Hex(),
		"pois", len(pois),
		"mqtt", cfg.MqttOptions.Enabled,
		"kafka", cfg.KafkaOptions.Enabled,
		"s3", cfg.S3Options.Enabled,
	)
	return h, nil
}

// newLedgerBackend returns the configured backend and the account that
// signs the hub's writes.
func (cfg *Config) newLedgerBackend(ctx context.Context, h *Hub) (ledger.Backend, common.Address, error) {
	o := cfg.LedgerOptions

	switch o.Backend {
	case options.LedgerBackendEthereum:
		ethereum.SetLogger(log.Std())
		b, err := ethereum.Dial(ctx, ethereum.Config{
			RPCURL:          o.RPCURL,
			ContractAddress: o.ContractAddress,
			PrivateKey:      o.PrivateKey,
		})
		if err != nil {
			return nil, common.Address{}, err
		}
		h.closers = append(h.closers, b.Close)
		return b, b.From(), nil

	default:
		key, err := hubKey(o.PrivateKey)
		if err != nil {
			return nil, common.Address{}, err
		}
		account := chain.AddressOf(key)
		prefund, err := chain.ParseEther(o.Prefund)
		if err != nil {
			return nil, common.Address{}, err
		}
		return memory.New(
			memory.WithSender(account),
			memory.WithBalance(account, prefund),
			memory.WithConfirmDelay(o.ConfirmDelay),
		), account, nil
	}
}

// withClientID returns a copy of the MQTT options with a host based client
// id when none is configured.
func (cfg *Config) withClientID() *options.MqttOptions {
	o := *cfg.MqttOptions
	if o.ClientID == "" {
		hostname, _ := os.Hostname()
		o.ClientID = "v2x-hub-" + hostname
	}
	return &o
}
