package app

import (
	"context"
	"fmt"
	"time"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/v2x/cmd/v2x-vehicle/app/options"
	"github.com/autopeer-io/v2x/pkg/app"
)

const (
	commandName = "v2x-vehicle"
	commandDesc = `The V2X vehicle worker authenticates a vehicle against the hub with
its signing key, keeps its prepaid ledger balance funded and reports
simulated telemetry and accidents until stopped.

The hub starts one worker per vehicle and passes the vehicle id, key and
hub URL in the V2X_VEHICLE_ID, V2X_VEHICLE_PRIVATE_KEY and
V2X_VEHICLE_HUB_URL environment variables.`
)

const dialTimeout = 30 * time.Second

func NewApp() *app.App {
	opts := options.NewVehicleAgentOptions()
	application := app.NewApp(
		commandName,
		"Launch a V2X vehicle worker",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.VehicleAgentOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		agent, err := cfg.NewAgent(dialCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
