package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/v2x/cmd/v2x-hub/app/options"
	"github.com/autopeer-io/v2x/internal/hub"
	"github.com/autopeer-io/v2x/pkg/app"
	"github.com/autopeer-io/v2x/pkg/log"
)

const (
	commandName = "v2x-hub"
	commandDesc = `The V2X hub binds vehicle identities to signing keys on a ledger,
authenticates vehicles by challenge-response, ingests their telemetry and
settles geofenced tolls and accident reports against the ledger.`
)

// dialTimeout bounds connecting to the ledger and the object store.
const dialTimeout = 30 * time.Second

func NewApp() *app.App {
	opts := options.NewHubOptions()

	// running is set once the hub is assembled so config reloads reach it.
	var running atomic.Pointer[hub.Hub]

	application := app.NewApp(
		commandName,
		"Launch the V2X hub",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts, &running)),
		app.WithWatchConfig(reload(opts, &running)),
		app.WithCommands(newGeofenceCommand(opts)),
	)
	return application
}

func run(opts *options.HubOptions, running *atomic.Pointer[hub.Hub]) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		server, err := cfg.NewHub(dialCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create hub: %w", err)
		}
		running.Store(server)

		return server.Run(ctx)
	}
}

// reload pushes a changed POI table into the running hub. Other options
// take effect on restart.
func reload(opts *options.HubOptions, running *atomic.Pointer[hub.Hub]) func() {
	return func() {
		h := running.Load()
		if h == nil || !opts.GeofenceOptions.Watch {
			return
		}
		if errs := opts.GeofenceOptions.Validate(); len(errs) > 0 {
			for _, err := range errs {
				log.Error(err, "Ignoring invalid geofence configuration")
			}
			return
		}
		if err := h.ReloadGeofence(opts.GeofenceOptions); err != nil {
			log.Error(err, "Failed to reload geofence")
		}
	}
}
