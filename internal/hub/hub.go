// Package hub wires the V2X hub: ledger gateway, registry, authenticator,
// settlement engine, telemetry scheduler, worker supervisor and the ingress
// servers in front of them.
package hub

import (
	"context"
	"crypto/ecdsa"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/v2x/internal/hub/server"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/supervisor"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/options"
)

type Hub struct {
	manager    *server.Manager
	scheduler  *telemetry.Scheduler
	supervisor *supervisor.Supervisor
	engine     *settlement.Engine

	// closers release external connections, run in reverse order.
	closers []func()
}

// Run serves until ctx is done. Simulations and workers are stopped before
// it returns.
func (h *Hub) Run(ctx context.Context) error {
	defer h.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.manager.Start(ctx) })
	g.Go(func() error { return h.scheduler.Run(ctx) })
	g.Go(func() error { return h.supervisor.Run(ctx) })

	err := g.Wait()
	log.Info("v2x-hub stopped")
	return err
}

// ReloadGeofence swaps the POI table. Vehicles keep the tolls they were
// charged in this session.
func (h *Hub) ReloadGeofence(o *options.GeofenceOptions) error {
	pois, err := POIsFromOptions(o)
	if err != nil {
		return err
	}
	h.engine.SetPOIs(pois)
	log.Info("Geofence reloaded", "pois", len(pois))
	return nil
}

func (h *Hub) close() {
	for _, c := range slices.Backward(h.closers) {
		c()
	}
	h.closers = nil
}

// hubKey parses the configured hub key, or generates a throwaway one for the
// in-process ledger.
func hubKey(hex string) (*ecdsa.PrivateKey, error) {
	if hex == "" {
		return chain.GenerateKey()
	}
	return chain.KeyFromHex(hex)
}
