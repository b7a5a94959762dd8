// Package service is the hub's boundary API. Every ingress server (HTTP,
// MQTT) goes through it, so they all share one set of semantics.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/autopeer-io/v2x/internal/auth"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/registry"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/supervisor"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// ErrNotFound marks a lookup that matched nothing held by the hub.
var ErrNotFound = errors.New("not found")

// BalanceReader reads account balances from the ledger.
type BalanceReader interface {
	QueryBalance(ctx context.Context, address string) (*big.Int, error)
}

// Service is safe for concurrent use.
type Service struct {
	registry   *registry.Registry
	auth       *auth.Authenticator
	telemetry  *telemetry.Service
	scheduler  *telemetry.Scheduler
	engine     *settlement.Engine
	supervisor *supervisor.Supervisor
	balances   BalanceReader
	log        log.Logger
}

// Deps are the components a Service is assembled from.
type Deps struct {
	Registry   *registry.Registry
	Auth       *auth.Authenticator
	Telemetry  *telemetry.Service
	Scheduler  *telemetry.Scheduler
	Engine     *settlement.Engine
	Supervisor *supervisor.Supervisor
	Balances   BalanceReader
}

// New returns a Service over d.
func New(d Deps) *Service {
	return &Service{
		registry:   d.Registry,
		auth:       d.Auth,
		telemetry:  d.Telemetry,
		scheduler:  d.Scheduler,
		engine:     d.Engine,
		supervisor: d.Supervisor,
		balances:   d.Balances,
		log:        log.WithName("service"),
	}
}

// Status is the boundary view of a vehicle.
type Status struct {
	registry.Snapshot

	// ProtocolState is the authentication state of the vehicle.
	ProtocolState string `json:"protocolState"`

	// Simulation is the outcome of starting the simulated telemetry task.
	Simulation string `json:"simulation,omitempty"`
}

// SimulationResult is returned by StartSimulation.
type SimulationResult struct {
	Status    string `json:"status"`
	VehicleID string `json:"vehicleId"`
}

// Balance is the ledger balance of an address.
type Balance struct {
	Address string `json:"address"`
	Wei     string `json:"wei"`
	Balance string `json:"balance"`
}

// Settlement is the settlement state of a vehicle in this session.
type Settlement struct {
	VehicleID string               `json:"vehicleId"`
	Charged   []string             `json:"charged"`
	Advisory  *settlement.Advisory `json:"advisory,omitempty"`
}

func (s *Service) Register(ctx context.Context, req registry.RegisterRequest) (registry.Registration, error) {
	return s.registry.Register(ctx, req)
}

func (s *Service) Revoke(ctx context.Context, id string) (ledger.Result, error) {
	if id == "" {
		return ledger.Result{}, fmt.Errorf("%w: vehicle id is required", ledger.ErrValidation)
	}
	return s.registry.Revoke(ctx, id)
}

func (s *Service) RequestNonce(ctx context.Context, id string) (auth.Challenge, error) {
	return s.auth.RequestNonce(ctx, id)
}

func (s *Service) Authenticate(ctx context.Context, id, nonce, signature string) (auth.Verdict, error) {
	return s.auth.Authenticate(ctx, id, nonce, signature)
}

// Status reads the ledger record of id. A registered vehicle also gets its
// simulated telemetry task, started at most once.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	snap, err := s.registry.Status(ctx, id)
	st := Status{Snapshot: snap, ProtocolState: s.auth.State(id)}
	if err != nil {
		return st, err
	}

	sim, err := s.scheduler.Start(id)
	if err != nil {
		s.log.Warn("Could not start simulation", "vehicleID", id, "err", err)
	}
	st.Simulation = sim
	return st, nil
}

func (s *Service) LookupByMobile(mobile string) (string, error) {
	id, ok := s.registry.LookupByMobile(mobile)
	if !ok {
		return "", fmt.Errorf("%w: no vehicle found for this mobile number", ErrNotFound)
	}
	return id, nil
}

func (s *Service) Registered() []registry.Entry {
	return s.registry.Registered()
}

func (s *Service) StartSimulation(id string) (SimulationResult, error) {
	if id == "" {
		return SimulationResult{}, fmt.Errorf("%w: vehicle id is required", ledger.ErrValidation)
	}
	status, err := s.scheduler.Start(id)
	if err != nil {
		return SimulationResult{}, err
	}
	return SimulationResult{Status: status, VehicleID: id}, nil
}

func (s *Service) StartWorker(ctx context.Context, id, privateKey string) (supervisor.Result, error) {
	return s.supervisor.Start(ctx, id, privateKey)
}

func (s *Service) Workers() []supervisor.Worker {
	return s.supervisor.Workers()
}

func (s *Service) UpdateTelemetry(ctx context.Context, sample telemetry.Sample) (telemetry.Sample, error) {
	return s.telemetry.Update(ctx, sample)
}

func (s *Service) Latest(id string) (telemetry.Sample, error) {
	sample, ok := s.telemetry.Latest(id)
	if !ok {
		return telemetry.Sample{}, fmt.Errorf("%w: no data for vehicle", ErrNotFound)
	}
	return sample, nil
}

func (s *Service) AllTelemetry() []telemetry.Sample {
	return s.telemetry.All()
}

func (s *Service) ReportAccident(ctx context.Context, r telemetry.AccidentReport) (settlement.AccidentResult, error) {
	return s.engine.ReportAccident(ctx, r)
}

func (s *Service) Accidents() []telemetry.AccidentReport {
	return s.engine.Accidents()
}

func (s *Service) POIs() []settlement.POI {
	return s.engine.POIs()
}

func (s *Service) Settlement(id string) Settlement {
	out := Settlement{VehicleID: id, Charged: s.engine.Charged(id)}
	if out.Charged == nil {
		out.Charged = []string{}
	}
	if a, ok := s.engine.Advisory(id); ok {
		out.Advisory = &a
	}
	return out
}

func (s *Service) Balance(ctx context.Context, address string) (Balance, error) {
	wei, err := s.balances.QueryBalance(ctx, address)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Address: address, Wei: wei.String(), Balance: chain.FormatEther(wei)}, nil
}
