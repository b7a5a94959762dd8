// Package vehicleagent is the vehicle worker: it proves its identity to the
// hub, keeps its prepaid ledger balance topped up and streams simulated
// telemetry until stopped.
package vehicleagent

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/internal/vehicleagent/hub"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// AccidentDetails describes every simulated accident.
const AccidentDetails = "Impact detected front bumper"

// ErrAuthentication is returned by Run when the hub rejects the vehicle.
var ErrAuthentication = errors.New("authentication failed")

// Identity is the hub's identity API.
type Identity interface {
	Register(ctx context.Context, vehicleID, address string) error
	Nonce(ctx context.Context, vehicleID string) (string, error)
	Authenticate(ctx context.Context, vehicleID, nonce, signature string) error
}

// Wallet reads and funds the vehicle's prepaid ledger balance.
type Wallet interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Deposit(ctx context.Context, value *big.Int) (ledger.Tx, error)
}

// lifecycle is implemented by senders holding a connection.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

type funding struct {
	wallet Wallet
	below  *big.Int
	amount *big.Int
}

type Agent struct {
	vehicleID string
	key       *ecdsa.PrivateKey
	address   common.Address

	identity Identity
	sender   hub.Sender
	funding  *funding

	walker   *telemetry.Walker
	period   time.Duration
	accident float64

	rng     *rand.Rand
	clock   clock.WithTicker
	closers []func()
	log     log.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock replaces the real clock.
func WithClock(c clock.WithTicker) Option {
	return func(a *Agent) { a.clock = c }
}

// WithRand replaces the random source of the walk and of accidents.
func WithRand(r *rand.Rand) Option {
	return func(a *Agent) { a.rng = r }
}

// WithFunding deposits amount wei whenever the balance is below wei.
func WithFunding(w Wallet, below, amount *big.Int) Option {
	return func(a *Agent) { a.funding = &funding{wallet: w, below: below, amount: amount} }
}

// WithAccidentProbability sets the chance that a tick reports an accident.
func WithAccidentProbability(p float64) Option {
	return func(a *Agent) { a.accident = p }
}

// WithCloser registers fn to run when Run returns.
func WithCloser(fn func()) Option {
	return func(a *Agent) { a.closers = append(a.closers, fn) }
}

func NewAgent(vehicleID string, key *ecdsa.PrivateKey, identity Identity, sender hub.Sender, walk telemetry.Walk, period time.Duration, opts ...Option) *Agent {
	a := &Agent{
		vehicleID: vehicleID,
		key:       key,
		address:   chain.AddressOf(key),
		identity:  identity,
		sender:    sender,
		period:    period,
		clock:     clock.RealClock{},
		log:       log.WithName("vehicle").WithValues("vehicleID", vehicleID),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	a.walker = telemetry.NewWalker(walk, a.rng)
	return a
}

// Address is the ledger account of the vehicle.
func (a *Agent) Address() common.Address {
	return a.address
}

// Run authenticates, funds and then reports telemetry every period until ctx
// is done. Only a failed connection or authentication ends it early.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()
	a.log.Info("Starting vehicle agent", "address", a.address.Hex(), "period", a.period)

	if l, ok := a.sender.(lifecycle); ok {
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("connect sender: %w", err)
		}
		defer l.Stop()
	}

	if err := a.identify(ctx); err != nil {
		return err
	}
	a.fund(ctx)

	ticker := a.clock.NewTicker(a.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Vehicle agent shutting down")
			return nil
		case <-ticker.C():
			a.tick(ctx)
		}
	}
}

// identify registers best effort, then answers a fresh challenge.
func (a *Agent) identify(ctx context.Context) error {
	if err := a.identity.Register(ctx, a.vehicleID, a.address.Hex()); err != nil {
		a.log.Info("Registration skipped", "reason", err)
	}

	nonce, err := a.identity.Nonce(ctx, a.vehicleID)
	if err != nil {
		return fmt.Errorf("%w: request nonce: %w", ErrAuthentication, err)
	}
	sig, err := chain.SignMessage(a.key, nonce)
	if err != nil {
		return fmt.Errorf("%w: sign nonce: %w", ErrAuthentication, err)
	}
	if err := a.identity.Authenticate(ctx, a.vehicleID, nonce, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	a.log.Info("Authenticated with hub")
	return nil
}

// fund tops up the prepaid balance. Failures are logged; tolls then fail on
// the hub side until funds arrive.
func (a *Agent) fund(ctx context.Context) {
	f := a.funding
	if f == nil {
		return
	}

	balance, err := f.wallet.Balance(ctx, a.address)
	if err != nil {
		a.log.Error(err, "Failed to read balance")
		return
	}
	a.log.Info("Prepaid balance", "balance", chain.FormatEther(balance))
	if balance.Cmp(f.below) >= 0 {
		return
	}

	tx, err := f.wallet.Deposit(ctx, f.amount)
	if err == nil {
		err = tx.Wait(ctx)
	}
	if err != nil {
		a.log.Error(err, "Deposit failed", "amount", chain.FormatEther(f.amount))
		return
	}
	a.log.Info("Deposited", "amount", chain.FormatEther(f.amount), "txHash", tx.Hash())
}

func (a *Agent) tick(ctx context.Context) {
	pos, speed := a.walker.Next()
	now := a.clock.Now().UnixMilli()

	sample := telemetry.Sample{VehicleID: a.vehicleID, Lat: pos.Lat, Long: pos.Long, Speed: speed, Timestamp: now}
	if err := a.sender.SendTelemetry(ctx, sample); err != nil {
		a.log.Warn("Failed to send telemetry", "err", err)
	}

	if a.rng.Float64() >= a.accident {
		return
	}
	report := telemetry.AccidentReport{
		VehicleID: a.vehicleID,
		Location:  fmt.Sprintf("%.4f,%.4f", pos.Lat, pos.Long),
		Speed:     speed,
		Details:   AccidentDetails,
		Timestamp: now,
	}
	if err := a.sender.ReportAccident(ctx, report); err != nil {
		a.log.Warn("Failed to report accident", "err", err)
		return
	}
	a.log.Info("Accident reported", "location", report.Location, "speed", speed)
}

func (a *Agent) close() {
	for _, fn := range slices.Backward(a.closers) {
		fn()
	}
}
