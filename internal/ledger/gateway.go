// Package ledger is the single gateway between the hub and the external
// ledger. Writes block until the ledger confirms inclusion, duplicates of an
// already applied transition are reported as success, and nothing is retried.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// DefaultConfirmTimeout bounds every ledger call when no option overrides it.
const DefaultConfirmTimeout = 60 * time.Second

// Gateway wraps a Backend with validation, id hashing, bounded waits and
// duplicate classification.
type Gateway struct {
	backend    Backend
	classifier Classifier
	timeout    time.Duration
	log        log.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(g *Gateway) { g.classifier = c }
}

// WithConfirmTimeout bounds submission plus confirmation of each call.
func WithConfirmTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// NewGateway returns a gateway over backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:    backend,
		classifier: DefaultClassifier,
		timeout:    DefaultConfirmTimeout,
		log:        log.WithName("ledger"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterIdentity binds id to address. Registering an id that is already
// registered reports an idempotent success.
func (g *Gateway) RegisterIdentity(ctx context.Context, id, address string) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: vehicle id is required", ErrValidation)
	}
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	idHash := chain.HashID(id)
	return g.submit(ctx, OpRegister, func(ctx context.Context) (Tx, error) {
		return g.backend.RegisterVehicle(ctx, idHash, addr)
	})
}

// RevokeIdentity marks id inactive.
func (g *Gateway) RevokeIdentity(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: vehicle id is required", ErrValidation)
	}

	idHash := chain.HashID(id)
	return g.submit(ctx, OpRevoke, func(ctx context.Context) (Tx, error) {
		return g.backend.RevokeVehicle(ctx, idHash)
	})
}

// ChargeAccount pays amount wei to operator.
func (g *Gateway) ChargeAccount(ctx context.Context, operator string, amount *big.Int) (Result, error) {
	addr, err := chain.ParseAddress(operator)
	if err != nil {
		return Result{}, fmt.Errorf("%w: operator: %w", ErrValidation, err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: charge amount must be positive", ErrValidation)
	}

	return g.submit(ctx, OpCharge, func(ctx context.Context) (Tx, error) {
		return g.backend.PayToll(ctx, addr, amount)
	})
}

// ReportAccidentOnLedger records an accident against an already hashed id.
func (g *Gateway) ReportAccidentOnLedger(ctx context.Context, idHash common.Hash, location string, speed int, details string) (Result, error) {
	if idHash == (common.Hash{}) {
		return Result{}, fmt.Errorf("%w: vehicle hash is required", ErrValidation)
	}
	if speed < 0 {
		return Result{}, fmt.Errorf("%w: speed must not be negative", ErrValidation)
	}

	return g.submit(ctx, OpReportAccident, func(ctx context.Context) (Tx, error) {
		return g.backend.ReportAccident(ctx, idHash, location, big.NewInt(int64(speed)), details)
	})
}

// QueryActive reports whether id is registered and not revoked.
func (g *Gateway) QueryActive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: vehicle id is required", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	active, err := g.backend.IsVehicleActive(ctx, chain.HashID(id))
	if err != nil {
		return false, g.readError(ctx, "is active", err)
	}
	return active, nil
}

// QueryIdentity reads the current ledger record of id. It returns
// ErrNotFound when the id was never registered.
func (g *Gateway) QueryIdentity(ctx context.Context, id string) (Identity, error) {
	if id == "" {
		return Identity{}, fmt.Errorf("%w: vehicle id is required", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.backend.GetVehicle(ctx, chain.HashID(id))
	if err != nil {
		return Identity{}, g.readError(ctx, "get vehicle", err)
	}
	if rec.Address == (common.Address{}) {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return Identity{
		ID:             id,
		SigningAddress: rec.Address.Hex(),
		Active:         rec.Active,
		RegisteredAt:   unixOrZero(rec.RegisteredAt),
		RevokedAt:      unixOrZero(rec.RevokedAt),
	}, nil
}

// QueryBalance returns the prepaid balance of address in wei.
func (g *Gateway) QueryBalance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	balance, err := g.backend.Balance(ctx, addr)
	if err != nil {
		return nil, g.readError(ctx, "balance", err)
	}
	return balance, nil
}

func (g *Gateway) submit(ctx context.Context, op Op, send func(context.Context) (Tx, error)) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	tx, err := send(ctx)
	if err == nil {
		g.log.Debug("Ledger write submitted", "op", op, "tx", tx.Hash())
		err = tx.Wait(ctx)
	}

	if err == nil {
		metrics.LedgerTxTotal.WithLabelValues(string(op), "confirmed").Inc()
		metrics.LedgerConfirmLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		g.log.Info("Ledger write confirmed", "op", op, "tx", tx.Hash(), "latency", time.Since(start))
		return Result{TxRef: tx.Hash()}, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		metrics.LedgerTxTotal.WithLabelValues(string(op), "timeout").Inc()
		g.log.Warn("Ledger write not confirmed in time", "op", op, "timeout", g.timeout)
		return Result{}, fmt.Errorf("%w: %s after %s", ErrLedgerTimeout, op, g.timeout)

	case errors.Is(err, context.Canceled):
		return Result{}, fmt.Errorf("ledger %s: %w", op, err)

	case g.classifier.Classify(op, err) == Idempotent:
		metrics.LedgerTxTotal.WithLabelValues(string(op), "idempotent").Inc()
		g.log.Info("Ledger write already applied, treating as success", "op", op, "reason", err.Error())
		return Result{Idempotent: true}, nil
	}

	var revert *RevertError
	if errors.As(err, &revert) {
		metrics.LedgerTxTotal.WithLabelValues(string(op), "rejected").Inc()
		return Result{}, fmt.Errorf("%w: %s: %w", ErrLedgerRejection, op, err)
	}

	metrics.LedgerTxTotal.WithLabelValues(string(op), "unavailable").Inc()
	return Result{}, fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
}

func (g *Gateway) readError(ctx context.Context, what string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrLedgerTimeout, what, g.timeout)
	}
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, what, err)
}

func unixOrZero(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
