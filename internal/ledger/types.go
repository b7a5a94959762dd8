package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Op names a state-changing ledger operation. It is the first input of a
// Classifier and the op label of the ledger metrics.
type Op string

const (
	OpRegister       Op = "register"
	OpRevoke         Op = "revoke"
	OpCharge         Op = "charge"
	OpReportAccident Op = "report_accident"
	OpDeposit        Op = "deposit"
)

var (
	// ErrValidation marks malformed input rejected before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrLedgerRejection marks a genuine refusal by the ledger.
	ErrLedgerRejection = errors.New("ledger rejected the operation")

	// ErrLedgerTimeout marks a write that was not confirmed in time. The
	// write may still land later.
	ErrLedgerTimeout = errors.New("ledger confirmation timed out")

	// ErrLedgerUnavailable marks a transport failure talking to the ledger.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrNotFound marks an identity the ledger has never seen.
	ErrNotFound = errors.New("identity not found")
)

// RevertError is returned by backends when the ledger refused a write.
// Reason carries the ledger's own vocabulary, Code an optional numeric code.
type RevertError struct {
	Reason string
	Code   int
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("execution reverted (code %d)", e.Code)
	}
	return "execution reverted: " + e.Reason
}

// Record is the raw on-ledger identity entry.
type Record struct {
	Address      common.Address
	Active       bool
	RegisteredAt uint64
	RevokedAt    uint64
}

// Tx is a submitted write. Wait blocks until inclusion, returning a
// *RevertError when the write was included but failed.
type Tx interface {
	Hash() string
	Wait(ctx context.Context) error
}

// Backend is the contract surface of a concrete ledger. Vehicle ids only
// ever reach it as hashes.
type Backend interface {
	RegisterVehicle(ctx context.Context, idHash common.Hash, addr common.Address) (Tx, error)
	RevokeVehicle(ctx context.Context, idHash common.Hash) (Tx, error)
	PayToll(ctx context.Context, operator common.Address, amount *big.Int) (Tx, error)
	ReportAccident(ctx context.Context, idHash common.Hash, location string, speed *big.Int, details string) (Tx, error)

	IsVehicleActive(ctx context.Context, idHash common.Hash) (bool, error)
	GetVehicle(ctx context.Context, idHash common.Hash) (Record, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Result describes a confirmed write.
type Result struct {
	// TxRef is the transaction hash. It is empty for idempotent results
	// because nothing new was written.
	TxRef string `json:"txRef,omitempty"`

	// Idempotent is true when the ledger reported the transition as already applied.
	Idempotent bool `json:"idempotent"`
}

// Identity is the registry view of a vehicle.
type Identity struct {
	ID             string
	SigningAddress string
	Active         bool
	RegisteredAt   time.Time
	RevokedAt      time.Time
}
