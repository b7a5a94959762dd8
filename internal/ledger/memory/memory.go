// Package memory is an in-process ledger that follows the V2X contract rules.
// It backs development mode and the tests of every ledger consumer.
package memory

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/internal/ledger"
)

// Revert reasons, worded like the contract's require messages.
const (
	ReasonAlreadyRegistered   = "Vehicle already registered"
	ReasonNotRegistered       = "Vehicle not registered"
	ReasonAlreadyRevoked      = "Vehicle already revoked"
	ReasonInvalidAddress      = "Invalid vehicle address"
	ReasonInsufficientBalance = "Insufficient balance"
)

var _ ledger.Backend = (*Ledger)(nil)

// Payment is one confirmed toll transfer.
type Payment struct {
	From     common.Address
	Operator common.Address
	Amount   *big.Int
}

// Accident is one on-ledger accident record.
type Accident struct {
	IDHash   common.Hash
	Location string
	Speed    *big.Int
	Details  string
	At       time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	vehicles  map[common.Hash]ledger.Record
	balances  map[common.Address]*big.Int
	payments  []Payment
	accidents []Accident
	failures  map[ledger.Op][]error
	seq       uint64

	sender       common.Address
	clock        clock.WithTicker
	confirmDelay time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSender sets the account that signs writes, the msg.sender of payToll.
func WithSender(addr common.Address) Option {
	return func(l *Ledger) { l.sender = addr }
}

// WithConfirmDelay makes every write wait d before confirming.
func WithConfirmDelay(d time.Duration) Option {
	return func(l *Ledger) { l.confirmDelay = d }
}

// WithClock replaces the real clock.
func WithClock(c clock.WithTicker) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithBalance credits addr with wei before use.
func WithBalance(addr common.Address, wei *big.Int) Option {
	return func(l *Ledger) { l.balances[addr] = new(big.Int).Set(wei) }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		vehicles: make(map[common.Hash]ledger.Record),
		balances: make(map[common.Address]*big.Int),
		failures: make(map[ledger.Op][]error),
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next submission of op return err instead of applying.
// Calls queue up in order.
func (l *Ledger) FailNext(op ledger.Op, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], err)
}

func (l *Ledger) RegisterVehicle(_ context.Context, idHash common.Hash, addr common.Address) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected(ledger.OpRegister); err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, &ledger.RevertError{Reason: ReasonInvalidAddress}
	}
	if rec, ok := l.vehicles[idHash]; ok && rec.Address != (common.Address{}) {
		return nil, &ledger.RevertError{Reason: ReasonAlreadyRegistered}
	}

	l.vehicles[idHash] = ledger.Record{
		Address:      addr,
		Active:       true,
		RegisteredAt: uint64(l.clock.Now().Unix()),
	}
	return l.newTx(), nil
}

func (l *Ledger) RevokeVehicle(_ context.Context, idHash common.Hash) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected(ledger.OpRevoke); err != nil {
		return nil, err
	}
	rec, ok := l.vehicles[idHash]
	if !ok {
		return nil, &ledger.RevertError{Reason: ReasonNotRegistered}
	}
	if !rec.Active {
		return nil, &ledger.RevertError{Reason: ReasonAlreadyRevoked}
	}

	rec.Active = false
	rec.RevokedAt = uint64(l.clock.Now().Unix())
	l.vehicles[idHash] = rec
	return l.newTx(), nil
}

func (l *Ledger) PayToll(_ context.Context, operator common.Address, amount *big.Int) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected(ledger.OpCharge); err != nil {
		return nil, err
	}
	balance := l.balanceLocked(l.sender)
	if balance.Cmp(amount) < 0 {
		return nil, &ledger.RevertError{Reason: ReasonInsufficientBalance}
	}

	balance.Sub(balance, amount)
	l.balanceLocked(operator).Add(l.balanceLocked(operator), amount)
	l.payments = append(l.payments, Payment{From: l.sender, Operator: operator, Amount: new(big.Int).Set(amount)})
	return l.newTx(), nil
}

func (l *Ledger) ReportAccident(_ context.Context, idHash common.Hash, location string, speed *big.Int, details string) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected(ledger.OpReportAccident); err != nil {
		return nil, err
	}
	l.accidents = append(l.accidents, Accident{
		IDHash:   idHash,
		Location: location,
		Speed:    new(big.Int).Set(speed),
		Details:  details,
		At:       l.clock.Now(),
	})
	return l.newTx(), nil
}

// Deposit credits the sender's prepaid balance.
func (l *Ledger) Deposit(_ context.Context, amount *big.Int) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected(ledger.OpDeposit); err != nil {
		return nil, err
	}
	b := l.balanceLocked(l.sender)
	b.Add(b, amount)
	return l.newTx(), nil
}

func (l *Ledger) IsVehicleActive(_ context.Context, idHash common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vehicles[idHash].Active, nil
}

func (l *Ledger) GetVehicle(_ context.Context, idHash common.Hash) (ledger.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vehicles[idHash], nil
}

func (l *Ledger) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr)), nil
}

// Payments returns a copy of the confirmed toll transfers.
func (l *Ledger) Payments() []Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Payment(nil), l.payments...)
}

// Accidents returns a copy of the on-ledger accident records.
func (l *Ledger) Accidents() []Accident {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Accident(nil), l.accidents...)
}

// Vehicles returns the number of identity records.
func (l *Ledger) Vehicles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.vehicles)
}

func (l *Ledger) injected(op ledger.Op) error {
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	l.failures[op] = queue[1:]
	return queue[0]
}

func (l *Ledger) balanceLocked(addr common.Address) *big.Int {
	b, ok := l.balances[addr]
	if !ok {
		b = new(big.Int)
		l.balances[addr] = b
	}
	return b
}

func (l *Ledger) newTx() *tx {
	l.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.seq)
	return &tx{
		hash:  crypto.Keccak256Hash(buf[:]).Hex(),
		delay: l.confirmDelay,
		clock: l.clock,
	}
}

type tx struct {
	hash  string
	delay time.Duration
	clock clock.WithTicker
}

func (t *tx) Hash() string { return t.hash }

func (t *tx) Wait(ctx context.Context) error {
	if t.delay <= 0 {
		return ctx.Err()
	}

	timer := t.clock.NewTimer(t.delay)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
