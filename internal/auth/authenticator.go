// Package auth implements the nonce challenge-response protocol that proves a
// caller controls the signing key registered for a vehicle on the ledger.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/pkg/keyed"
	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// Denial reasons carried by a negative Verdict.
const (
	ReasonInvalidNonce       = "invalid or expired nonce"
	ReasonNotActive          = "vehicle not active or not registered"
	ReasonMalformedSignature = "malformed signature"
	ReasonSignatureMismatch  = "signature does not match registered vehicle"
)

// ErrNotActive is returned by RequestNonce for a vehicle that is not
// registered or has been revoked.
var ErrNotActive = errors.New(ReasonNotActive)

// Ledger is the read side of the ledger gateway the authenticator needs.
type Ledger interface {
	QueryActive(ctx context.Context, id string) (bool, error)
	QueryIdentity(ctx context.Context, id string) (ledger.Identity, error)
}

// Challenge is an issued nonce.
type Challenge struct {
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issuedAt"`

	// ExpiresAt is zero when challenges do not expire.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Verdict is the outcome of one verification attempt.
type Verdict struct {
	Authenticated  bool   `json:"authenticated"`
	VehicleID      string `json:"vehicleId"`
	VehicleAddress string `json:"vehicleAddress,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type session struct {
	mu       sync.Mutex
	protocol *protocol
	nonce    string
	issuedAt time.Time
}

// Authenticator issues and verifies single-use nonces. Each vehicle has at
// most one outstanding nonce, consumed by the first verification attempt.
type Authenticator struct {
	ledger   Ledger
	sessions *keyed.Map[*session]
	clock    clock.PassiveClock
	ttl      time.Duration
	log      log.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithNonceTTL expires unanswered nonces after d. Zero disables expiry.
func WithNonceTTL(d time.Duration) Option {
	return func(a *Authenticator) { a.ttl = d }
}

// WithClock replaces the real clock.
func WithClock(c clock.PassiveClock) Option {
	return func(a *Authenticator) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(a *Authenticator) { a.log = l }
}

// New returns an Authenticator reading identities from l.
func New(l Ledger, opts ...Option) *Authenticator {
	a := &Authenticator{
		ledger:   l,
		sessions: keyed.New[*session](),
		clock:    clock.RealClock{},
		log:      log.WithName("auth"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestNonce issues a fresh challenge for an active vehicle, replacing any
// outstanding one.
func (a *Authenticator) RequestNonce(ctx context.Context, id string) (Challenge, error) {
	if id == "" {
		return Challenge{}, fmt.Errorf("%w: vehicle id is required", ledger.ErrValidation)
	}

	active, err := a.ledger.QueryActive(ctx, id)
	if err != nil {
		return Challenge{}, err
	}
	if !active {
		return Challenge{}, ErrNotActive
	}

	s := a.session(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.protocol.Can(eventReset) {
		if err := s.protocol.fire(ctx, eventReset); err != nil {
			return Challenge{}, err
		}
	}
	if err := s.protocol.fire(ctx, eventIssue); err != nil {
		return Challenge{}, err
	}

	s.nonce = uuid.NewString()
	s.issuedAt = a.clock.Now()

	c := Challenge{Nonce: s.nonce, IssuedAt: s.issuedAt}
	if a.ttl > 0 {
		c.ExpiresAt = s.issuedAt.Add(a.ttl)
	}
	a.log.Debug("Nonce issued", "vehicleID", id)
	return c, nil
}

// Authenticate verifies that signature is the vehicle's EIP-191 signature of
// nonce. The outstanding nonce is consumed before anything else is checked,
// so a nonce yields at most one verdict. A failed check is a negative
// Verdict, not an error; errors are reserved for invalid input and ledger
// failures.
func (a *Authenticator) Authenticate(ctx context.Context, id, nonce, signature string) (Verdict, error) {
	if id == "" || nonce == "" || signature == "" {
		return Verdict{}, fmt.Errorf("%w: vehicle id, nonce and signature are required", ledger.ErrValidation)
	}

	// Unknown ids never get a session, so probing them allocates nothing.
	s, ok := a.sessions.Load(id)
	if !ok {
		metrics.AuthVerdicts.WithLabelValues("denied", ReasonInvalidNonce).Inc()
		return Verdict{VehicleID: id, Reason: ReasonInvalidNonce}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, issuedAt := s.nonce, s.issuedAt
	s.nonce, s.issuedAt = "", time.Time{}

	deny := func(reason string) (Verdict, error) {
		a.log.Info("Authentication denied", "vehicleID", id, "reason", reason)
		if err := s.protocol.fire(ctx, eventVerifyFail, reason); err != nil {
			return Verdict{}, err
		}
		return Verdict{VehicleID: id, Reason: reason}, nil
	}

	if expected == "" || expected != nonce || a.expired(issuedAt) {
		return deny(ReasonInvalidNonce)
	}

	identity, err := a.ledger.QueryIdentity(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return deny(ReasonNotActive)
	case err != nil:
		_ = s.protocol.fire(ctx, eventVerifyFail, "ledger_error")
		return Verdict{}, err
	case !identity.Active:
		return deny(ReasonNotActive)
	}

	signer, err := chain.RecoverAddress(nonce, signature)
	if err != nil {
		return deny(ReasonMalformedSignature)
	}
	if !strings.EqualFold(signer.Hex(), identity.SigningAddress) {
		return deny(ReasonSignatureMismatch)
	}

	if err := s.protocol.fire(ctx, eventVerifyOK, "ok"); err != nil {
		return Verdict{}, err
	}
	a.log.Info("Vehicle authenticated", "vehicleID", id, "address", identity.SigningAddress)
	return Verdict{Authenticated: true, VehicleID: id, VehicleAddress: identity.SigningAddress}, nil
}

// State returns the protocol state of id.
func (a *Authenticator) State(id string) string {
	s, ok := a.sessions.Load(id)
	if !ok {
		return StateUnchallenged
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol.Current()
}

func (a *Authenticator) expired(issuedAt time.Time) bool {
	return a.ttl > 0 && a.clock.Since(issuedAt) > a.ttl
}

func (a *Authenticator) session(id string) *session {
	s, _ := a.sessions.Compute(id, func(old *session, exists bool) (*session, bool) {
		if exists {
			return old, true
		}
		return &session{protocol: newProtocol()}, true
	})
	return s
}
