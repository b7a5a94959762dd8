// Package registry is the vehicle identity view over the ledger. Identity
// state is always read through; the only local state is the list of vehicles
// registered by this process and their mobile numbers.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/pkg/keyed"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// IDPrefix starts every generated vehicle id.
const IDPrefix = "V2X-"

// Gateway is the part of the ledger gateway the registry uses.
type Gateway interface {
	RegisterIdentity(ctx context.Context, id, address string) (ledger.Result, error)
	RevokeIdentity(ctx context.Context, id string) (ledger.Result, error)
	QueryIdentity(ctx context.Context, id string) (ledger.Identity, error)
}

// RegisterRequest names the vehicle to register. Every field is optional,
// but either Address or Mobile must be set.
type RegisterRequest struct {
	VehicleID string `json:"vehicleId,omitempty"`
	Address   string `json:"vehicleAddress,omitempty"`
	Mobile    string `json:"mobileNumber,omitempty"`
}

// Registration is the result of Register.
type Registration struct {
	VehicleID  string `json:"vehicleId"`
	Address    string `json:"vehicleAddress"`
	TxRef      string `json:"txHash"`
	Idempotent bool   `json:"idempotent"`

	// PrivateKey is set only when the registry generated the signing key.
	// It is never stored.
	PrivateKey string `json:"privateKey,omitempty"`
}

// Entry is one vehicle registered through this process.
type Entry struct {
	VehicleID string `json:"vehicleId"`
	Address   string `json:"vehicleAddress"`

	seq uint64
}

// Snapshot is the current ledger record of a vehicle.
type Snapshot struct {
	VehicleID    string    `json:"vehicleId"`
	Registered   bool      `json:"registered"`
	Active       bool      `json:"active"`
	Address      string    `json:"vehicleAddress,omitempty"`
	RegisteredAt time.Time `json:"registeredAt,omitzero"`
	RevokedAt    time.Time `json:"revokedAt,omitzero"`
}

// Registry is safe for concurrent use.
type Registry struct {
	gateway Gateway
	entries *keyed.Map[Entry]
	mobiles *keyed.Map[string]
	seq     atomic.Uint64
	log     log.Logger
}

// New returns a Registry over gateway.
func New(gateway Gateway) *Registry {
	return &Registry{
		gateway: gateway,
		entries: keyed.New[Entry](),
		mobiles: keyed.New[string](),
		log:     log.WithName("registry"),
	}
}

// Register binds a vehicle id to a signing address on the ledger. A missing
// id is generated. A missing address is replaced by a freshly generated key,
// which requires a mobile number to reach the owner. Registering an id that
// is already on the ledger succeeds and reports the address the ledger holds.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	id := strings.TrimSpace(req.VehicleID)
	if id == "" {
		id = NewVehicleID()
	}

	reg := Registration{VehicleID: id}

	if req.Address == "" {
		if normalizeMobile(req.Mobile) == "" {
			return Registration{}, fmt.Errorf("%w: either vehicle address or mobile number is required", ledger.ErrValidation)
		}
		key, err := chain.GenerateKey()
		if err != nil {
			return Registration{}, err
		}
		reg.Address = chain.AddressOf(key).Hex()
		reg.PrivateKey = chain.KeyToHex(key)
	} else {
		addr, err := chain.ParseAddress(req.Address)
		if err != nil {
			return Registration{}, fmt.Errorf("%w: invalid vehicle address: %w", ledger.ErrValidation, err)
		}
		reg.Address = addr.Hex()
	}

	res, err := r.gateway.RegisterIdentity(ctx, id, reg.Address)
	if err != nil {
		return Registration{}, err
	}
	reg.TxRef, reg.Idempotent = res.TxRef, res.Idempotent

	if res.Idempotent {
		r.reconcile(ctx, &reg)
	}

	r.entries.Compute(id, func(old Entry, exists bool) (Entry, bool) {
		if exists {
			return old, true
		}
		return Entry{VehicleID: id, Address: reg.Address, seq: r.seq.Add(1)}, true
	})
	if m := normalizeMobile(req.Mobile); m != "" {
		r.mobiles.Store(m, id)
	}

	r.log.Info("Vehicle registered", "vehicleID", id, "address", reg.Address, "tx", reg.TxRef, "idempotent", reg.Idempotent)
	return reg, nil
}

// reconcile replaces the requested address with the one already bound on
// the ledger. A generated key that lost the race is withheld.
func (r *Registry) reconcile(ctx context.Context, reg *Registration) {
	identity, err := r.gateway.QueryIdentity(ctx, reg.VehicleID)
	if err != nil {
		r.log.Warn("Could not read back an existing registration", "vehicleID", reg.VehicleID, "err", err)
		return
	}
	if strings.EqualFold(identity.SigningAddress, reg.Address) {
		return
	}

	r.log.Warn("Vehicle already bound to another address", "vehicleID", reg.VehicleID, "ledgerAddress", identity.SigningAddress)
	reg.Address = identity.SigningAddress
	reg.PrivateKey = ""
}

// Revoke marks the vehicle inactive on the ledger.
func (r *Registry) Revoke(ctx context.Context, id string) (ledger.Result, error) {
	res, err := r.gateway.RevokeIdentity(ctx, id)
	if err != nil {
		return ledger.Result{}, err
	}
	r.log.Info("Vehicle revoked", "vehicleID", id, "tx", res.TxRef, "idempotent", res.Idempotent)
	return res, nil
}

// Status reads the vehicle's ledger record. An unknown id yields a snapshot
// with Registered false and ledger.ErrNotFound.
func (r *Registry) Status(ctx context.Context, id string) (Snapshot, error) {
	identity, err := r.gateway.QueryIdentity(ctx, id)
	if err != nil {
		return Snapshot{VehicleID: id}, err
	}
	return Snapshot{
		VehicleID:    id,
		Registered:   true,
		Active:       identity.Active,
		Address:      identity.SigningAddress,
		RegisteredAt: identity.RegisteredAt,
		RevokedAt:    identity.RevokedAt,
	}, nil
}

// LookupByMobile returns the vehicle id last registered with mobile.
func (r *Registry) LookupByMobile(mobile string) (string, bool) {
	m := normalizeMobile(mobile)
	if m == "" {
		return "", false
	}
	return r.mobiles.Load(m)
}

// Registered lists the vehicles registered through this process in
// registration order.
func (r *Registry) Registered() []Entry {
	out := make([]Entry, 0, r.entries.Len())
	r.entries.Range(func(_ string, e Entry) bool {
		out = append(out, e)
		return true
	})
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// NewVehicleID returns an id of the form V2X-1A2B3C4D.
func NewVehicleID() string {
	head, _, _ := strings.Cut(uuid.NewString(), "-")
	return IDPrefix + strings.ToUpper(head)
}

func normalizeMobile(m string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m)
}
