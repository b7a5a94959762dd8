// Package settlement turns vehicle positions into toll charges and fuel
// advisories, and records accident reports.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/v2x/internal/geo"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/pkg/keyed"
	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

// Kind is the kind of a point of interest.
type Kind string

const (
	KindToll Kind = "toll"
	KindFuel Kind = "fuel"
)

// POI is a circular geofence.
type POI struct {
	ID           string
	Location     geo.Point
	RadiusMeters float64
	Kind         Kind

	// Operator and Amount are set for toll POIs only.
	Operator string
	Amount   *big.Int
}

// Gateway is the part of the ledger gateway the engine writes through.
type Gateway interface {
	QueryActive(ctx context.Context, id string) (bool, error)
	ChargeAccount(ctx context.Context, operator string, amount *big.Int) (ledger.Result, error)
	ReportAccidentOnLedger(ctx context.Context, idHash common.Hash, location string, speed int, details string) (ledger.Result, error)
}

// Charge is a confirmed toll settlement.
type Charge struct {
	VehicleID  string    `json:"vehicleId"`
	POIID      string    `json:"poiId"`
	Operator   string    `json:"operator"`
	Amount     string    `json:"amount"`
	TxRef      string    `json:"txHash,omitempty"`
	Idempotent bool      `json:"idempotent"`
	At         time.Time `json:"at"`
}

// Notifier is told about every confirmed charge.
type Notifier interface {
	NotifyCharge(ctx context.Context, c Charge) error
}

// Archiver stores accident reports outside the process.
type Archiver interface {
	Archive(ctx context.Context, r telemetry.AccidentReport) error
}

// Advisory is derived from the latest sample of a vehicle.
type Advisory struct {
	VehicleID      string  `json:"vehicleId"`
	NearFuel       bool    `json:"nearFuel"`
	POIID          string  `json:"poiId,omitempty"`
	DistanceMeters float64 `json:"distanceMeters,omitempty"`
}

type chargeState int

const (
	stateInFlight chargeState = iota + 1
	stateCharged
)

// chargedSet holds the toll POIs of one vehicle that are charged or being
// charged in this session.
type chargedSet struct {
	mu   sync.Mutex
	pois map[string]chargeState
}

// claim marks id in flight unless it is already claimed.
func (c *chargedSet) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pois[id]; ok {
		return false
	}
	c.pois[id] = stateInFlight
	return true
}

func (c *chargedSet) settle(id string, charged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if charged {
		c.pois[id] = stateCharged
	} else {
		delete(c.pois, id)
	}
}

func (c *chargedSet) charged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, s := range c.pois {
		if s == stateCharged {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Engine is safe for concurrent use. Samples of one vehicle may be processed
// concurrently; the in-flight marker keeps a POI from being charged twice.
type Engine struct {
	gateway   Gateway
	pois      atomic.Pointer[[]POI]
	charged   *keyed.Map[*chargedSet]
	advisory  *keyed.Map[Advisory]
	accidents *keyed.Map[[]telemetry.AccidentReport]

	notifier Notifier
	archiver Archiver
	clock    clock.PassiveClock
	log      log.Logger
}

var _ telemetry.Sink = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier publishes confirmed charges through n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithArchiver adds a third accident leg storing reports through a.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock replaces the real clock.
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an Engine charging through gateway.
func New(gateway Gateway, pois []POI, opts ...Option) *Engine {
	e := &Engine{
		gateway:   gateway,
		charged:   keyed.New[*chargedSet](),
		advisory:  keyed.New[Advisory](),
		accidents: keyed.New[[]telemetry.AccidentReport](),
		clock:     clock.RealClock{},
		log:       log.WithName("settlement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.SetPOIs(pois)
	return e
}

// SetPOIs replaces the geofences. Charged sets survive the swap, so a POI
// kept under the same id is not charged again.
func (e *Engine) SetPOIs(pois []POI) {
	cp := slices.Clone(pois)
	e.pois.Store(&cp)
	e.log.Info("Geofences loaded", "count", len(cp))
}

// POIs returns the current geofences.
func (e *Engine) POIs() []POI {
	return slices.Clone(*e.pois.Load())
}

// Consume processes one sample: it charges every toll POI the vehicle is
// inside of and has not been charged for yet, and refreshes its fuel
// advisory. A failed charge leaves the POI unmarked so the next sample
// retries it.
func (e *Engine) Consume(ctx context.Context, s telemetry.Sample) error {
	pos := geo.Point{Lat: s.Lat, Long: s.Long}
	pois := *e.pois.Load()

	e.advise(s.VehicleID, pos, pois)

	var set *chargedSet
	var claimed []POI
	for _, p := range pois {
		if p.Kind != KindToll || !geo.Within(pos, p.Location, p.RadiusMeters) {
			continue
		}
		if set == nil {
			set = e.chargedSet(s.VehicleID)
		}
		if set.claim(p.ID) {
			claimed = append(claimed, p)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	release := func() {
		for _, p := range claimed {
			set.settle(p.ID, false)
		}
	}

	active, err := e.gateway.QueryActive(ctx, s.VehicleID)
	if err != nil {
		release()
		return fmt.Errorf("failed to check vehicle %s: %w", s.VehicleID, err)
	}
	if !active {
		release()
		metrics.ChargesTotal.WithLabelValues("skipped_inactive").Add(float64(len(claimed)))
		e.log.Debug("Skipping charge of inactive vehicle", "vehicleID", s.VehicleID)
		return nil
	}

	var errs []error
	for _, p := range claimed {
		res, err := e.gateway.ChargeAccount(ctx, p.Operator, p.Amount)
		if err != nil {
			set.settle(p.ID, false)
			metrics.ChargesTotal.WithLabelValues("failed").Inc()
			e.log.Warn("Toll charge failed", "vehicleID", s.VehicleID, "poi", p.ID, "err", err)
			errs = append(errs, fmt.Errorf("charge %s at %s: %w", s.VehicleID, p.ID, err))
			continue
		}

		set.settle(p.ID, true)
		outcome := "confirmed"
		if res.Idempotent {
			outcome = "idempotent"
		}
		metrics.ChargesTotal.WithLabelValues(outcome).Inc()

		c := Charge{
			VehicleID:  s.VehicleID,
			POIID:      p.ID,
			Operator:   p.Operator,
			Amount:     chain.FormatEther(p.Amount),
			TxRef:      res.TxRef,
			Idempotent: res.Idempotent,
			At:         e.clock.Now(),
		}
		e.log.Info("Toll charged", "vehicleID", c.VehicleID, "poi", c.POIID, "amount", c.Amount, "tx", c.TxRef)

		if e.notifier != nil {
			if err := e.notifier.NotifyCharge(ctx, c); err != nil {
				e.log.Warn("Failed to publish charge", "vehicleID", c.VehicleID, "poi", c.POIID, "err", err)
			}
		}
	}

	return utilerrors.NewAggregate(errs)
}

// Charged lists the POIs id has been charged for in this session.
func (e *Engine) Charged(id string) []string {
	set, ok := e.charged.Load(id)
	if !ok {
		return nil
	}
	return set.charged()
}

// Advisory returns the fuel advisory from the latest sample of id.
func (e *Engine) Advisory(id string) (Advisory, bool) {
	return e.advisory.Load(id)
}

func (e *Engine) advise(id string, pos geo.Point, pois []POI) {
	a := Advisory{VehicleID: id}
	for _, p := range pois {
		if p.Kind != KindFuel {
			continue
		}
		d := geo.Haversine(pos, p.Location)
		if d > p.RadiusMeters {
			continue
		}
		if !a.NearFuel || d < a.DistanceMeters {
			a = Advisory{VehicleID: id, NearFuel: true, POIID: p.ID, DistanceMeters: d}
		}
	}
	e.advisory.Store(id, a)
}

func (e *Engine) chargedSet(id string) *chargedSet {
	set, _ := e.charged.Compute(id, func(old *chargedSet, exists bool) (*chargedSet, bool) {
		if exists {
			return old, true
		}
		return &chargedSet{pois: make(map[string]chargeState)}, true
	})
	return set
}
