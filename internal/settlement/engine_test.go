package settlement_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/v2x/internal/geo"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/ledger/memory"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/settlement/archive"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
)

const (
	vehicleAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	operatorAddr = "0x8626f6940E2eb28930eFb4CeF49B2d1F2C9C1199"
)

var hubAccount = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

func ether(s string) *big.Int {
	v, err := chain.ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

func tollPOI(id string) settlement.POI {
	return settlement.POI{
		ID:           id,
		Location:     geo.Point{Lat: 12.9720, Long: 77.5950},
		RadiusMeters: 150,
		Kind:         settlement.KindToll,
		Operator:     operatorAddr,
		Amount:       ether("0.01"),
	}
}

func fuelPOI() settlement.POI {
	return settlement.POI{
		ID:           "fuel",
		Location:     geo.Point{Lat: 12.9700, Long: 77.5930},
		RadiusMeters: 300,
		Kind:         settlement.KindFuel,
	}
}

// inside is about 62m from the toll and 250m from the fuel station.
func inside(id string) telemetry.Sample {
	return telemetry.Sample{VehicleID: id, Lat: 12.9716, Long: 77.5946, Speed: 40}
}

func outside(id string) telemetry.Sample {
	return telemetry.Sample{VehicleID: id, Lat: 13.0500, Long: 77.6500, Speed: 40}
}

type recordingNotifier struct {
	mu      sync.Mutex
	charges []settlement.Charge
}

func (n *recordingNotifier) NotifyCharge(_ context.Context, c settlement.Charge) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.charges = append(n.charges, c)
	return nil
}

type fixture struct {
	backend  *memory.Ledger
	gateway  *ledger.Gateway
	engine   *settlement.Engine
	notifier *recordingNotifier
}

func newFixture(t *testing.T, pois []settlement.POI, opts ...settlement.Option) *fixture {
	t.Helper()

	backend := memory.New(memory.WithSender(hubAccount), memory.WithBalance(hubAccount, ether("1")))
	gw := ledger.NewGateway(backend)
	n := &recordingNotifier{}
	opts = append([]settlement.Option{settlement.WithNotifier(n)}, opts...)

	return &fixture{
		backend:  backend,
		gateway:  gw,
		engine:   settlement.New(gw, pois, opts...),
		notifier: n,
	}
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	if _, err := f.gateway.RegisterIdentity(context.Background(), id, vehicleAddr); err != nil {
		t.Fatal(err)
	}
}

func TestFiveSamplesInsideOneTollChargeOnce(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll"), fuelPOI()})
	f.register(t, "V1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := f.engine.Consume(ctx, inside("V1")); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}

	payments := f.backend.Payments()
	if len(payments) != 1 {
		t.Fatalf("got %d payments, want 1", len(payments))
	}
	if payments[0].Operator != common.HexToAddress(operatorAddr) || payments[0].Amount.Cmp(ether("0.01")) != 0 {
		t.Errorf("payment = %+v", payments[0])
	}
	if diff := cmp.Diff([]string{"toll"}, f.engine.Charged("V1")); diff != "" {
		t.Errorf("Charged() mismatch (-want +got):\n%s", diff)
	}
	if len(f.notifier.charges) != 1 || f.notifier.charges[0].Amount != "0.01" {
		t.Errorf("notified charges = %+v", f.notifier.charges)
	}
}

func TestSamplesOutsideAreNotCharged(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll")})
	f.register(t, "V1")

	if err := f.engine.Consume(context.Background(), outside("V1")); err != nil {
		t.Fatal(err)
	}
	if n := len(f.backend.Payments()); n != 0 {
		t.Errorf("got %d payments, want 0", n)
	}
}

func TestFailedChargeIsRetriedOnNextSample(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll")})
	f.register(t, "V1")
	ctx := context.Background()

	f.backend.FailNext(ledger.OpCharge, errors.New("connection refused"))

	err := f.engine.Consume(ctx, inside("V1"))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Fatalf("first sample err = %v, want ErrLedgerUnavailable", err)
	}
	if got := f.engine.Charged("V1"); len(got) != 0 {
		t.Fatalf("failed charge marked %v", got)
	}

	if err := f.engine.Consume(ctx, inside("V1")); err != nil {
		t.Fatalf("second sample: %v", err)
	}
	if n := len(f.backend.Payments()); n != 1 {
		t.Errorf("got %d payments, want 1", n)
	}
}

func TestRejectedChargeIsNotMarked(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll")})
	f.register(t, "V1")
	poor := tollPOI("expensive")
	poor.Amount = ether("5")
	f.engine.SetPOIs([]settlement.POI{poor})

	err := f.engine.Consume(context.Background(), inside("V1"))
	if !errors.Is(err, ledger.ErrLedgerRejection) {
		t.Fatalf("err = %v, want ErrLedgerRejection", err)
	}
	if got := f.engine.Charged("V1"); len(got) != 0 {
		t.Errorf("rejected charge marked %v", got)
	}
}

func TestInactiveVehiclesAreNotCharged(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll")})
	ctx := context.Background()

	if err := f.engine.Consume(ctx, inside("unknown")); err != nil {
		t.Fatal(err)
	}

	f.register(t, "V1")
	if _, err := f.gateway.RevokeIdentity(ctx, "V1"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Consume(ctx, inside("V1")); err != nil {
		t.Fatal(err)
	}

	if n := len(f.backend.Payments()); n != 0 {
		t.Errorf("got %d payments, want 0", n)
	}
	if got := f.engine.Charged("V1"); len(got) != 0 {
		t.Errorf("inactive vehicle marked %v", got)
	}
}

func TestConcurrentSamplesChargeOnce(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll")})
	f.register(t, "V1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.engine.Consume(ctx, inside("V1"))
		}()
	}
	wg.Wait()

	if n := len(f.backend.Payments()); n != 1 {
		t.Errorf("got %d payments, want 1", n)
	}
}

func TestEachVehicleAndPOIIsChargedOnce(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll-a"), tollPOI("toll-b")})
	f.register(t, "V1")
	f.register(t, "V2")
	ctx := context.Background()

	for _, id := range []string{"V1", "V2", "V1", "V2"} {
		if err := f.engine.Consume(ctx, inside(id)); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(f.backend.Payments()); n != 4 {
		t.Errorf("got %d payments, want 4", n)
	}
}

func TestSetPOIsKeepsChargedSet(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll")})
	f.register(t, "V1")
	ctx := context.Background()

	if err := f.engine.Consume(ctx, inside("V1")); err != nil {
		t.Fatal(err)
	}

	f.engine.SetPOIs([]settlement.POI{tollPOI("toll"), tollPOI("toll-new")})
	if err := f.engine.Consume(ctx, inside("V1")); err != nil {
		t.Fatal(err)
	}

	if n := len(f.backend.Payments()); n != 2 {
		t.Errorf("got %d payments, want 2", n)
	}
	if diff := cmp.Diff([]string{"toll", "toll-new"}, f.engine.Charged("V1")); diff != "" {
		t.Errorf("Charged() mismatch (-want +got):\n%s", diff)
	}
}

func TestFuelAdvisory(t *testing.T) {
	f := newFixture(t, []settlement.POI{tollPOI("toll"), fuelPOI()})
	f.register(t, "V1")
	ctx := context.Background()

	if _, ok := f.engine.Advisory("V1"); ok {
		t.Fatal("advisory before any sample")
	}

	if err := f.engine.Consume(ctx, inside("V1")); err != nil {
		t.Fatal(err)
	}
	a, ok := f.engine.Advisory("V1")
	if !ok || !a.NearFuel || a.POIID != "fuel" || a.DistanceMeters <= 0 || a.DistanceMeters > 300 {
		t.Errorf("Advisory() = %+v, %v", a, ok)
	}

	if err := f.engine.Consume(ctx, outside("V1")); err != nil {
		t.Fatal(err)
	}
	if a, _ := f.engine.Advisory("V1"); a.NearFuel {
		t.Errorf("advisory far away = %+v", a)
	}
}

type failingArchiver struct{ err error }

func (a failingArchiver) Archive(context.Context, telemetry.AccidentReport) error { return a.err }

func TestAccidentLegsAreIndependent(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, nil,
		settlement.WithClock(testingclock.NewFakeClock(now)),
		settlement.WithArchiver(failingArchiver{err: errors.New("bucket unreachable")}),
	)
	ctx := context.Background()

	f.backend.FailNext(ledger.OpReportAccident, &ledger.RevertError{Reason: "paused"})

	report := telemetry.AccidentReport{VehicleID: "V1", Location: "12.9716,77.5946", Speed: 42.6, Details: "Impact detected front bumper"}
	res, err := f.engine.ReportAccident(ctx, report)
	if err != nil {
		t.Fatalf("ReportAccident() error = %v", err)
	}
	if res.Status != settlement.OutcomeRecorded || res.Ledger.Outcome != settlement.OutcomeFailed || res.Ledger.Error == "" {
		t.Errorf("result = %+v, want recorded with a failed ledger leg", res)
	}
	if res.Archive == nil || res.Archive.Outcome != settlement.OutcomeFailed {
		t.Errorf("archive leg = %+v, want failed", res.Archive)
	}
	if res.Record.Timestamp != now.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", res.Record.Timestamp, now.UnixMilli())
	}

	res, err = f.engine.ReportAccident(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ledger.Outcome != settlement.OutcomeConfirmed || res.Ledger.TxRef == "" {
		t.Errorf("ledger leg = %+v, want confirmed", res.Ledger)
	}

	if n := len(f.engine.Accidents()); n != 2 {
		t.Errorf("accident log has %d entries, want 2", n)
	}
	onLedger := f.backend.Accidents()
	if len(onLedger) != 1 {
		t.Fatalf("ledger has %d accidents, want 1", len(onLedger))
	}
	if onLedger[0].IDHash != chain.HashID("V1") || onLedger[0].Speed.Int64() != 43 {
		t.Errorf("ledger accident = %+v", onLedger[0])
	}
}

type recordingArchiver struct {
	mu      sync.Mutex
	reports []telemetry.AccidentReport
}

func (a *recordingArchiver) Archive(_ context.Context, r telemetry.AccidentReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

func TestAccidentsOfSameInstantStayDistinct(t *testing.T) {
	archiver := &recordingArchiver{}
	f := newFixture(t, nil, settlement.WithArchiver(archiver))
	report := telemetry.AccidentReport{VehicleID: "V1", Location: "a", Speed: 30, Timestamp: 1000}

	for range 2 {
		if _, err := f.engine.ReportAccident(context.Background(), report); err != nil {
			t.Fatal(err)
		}
	}

	if len(archiver.reports) != 2 {
		t.Fatalf("archived %d reports, want 2", len(archiver.reports))
	}
	first, second := archiver.reports[0], archiver.reports[1]
	if first.ID == "" || first.ID == second.ID {
		t.Errorf("report ids = %q, %q, want distinct", first.ID, second.ID)
	}
	if archive.ObjectKey(first) == archive.ObjectKey(second) {
		t.Errorf("reports share object key %q", archive.ObjectKey(first))
	}
}

func TestLargestAccidentSpeedReachesLedger(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.engine.ReportAccident(context.Background(), telemetry.AccidentReport{
		VehicleID: "V1", Location: "a", Speed: telemetry.MaxAccidentSpeed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Ledger.Outcome != settlement.OutcomeConfirmed {
		t.Fatalf("ledger leg = %+v, want confirmed", res.Ledger)
	}
	if got := f.backend.Accidents()[0].Speed.Int64(); got != telemetry.MaxAccidentSpeed {
		t.Errorf("ledger speed = %d, want %d", got, telemetry.MaxAccidentSpeed)
	}
}

func TestAccidentsAreOrderedByTime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, r := range []telemetry.AccidentReport{
		{VehicleID: "V2", Location: "b", Timestamp: 2000},
		{VehicleID: "V1", Location: "a", Timestamp: 1000},
		{VehicleID: "V1", Location: "c", Timestamp: 3000},
	} {
		if _, err := f.engine.ReportAccident(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, r := range f.engine.Accidents() {
		got = append(got, r.Location)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestReportAccidentValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []telemetry.AccidentReport{
		{Location: "x"},
		{VehicleID: "V1"},
		{VehicleID: "V1", Location: "x", Speed: -1},
		{VehicleID: "V1", Location: "x", Speed: 1e19},
	}
	for _, r := range tests {
		if _, err := f.engine.ReportAccident(context.Background(), r); !errors.Is(err, ledger.ErrValidation) {
			t.Errorf("ReportAccident(%+v) err = %v, want ErrValidation", r, err)
		}
	}
	if n := len(f.engine.Accidents()); n != 0 {
		t.Errorf("invalid reports logged: %d", n)
	}
}
