package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/v2x/internal/geo"
)

const period = 2 * time.Second

var testWalk = Walk{
	Start:           geo.Point{Lat: 12.9716, Long: 77.5946},
	Step:            0.001,
	MinSpeed:        20,
	MaxSpeed:        80,
	StopProbability: 0.05,
}

type chanIngester struct {
	samples chan Sample
	panics  int
}

func (c *chanIngester) Update(ctx context.Context, s Sample) (Sample, error) {
	if c.panics > 0 {
		c.panics--
		panic("boom")
	}
	select {
	case c.samples <- s:
		return s, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

func newTestScheduler(t *testing.T, ing Ingester) (*Scheduler, *testingclock.FakeClock) {
	t.Helper()
	fake := testingclock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	s := NewScheduler(ing, testWalk, period, WithClock(fake), WithSeed(1))
	t.Cleanup(s.Stop)
	return s, fake
}

func waitForTicker(t *testing.T, fake *testingclock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fake.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("ticker never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func receive(t *testing.T, ch <-chan Sample) Sample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no sample produced")
		return Sample{}
	}
}

func TestStartIsOncePerVehicle(t *testing.T) {
	s, _ := newTestScheduler(t, &chanIngester{samples: make(chan Sample, 8)})

	for i, want := range []string{StatusStarted, StatusAlreadyRunning, StatusAlreadyRunning} {
		got, err := s.Start("V1")
		if err != nil || got != want {
			t.Errorf("Start #%d = %q, %v, want %q", i, got, err, want)
		}
	}
	if got, _ := s.Start("V2"); got != StatusStarted {
		t.Errorf("Start(V2) = %q", got)
	}
	if diff := cmp.Diff([]string{"V1", "V2"}, s.Running()); diff != "" {
		t.Errorf("Running() mismatch (-want +got):\n%s", diff)
	}
}

func TestTicksProduceBoundedSamples(t *testing.T) {
	ing := &chanIngester{samples: make(chan Sample, 1)}
	s, fake := newTestScheduler(t, ing)

	if _, err := s.Start("V1"); err != nil {
		t.Fatal(err)
	}
	waitForTicker(t, fake)

	prev := testWalk.Start
	for i := 0; i < 20; i++ {
		fake.Step(period)
		got := receive(t, ing.samples)

		if got.VehicleID != "V1" || got.Timestamp != fake.Now().UnixMilli() {
			t.Fatalf("sample %d = %+v", i, got)
		}
		if d := got.Lat - prev.Lat; d < -testWalk.Step/2 || d > testWalk.Step/2 {
			t.Errorf("sample %d moved %v in latitude", i, d)
		}
		if got.Speed != 0 && (got.Speed < float64(testWalk.MinSpeed) || got.Speed >= float64(testWalk.MaxSpeed)) {
			t.Errorf("sample %d speed %v out of range", i, got.Speed)
		}
		prev = geo.Point{Lat: got.Lat, Long: got.Long}
	}
}

func TestPanickingTickDoesNotStopTask(t *testing.T) {
	ing := &chanIngester{samples: make(chan Sample, 1), panics: 1}
	s, fake := newTestScheduler(t, ing)

	if _, err := s.Start("V1"); err != nil {
		t.Fatal(err)
	}
	waitForTicker(t, fake)

	fake.Step(period)
	deadline := time.Now().Add(5 * time.Second)
	for {
		fake.Step(period)
		select {
		case <-ing.samples:
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("task did not survive a panicking tick")
		}
	}
}

func TestStopEndsEveryTask(t *testing.T) {
	s, _ := newTestScheduler(t, &chanIngester{samples: make(chan Sample, 8)})

	for _, id := range []string{"V1", "V2", "V3"} {
		if _, err := s.Start(id); err != nil {
			t.Fatal(err)
		}
	}
	s.Stop()

	if got := s.Running(); len(got) != 0 {
		t.Errorf("Running() after Stop = %v", got)
	}
	if _, err := s.Start("V4"); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop err = %v, want ErrStopped", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(t, &chanIngester{samples: make(chan Sample, 8)})
	if _, err := s.Start("V1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if got := s.Running(); len(got) != 0 {
		t.Errorf("Running() = %v", got)
	}
}
