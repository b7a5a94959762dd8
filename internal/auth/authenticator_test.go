package auth_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/v2x/internal/auth"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/ledger/memory"
	"github.com/autopeer-io/v2x/pkg/chain"
)

const (
	vehicleKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherKeyHex   = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	vehicleAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type fixture struct {
	gw   *ledger.Gateway
	auth *auth.Authenticator
	key  *ecdsa.PrivateKey
}

func newFixture(t *testing.T, opts ...auth.Option) *fixture {
	t.Helper()
	gw := ledger.NewGateway(memory.New())
	key, err := chain.KeyFromHex(vehicleKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gw.RegisterIdentity(context.Background(), "V1", vehicleAddr); err != nil {
		t.Fatal(err)
	}
	return &fixture{gw: gw, auth: auth.New(gw, opts...), key: key}
}

func sign(t *testing.T, key *ecdsa.PrivateKey, msg string) string {
	t.Helper()
	sig, err := chain.SignMessage(key, msg)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func (f *fixture) nonce(t *testing.T, id string) string {
	t.Helper()
	c, err := f.auth.RequestNonce(context.Background(), id)
	if err != nil {
		t.Fatalf("RequestNonce(%s): %v", id, err)
	}
	return c.Nonce
}

func TestAuthenticateThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n1 := f.nonce(t, "V1")
	sig := sign(t, f.key, n1)

	got, err := f.auth.Authenticate(ctx, "V1", n1, sig)
	if err != nil {
		t.Fatal(err)
	}
	want := auth.Verdict{Authenticated: true, VehicleID: "V1", VehicleAddress: vehicleAddr}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("first verdict mismatch (-want +got):\n%s", diff)
	}

	replay, err := f.auth.Authenticate(ctx, "V1", n1, sig)
	if err != nil {
		t.Fatal(err)
	}
	want = auth.Verdict{VehicleID: "V1", Reason: auth.ReasonInvalidNonce}
	if diff := cmp.Diff(want, replay); diff != "" {
		t.Errorf("replay verdict mismatch (-want +got):\n%s", diff)
	}
}

func TestSecondNonceInvalidatesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n1 := f.nonce(t, "V1")
	n2 := f.nonce(t, "V1")
	if n1 == n2 {
		t.Fatal("nonces must differ")
	}

	v, err := f.auth.Authenticate(ctx, "V1", n1, sign(t, f.key, n1))
	if err != nil || v.Authenticated || v.Reason != auth.ReasonInvalidNonce {
		t.Fatalf("stale nonce verdict = %+v, %v", v, err)
	}

	// The failed attempt consumed n2 as well.
	v, err = f.auth.Authenticate(ctx, "V1", n2, sign(t, f.key, n2))
	if err != nil || v.Authenticated {
		t.Fatalf("consumed nonce verdict = %+v, %v", v, err)
	}
}

func TestRevokedVehicleCannotRequestNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.gw.RevokeIdentity(ctx, "V1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.auth.RequestNonce(ctx, "V1"); !errors.Is(err, auth.ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if _, err := f.auth.RequestNonce(ctx, "never-registered"); !errors.Is(err, auth.ErrNotActive) {
		t.Fatalf("unregistered: err = %v, want ErrNotActive", err)
	}
}

func TestRevokeBetweenIssueAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := f.nonce(t, "V1")
	if _, err := f.gw.RevokeIdentity(ctx, "V1"); err != nil {
		t.Fatal(err)
	}

	v, err := f.auth.Authenticate(ctx, "V1", n, sign(t, f.key, n))
	if err != nil {
		t.Fatal(err)
	}
	if v.Authenticated || v.Reason != auth.ReasonNotActive {
		t.Errorf("verdict = %+v, want denial for inactive vehicle", v)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	other, err := chain.KeyFromHex(otherKeyHex)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		nonce      func(issued string) string
		signature  func(t *testing.T, key *ecdsa.PrivateKey, issued string) string
		wantReason string
	}{
		{
			name:       "wrong signer",
			nonce:      func(n string) string { return n },
			signature:  func(t *testing.T, _ *ecdsa.PrivateKey, n string) string { return sign(t, other, n) },
			wantReason: auth.ReasonSignatureMismatch,
		},
		{
			name:       "signature over other message",
			nonce:      func(n string) string { return n },
			signature:  func(t *testing.T, key *ecdsa.PrivateKey, n string) string { return sign(t, key, n+"x") },
			wantReason: auth.ReasonSignatureMismatch,
		},
		{
			name:       "malformed signature",
			nonce:      func(n string) string { return n },
			signature:  func(*testing.T, *ecdsa.PrivateKey, string) string { return "0xdeadbeef" },
			wantReason: auth.ReasonMalformedSignature,
		},
		{
			name:       "not hex",
			nonce:      func(n string) string { return n },
			signature:  func(*testing.T, *ecdsa.PrivateKey, string) string { return "signature" },
			wantReason: auth.ReasonMalformedSignature,
		},
		{
			name:       "nonce mismatch",
			nonce:      func(n string) string { return strings.ToUpper(n) },
			signature:  func(t *testing.T, key *ecdsa.PrivateKey, n string) string { return sign(t, key, strings.ToUpper(n)) },
			wantReason: auth.ReasonInvalidNonce,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			issued := f.nonce(t, "V1")

			v, err := f.auth.Authenticate(ctx, "V1", tt.nonce(issued), tt.signature(t, f.key, issued))
			if err != nil {
				t.Fatal(err)
			}
			if v.Authenticated || v.Reason != tt.wantReason {
				t.Errorf("verdict = %+v, want reason %q", v, tt.wantReason)
			}

			// Whatever the failure, the nonce is gone.
			v, _ = f.auth.Authenticate(ctx, "V1", issued, sign(t, f.key, issued))
			if v.Authenticated {
				t.Error("nonce survived a failed attempt")
			}
			if got := f.auth.State("V1"); got != auth.StateRejected {
				t.Errorf("State = %s, want %s", got, auth.StateRejected)
			}
		})
	}
}

func TestAddressComparisonIsCaseInsensitive(t *testing.T) {
	gw := ledger.NewGateway(memory.New())
	ctx := context.Background()
	if _, err := gw.RegisterIdentity(ctx, "V2", strings.ToLower(vehicleAddr)); err != nil {
		t.Fatal(err)
	}
	key, _ := chain.KeyFromHex(vehicleKeyHex)
	a := auth.New(gw)

	c, err := a.RequestNonce(ctx, "V2")
	if err != nil {
		t.Fatal(err)
	}
	v, err := a.Authenticate(ctx, "V2", c.Nonce, sign(t, key, c.Nonce))
	if err != nil || !v.Authenticated {
		t.Errorf("verdict = %+v, %v, want authenticated", v, err)
	}
}

func TestNonceExpiry(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, auth.WithNonceTTL(time.Minute), auth.WithClock(clk))
	ctx := context.Background()

	c, err := f.auth.RequestNonce(ctx, "V1")
	if err != nil {
		t.Fatal(err)
	}
	if want := clk.Now().Add(time.Minute); !c.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, want)
	}

	clk.Step(2 * time.Minute)
	v, err := f.auth.Authenticate(ctx, "V1", c.Nonce, sign(t, f.key, c.Nonce))
	if err != nil || v.Reason != auth.ReasonInvalidNonce {
		t.Errorf("expired nonce verdict = %+v, %v", v, err)
	}

	n := f.nonce(t, "V1")
	clk.Step(30 * time.Second)
	v, err = f.auth.Authenticate(ctx, "V1", n, sign(t, f.key, n))
	if err != nil || !v.Authenticated {
		t.Errorf("fresh nonce verdict = %+v, %v", v, err)
	}
}

func TestProtocolStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []string{f.auth.State("V1")}
	n := f.nonce(t, "V1")
	steps = append(steps, f.auth.State("V1"))
	if _, err := f.auth.Authenticate(ctx, "V1", n, sign(t, f.key, n)); err != nil {
		t.Fatal(err)
	}
	steps = append(steps, f.auth.State("V1"))
	_ = f.nonce(t, "V1")
	steps = append(steps, f.auth.State("V1"))
	if _, err := f.auth.Authenticate(ctx, "V1", "bogus", "0x00"); err != nil {
		t.Fatal(err)
	}
	steps = append(steps, f.auth.State("V1"))

	want := []string{
		auth.StateUnchallenged,
		auth.StateNonceIssued,
		auth.StateAuthenticated,
		auth.StateNonceIssued,
		auth.StateRejected,
	}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("state trace mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.auth.RequestNonce(ctx, ""); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("RequestNonce(\"\") err = %v", err)
	}
	for _, args := range [][3]string{{"", "n", "s"}, {"V1", "", "s"}, {"V1", "n", ""}} {
		if _, err := f.auth.Authenticate(ctx, args[0], args[1], args[2]); !errors.Is(err, ledger.ErrValidation) {
			t.Errorf("Authenticate%q err = %v", args, err)
		}
	}
}

func TestUnknownVehicleIsDenied(t *testing.T) {
	f := newFixture(t)
	v, err := f.auth.Authenticate(context.Background(), "ghost", "n", "0x00")
	if err != nil || v.Authenticated || v.Reason != auth.ReasonInvalidNonce {
		t.Errorf("verdict = %+v, %v", v, err)
	}
	if got := f.auth.State("ghost"); got != auth.StateUnchallenged {
		t.Errorf("State = %s", got)
	}
}

type flakyLedger struct {
	auth.Ledger
	err error
}

func (l *flakyLedger) QueryIdentity(context.Context, string) (ledger.Identity, error) {
	return ledger.Identity{}, l.err
}

func TestLedgerFailureStillConsumesNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyLedger{Ledger: f.gw, err: ledger.ErrLedgerUnavailable}
	a := auth.New(flaky)

	c, err := a.RequestNonce(ctx, "V1")
	if err != nil {
		t.Fatal(err)
	}
	sig := sign(t, f.key, c.Nonce)

	if _, err := a.Authenticate(ctx, "V1", c.Nonce, sig); !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}

	flaky.err = nil
	flaky.Ledger = f.gw
	v, err := a.Authenticate(ctx, "V1", c.Nonce, sig)
	if err != nil || v.Authenticated || v.Reason != auth.ReasonInvalidNonce {
		t.Errorf("retry verdict = %+v, %v, want invalid nonce", v, err)
	}
}

func TestConcurrentReplayYieldsOneSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := f.nonce(t, "V1")
	sig := sign(t, f.key, n)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.auth.Authenticate(ctx, "V1", n, sig)
			if err == nil && v.Authenticated {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("%d successful verifications, want exactly 1", got)
	}
}
