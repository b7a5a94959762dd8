package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/ledger/memory"
	"github.com/autopeer-io/v2x/pkg/chain"
)

const (
	vehicleAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	operatorAddr = "0x8626f6940E2eb28930eFb4CeF49B2d1F2C9C1199"
)

var hubAccount = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

func oneEther() *big.Int {
	v, _ := chain.ParseEther("1")
	return v
}

func TestRegisterIdentityIsIdempotent(t *testing.T) {
	backend := memory.New()
	gw := ledger.NewGateway(backend)
	ctx := context.Background()

	first, err := gw.RegisterIdentity(ctx, "V1", vehicleAddr)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if first.Idempotent || first.TxRef == "" {
		t.Errorf("first register = %+v, want a confirmed tx", first)
	}

	second, err := gw.RegisterIdentity(ctx, "V1", vehicleAddr)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !second.Idempotent {
		t.Errorf("second register = %+v, want idempotent", second)
	}

	if n := backend.Vehicles(); n != 1 {
		t.Errorf("ledger holds %d records, want 1", n)
	}
}

func TestValidationHappensBeforeSideEffects(t *testing.T) {
	backend := memory.New()
	gw := ledger.NewGateway(backend)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty id", func() error { _, err := gw.RegisterIdentity(ctx, "", vehicleAddr); return err }},
		{"bad address", func() error { _, err := gw.RegisterIdentity(ctx, "V1", "0x123"); return err }},
		{"empty revoke", func() error { _, err := gw.RevokeIdentity(ctx, ""); return err }},
		{"bad operator", func() error { _, err := gw.ChargeAccount(ctx, "nope", big.NewInt(1)); return err }},
		{"zero amount", func() error { _, err := gw.ChargeAccount(ctx, operatorAddr, big.NewInt(0)); return err }},
		{"bad balance address", func() error { _, err := gw.QueryBalance(ctx, "0xabc"); return err }},
		{"negative speed", func() error {
			_, err := gw.ReportAccidentOnLedger(ctx, chain.HashID("V1"), "1,2", -1, "x")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ledger.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	if backend.Vehicles() != 0 || len(backend.Payments()) != 0 || len(backend.Accidents()) != 0 {
		t.Error("validation failures must not reach the ledger")
	}
}

func TestRevokeIdentity(t *testing.T) {
	gw := ledger.NewGateway(memory.New())
	ctx := context.Background()

	if _, err := gw.RevokeIdentity(ctx, "ghost"); !errors.Is(err, ledger.ErrLedgerRejection) {
		t.Fatalf("revoke unknown: err = %v, want ErrLedgerRejection", err)
	}

	if _, err := gw.RegisterIdentity(ctx, "V1", vehicleAddr); err != nil {
		t.Fatal(err)
	}
	res, err := gw.RevokeIdentity(ctx, "V1")
	if err != nil || res.Idempotent {
		t.Fatalf("revoke = %+v, %v", res, err)
	}

	again, err := gw.RevokeIdentity(ctx, "V1")
	if err != nil || !again.Idempotent {
		t.Fatalf("second revoke = %+v, %v, want idempotent", again, err)
	}

	active, err := gw.QueryActive(ctx, "V1")
	if err != nil || active {
		t.Errorf("QueryActive after revoke = %v, %v", active, err)
	}
}

func TestQueryIdentity(t *testing.T) {
	gw := ledger.NewGateway(memory.New())
	ctx := context.Background()

	if _, err := gw.QueryIdentity(ctx, "V1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if _, err := gw.RegisterIdentity(ctx, "V1", strings.ToLower(vehicleAddr)); err != nil {
		t.Fatal(err)
	}

	id, err := gw.QueryIdentity(ctx, "V1")
	if err != nil {
		t.Fatal(err)
	}
	if id.SigningAddress != vehicleAddr {
		t.Errorf("SigningAddress = %s, want canonical %s", id.SigningAddress, vehicleAddr)
	}
	if !id.Active || id.RegisteredAt.IsZero() || !id.RevokedAt.IsZero() {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestChargeAccount(t *testing.T) {
	backend := memory.New(memory.WithSender(hubAccount), memory.WithBalance(hubAccount, oneEther()))
	gw := ledger.NewGateway(backend)
	ctx := context.Background()

	toll, _ := chain.ParseEther("0.01")
	res, err := gw.ChargeAccount(ctx, operatorAddr, toll)
	if err != nil || res.TxRef == "" {
		t.Fatalf("charge = %+v, %v", res, err)
	}

	bal, err := gw.QueryBalance(ctx, operatorAddr)
	if err != nil || bal.Cmp(toll) != 0 {
		t.Errorf("operator balance = %v, %v, want %v", bal, err, toll)
	}

	tooMuch, _ := chain.ParseEther("5")
	if _, err := gw.ChargeAccount(ctx, operatorAddr, tooMuch); !errors.Is(err, ledger.ErrLedgerRejection) {
		t.Errorf("err = %v, want ErrLedgerRejection", err)
	}
}

func TestConfirmationTimeout(t *testing.T) {
	backend := memory.New(memory.WithConfirmDelay(time.Hour))
	gw := ledger.NewGateway(backend, ledger.WithConfirmTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := gw.RegisterIdentity(context.Background(), "V1", vehicleAddr)
	if !errors.Is(err, ledger.ErrLedgerTimeout) {
		t.Fatalf("err = %v, want ErrLedgerTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestTransportFailureIsNotARejection(t *testing.T) {
	backend := memory.New()
	backend.FailNext(ledger.OpRegister, errors.New("connection refused"))
	gw := ledger.NewGateway(backend)

	_, err := gw.RegisterIdentity(context.Background(), "V1", vehicleAddr)
	if !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	if errors.Is(err, ledger.ErrLedgerRejection) {
		t.Error("transport failure must not be reported as a rejection")
	}
}

func TestPluggableClassifier(t *testing.T) {
	backend := memory.New()
	backend.FailNext(ledger.OpCharge, &ledger.RevertError{Code: 409})

	byCode := ledger.ClassifierFunc(func(op ledger.Op, err error) ledger.Class {
		var revert *ledger.RevertError
		if op == ledger.OpCharge && errors.As(err, &revert) && revert.Code == 409 {
			return ledger.Idempotent
		}
		return ledger.Genuine
	})
	gw := ledger.NewGateway(backend, ledger.WithClassifier(byCode))

	res, err := gw.ChargeAccount(context.Background(), operatorAddr, big.NewInt(1))
	if err != nil || !res.Idempotent {
		t.Fatalf("charge = %+v, %v, want idempotent", res, err)
	}
}

func TestReasonClassifier(t *testing.T) {
	anyRevert, err := ledger.ParseReasonClassifier([]string{"register="})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		classifier ledger.Classifier
		op         ledger.Op
		err        error
		want       ledger.Class
	}{
		{"default duplicate", ledger.DefaultClassifier, ledger.OpRegister, &ledger.RevertError{Reason: memory.ReasonAlreadyRegistered}, ledger.Idempotent},
		{"default case insensitive", ledger.DefaultClassifier, ledger.OpRevoke, &ledger.RevertError{Reason: "VEHICLE ALREADY REVOKED"}, ledger.Idempotent},
		{"default other op", ledger.DefaultClassifier, ledger.OpCharge, &ledger.RevertError{Reason: memory.ReasonAlreadyRegistered}, ledger.Genuine},
		{"default not a revert", ledger.DefaultClassifier, ledger.OpRegister, errors.New("already registered"), ledger.Genuine},
		{"empty fragment", anyRevert, ledger.OpRegister, &ledger.RevertError{}, ledger.Idempotent},
		{"empty fragment other op", anyRevert, ledger.OpRevoke, &ledger.RevertError{}, ledger.Genuine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.classifier.Classify(tt.op, tt.err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := ledger.ParseReasonClassifier([]string{"mint=x"}); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("unknown op: err = %v", err)
	}
	if _, err := ledger.ParseReasonClassifier([]string{"register"}); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("missing separator: err = %v", err)
	}
}
