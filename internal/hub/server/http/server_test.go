package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/v2x/internal/auth"
	"github.com/autopeer-io/v2x/internal/hub/service"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/ledger/memory"
	"github.com/autopeer-io/v2x/internal/registry"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/supervisor"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/options"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	gw := ledger.NewGateway(memory.New())
	engine := settlement.New(gw, nil)
	telem := telemetry.NewService(telemetry.NewStore(), telemetry.WithSinks(engine))
	fake := testingclock.NewFakeClock(time.Now())
	sched := telemetry.NewScheduler(telem, telemetry.Walk{MinSpeed: 20, MaxSpeed: 80}, time.Second, telemetry.WithClock(fake))
	t.Cleanup(sched.Stop)

	svc := service.New(service.Deps{
		Registry:   registry.New(gw),
		Auth:       auth.New(gw),
		Telemetry:  telem,
		Scheduler:  sched,
		Engine:     engine,
		Supervisor: supervisor.New(&supervisor.ExecLauncher{Binary: "v2x-definitely-not-installed"}),
		Balances:   gw,
	})
	return NewServer(options.NewHttpOptions(), svc, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestRegisterAuthenticateReplay(t *testing.T) {
	h := newTestServer(t)

	key, err := chain.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := chain.AddressOf(key).Hex()

	for i := 0; i < 2; i++ {
		code, body := do(t, h, http.MethodPost, "/api/vehicles/register", map[string]string{"vehicleId": "V1", "vehicleAddress": addr})
		if code != http.StatusCreated || body["vehicleAddress"] != addr {
			t.Fatalf("register #%d = %d %v", i, code, body)
		}
	}

	code, body := do(t, h, http.MethodPost, "/api/vehicles/nonce", map[string]string{"vehicleId": "V1"})
	if code != http.StatusOK {
		t.Fatalf("nonce = %d %v", code, body)
	}
	nonce := body["nonce"].(string)
	sig, err := chain.SignMessage(key, nonce)
	if err != nil {
		t.Fatal(err)
	}
	req := map[string]string{"vehicleId": "V1", "nonce": nonce, "signature": sig}

	code, body = do(t, h, http.MethodPost, "/api/vehicles/authenticate", req)
	if code != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("authenticate = %d %v", code, body)
	}

	code, body = do(t, h, http.MethodPost, "/api/vehicles/authenticate", req)
	if code != http.StatusUnauthorized || body["error"] != auth.ReasonInvalidNonce {
		t.Errorf("replay = %d %v", code, body)
	}
}

func TestRevokedVehicleGetsNoNonce(t *testing.T) {
	h := newTestServer(t)

	if code, body := do(t, h, http.MethodPost, "/api/vehicles/register", map[string]string{"vehicleId": "V1", "mobileNumber": "9845000000"}); code != http.StatusCreated || body["privateKey"] == "" {
		t.Fatalf("register = %d %v", code, body)
	}
	if code, body := do(t, h, http.MethodPost, "/api/vehicles/revoke", map[string]string{"vehicleId": "V1"}); code != http.StatusOK || body["status"] != "revoked" {
		t.Fatalf("revoke = %d %v", code, body)
	}

	code, body := do(t, h, http.MethodPost, "/api/vehicles/nonce", map[string]string{"vehicleId": "V1"})
	if code != http.StatusForbidden || body["error"] != auth.ReasonNotActive {
		t.Errorf("nonce after revoke = %d %v", code, body)
	}
}

func TestStatusAndLookup(t *testing.T) {
	h := newTestServer(t)

	code, body := do(t, h, http.MethodGet, "/api/vehicles/V1/status", nil)
	if code != http.StatusNotFound || body["registered"] != false {
		t.Errorf("status of unknown = %d %v", code, body)
	}

	do(t, h, http.MethodPost, "/api/vehicles/register", map[string]string{"vehicleId": "V1", "mobileNumber": "+91 98450 00000"})

	code, body = do(t, h, http.MethodGet, "/api/vehicles/V1/status", nil)
	if code != http.StatusOK || body["active"] != true || body["simulation"] != telemetry.StatusStarted {
		t.Errorf("status = %d %v", code, body)
	}
	_, body = do(t, h, http.MethodGet, "/api/vehicles/V1/status", nil)
	if body["simulation"] != telemetry.StatusAlreadyRunning {
		t.Errorf("second status simulation = %v", body["simulation"])
	}

	if code, body := do(t, h, http.MethodGet, "/api/vehicles/lookup/919845000000", nil); code != http.StatusOK || body["vehicleId"] != "V1" {
		t.Errorf("lookup = %d %v", code, body)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/vehicles/lookup/1111", nil); code != http.StatusNotFound {
		t.Errorf("unknown lookup = %d", code)
	}
}

func TestGPSAndAccidents(t *testing.T) {
	h := newTestServer(t)

	if code, _ := do(t, h, http.MethodGet, "/api/gps/latest/V1", nil); code != http.StatusNotFound {
		t.Errorf("latest before update = %d", code)
	}

	code, body := do(t, h, http.MethodPost, "/api/gps/update", map[string]any{"vehicleId": "V1", "lat": 12.97, "long": 77.59, "speed": 40})
	if code != http.StatusOK || body["status"] != "updated" {
		t.Fatalf("update = %d %v", code, body)
	}
	if code, body := do(t, h, http.MethodGet, "/api/gps/latest/V1", nil); code != http.StatusOK || body["lat"] != 12.97 {
		t.Errorf("latest = %d %v", code, body)
	}
	if code, _ := do(t, h, http.MethodPost, "/api/gps/update", map[string]any{"lat": 1}); code != http.StatusBadRequest {
		t.Errorf("update without vehicle = %d", code)
	}

	code, body = do(t, h, http.MethodPost, "/api/gps/report-accident", map[string]any{"vehicleId": "V1", "location": "12.9700,77.5900", "speed": 55, "details": "rear impact"})
	if code != http.StatusOK || body["status"] != settlement.OutcomeRecorded {
		t.Fatalf("report-accident = %d %v", code, body)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gps/accidents", nil))
	var accidents []telemetry.AccidentReport
	if err := json.Unmarshal(rec.Body.Bytes(), &accidents); err != nil || len(accidents) != 1 {
		t.Errorf("accidents = %s, %v", rec.Body.String(), err)
	}
}

func TestBalanceAndWorkers(t *testing.T) {
	h := newTestServer(t)

	if code, body := do(t, h, http.MethodGet, "/api/payment/balance/0x123", nil); code != http.StatusBadRequest {
		t.Errorf("bad address = %d %v", code, body)
	}
	addr := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if code, body := do(t, h, http.MethodGet, "/api/payment/balance/"+addr, nil); code != http.StatusOK || body["balance"] != "0.0" {
		t.Errorf("balance = %d %v", code, body)
	}

	if code, _ := do(t, h, http.MethodPost, "/api/vehicles/V1/client/start-chain", map[string]string{}); code != http.StatusBadRequest {
		t.Errorf("start-chain without key = %d", code)
	}
	key, _ := chain.GenerateKey()
	code, body := do(t, h, http.MethodPost, "/api/vehicles/V1/client/start-chain", map[string]string{"privateKey": chain.KeyToHex(key)})
	if code != http.StatusInternalServerError || strings.Contains(fmt.Sprint(body), chain.KeyToHex(key)) {
		t.Errorf("start-chain with missing binary = %d %v", code, body)
	}
}

func TestProbes(t *testing.T) {
	h := newTestServer(t)
	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	svc := service.New(service.Deps{})
	h := NewServer(options.NewHttpOptions(), svc, map[string]Check{
		"mqtt": func(context.Context) error { return errors.New("not connected") },
	}).Handler()

	code, body := do(t, h, http.MethodGet, "/readyz", nil)
	if code != http.StatusServiceUnavailable || body["checks"] == nil {
		t.Errorf("readyz = %d %v", code, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", ledger.ErrValidation), http.StatusBadRequest},
		{auth.ErrNotActive, http.StatusForbidden},
		{ledger.ErrNotFound, http.StatusNotFound},
		{service.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: register", ledger.ErrLedgerRejection), http.StatusBadGateway},
		{fmt.Errorf("%w: charge", ledger.ErrLedgerTimeout), http.StatusGatewayTimeout},
		{ledger.ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: exec", supervisor.ErrSpawn), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
