package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/v2x/internal/telemetry"
)

type call struct {
	Path string
	Body map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) get() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func newFakeHub(t *testing.T, answer func(path string) (int, any)) (*Client, *recorder) {
	t.Helper()

	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, call{Path: r.URL.Path, Body: body})
		rec.mu.Unlock()

		code, resp := answer(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL+"/", time.Second), rec
}

func TestClientIdentityFlow(t *testing.T) {
	c, rec := newFakeHub(t, func(path string) (int, any) {
		switch path {
		case "/api/vehicles/register":
			return http.StatusCreated, map[string]string{"status": "registered"}
		case "/api/vehicles/nonce":
			return http.StatusOK, map[string]string{"nonce": "n-1"}
		default:
			return http.StatusOK, map[string]any{"authenticated": true}
		}
	})
	ctx := context.Background()

	if err := c.Register(ctx, "V1", "0xabc"); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	nonce, err := c.Nonce(ctx, "V1")
	if err != nil || nonce != "n-1" {
		t.Fatalf("Nonce() = %q, %v", nonce, err)
	}
	if err := c.Authenticate(ctx, "V1", nonce, "0xsig"); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}

	want := []call{
		{"/api/vehicles/register", map[string]any{"vehicleId": "V1", "vehicleAddress": "0xabc"}},
		{"/api/vehicles/nonce", map[string]any{"vehicleId": "V1"}},
		{"/api/vehicles/authenticate", map[string]any{"vehicleId": "V1", "nonce": "n-1", "signature": "0xsig"}},
	}
	if diff := cmp.Diff(want, rec.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := newFakeHub(t, func(path string) (int, any) {
		switch path {
		case "/api/vehicles/nonce":
			return http.StatusOK, map[string]string{}
		case "/api/vehicles/authenticate":
			return http.StatusUnauthorized, map[string]any{"authenticated": false, "error": "invalid_nonce"}
		default:
			return http.StatusBadRequest, map[string]string{"error": "latitude 91 out of range"}
		}
	})
	ctx := context.Background()

	if _, err := c.Nonce(ctx, "V1"); err == nil {
		t.Error("Nonce() accepted an empty nonce")
	}

	err := c.Authenticate(ctx, "V1", "n", "s")
	if !IsStatus(err, http.StatusUnauthorized) || err.Error() != "hub answered 401: invalid_nonce" {
		t.Errorf("Authenticate() = %v", err)
	}

	err = c.SendTelemetry(ctx, telemetry.Sample{VehicleID: "V1", Lat: 91})
	if !IsStatus(err, http.StatusBadRequest) {
		t.Errorf("SendTelemetry() = %v, want 400", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 100*time.Millisecond)
	err := c.ReportAccident(context.Background(), telemetry.AccidentReport{VehicleID: "V1", Location: "1,2"})
	if err == nil || IsStatus(err, 0) {
		t.Errorf("ReportAccident() = %v, want a transport error", err)
	}
}
