package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/v2x/internal/auth"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/internal/registry"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.loggingMiddleware, jsonMiddleware)

	// Identity and authentication.
	api.HandleFunc("/vehicles/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/revoke", s.handleRevoke).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/nonce", s.handleNonce).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/registered", s.handleRegistered).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/workers", s.handleWorkers).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/lookup/{mobile}", s.handleLookup).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{vehicleId}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{vehicleId}/settlement", s.handleSettlement).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{vehicleId}/client/start", s.handleStartSimulation).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/{vehicleId}/client/start-chain", s.handleStartWorker).Methods(http.MethodPost)

	// Telemetry and accidents.
	api.HandleFunc("/gps/update", s.handleGPSUpdate).Methods(http.MethodPost)
	api.HandleFunc("/gps/latest/{vehicleId}", s.handleGPSLatest).Methods(http.MethodGet)
	api.HandleFunc("/gps/all", s.handleGPSAll).Methods(http.MethodGet)
	api.HandleFunc("/gps/report-accident", s.handleReportAccident).Methods(http.MethodPost)
	api.HandleFunc("/gps/accidents", s.handleAccidents).Methods(http.MethodGet)

	api.HandleFunc("/geofence/pois", s.handlePOIs).Methods(http.MethodGet)
	api.HandleFunc("/payment/balance/{address}", s.handleBalance).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failing})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type vehicleRequest struct {
	VehicleID string `json:"vehicleId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	reg, err := s.svc.Register(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		Status string `json:"status"`
		registry.Registration
	}{"registered", reg})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.svc.Revoke(r.Context(), req.VehicleID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Status     string `json:"status"`
		TxRef      string `json:"txHash"`
		Idempotent bool   `json:"idempotent"`
	}{"revoked", res.TxRef, res.Idempotent})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := s.svc.RequestNonce(r.Context(), req.VehicleID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleID string `json:"vehicleId"`
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if !decode(w, r, &req) {
		return
	}

	v, err := s.svc.Authenticate(r.Context(), req.VehicleID, req.Nonce, req.Signature)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if v.Authenticated {
		respondJSON(w, http.StatusOK, v)
		return
	}

	status := http.StatusUnauthorized
	if v.Reason == auth.ReasonNotActive {
		status = http.StatusForbidden
	}
	respondJSON(w, status, struct {
		auth.Verdict
		Error string `json:"error"`
	}{v, v.Reason})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["vehicleId"]

	st, err := s.svc.Status(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, st)
		return
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.LookupByMobile(mux.Vars(r)["mobile"])
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, vehicleRequest{VehicleID: id})
}

func (s *Server) handleRegistered(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Registered())
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Workers())
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Settlement(mux.Vars(r)["vehicleId"]))
}

func (s *Server) handleStartSimulation(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.StartSimulation(mux.Vars(r)["vehicleId"])
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string `json:"privateKey"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := s.svc.StartWorker(r.Context(), mux.Vars(r)["vehicleId"], req.PrivateKey)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGPSUpdate(w http.ResponseWriter, r *http.Request) {
	var sample telemetry.Sample
	if !decode(w, r, &sample) {
		return
	}

	accepted, err := s.svc.UpdateTelemetry(r.Context(), sample)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Status string           `json:"status"`
		Sample telemetry.Sample `json:"sample"`
	}{"updated", accepted})
}

func (s *Server) handleGPSLatest(w http.ResponseWriter, r *http.Request) {
	sample, err := s.svc.Latest(mux.Vars(r)["vehicleId"])
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sample)
}

func (s *Server) handleGPSAll(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.AllTelemetry())
}

func (s *Server) handleReportAccident(w http.ResponseWriter, r *http.Request) {
	var report telemetry.AccidentReport
	if !decode(w, r, &report) {
		return
	}

	res, err := s.svc.ReportAccident(r.Context(), report)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccidents(w http.ResponseWriter, _ *http.Request) {
	accidents := s.svc.Accidents()
	if accidents == nil {
		accidents = []telemetry.AccidentReport{}
	}
	respondJSON(w, http.StatusOK, accidents)
}

type poiView struct {
	ID           string  `json:"id"`
	Lat          float64 `json:"lat"`
	Long         float64 `json:"long"`
	RadiusMeters float64 `json:"radiusMeters"`
	Kind         string  `json:"kind"`
	Operator     string  `json:"operator,omitempty"`
	Amount       string  `json:"amount,omitempty"`
}

func (s *Server) handlePOIs(w http.ResponseWriter, _ *http.Request) {
	pois := s.svc.POIs()
	out := make([]poiView, 0, len(pois))
	for _, p := range pois {
		v := poiView{
			ID:           p.ID,
			Lat:          p.Location.Lat,
			Long:         p.Location.Long,
			RadiusMeters: p.RadiusMeters,
			Kind:         string(p.Kind),
		}
		if p.Kind == settlement.KindToll {
			v.Operator, v.Amount = p.Operator, chain.FormatEther(p.Amount)
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Balance(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("Request served", "method", r.Method, "path", r.URL.Path, "latency", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
