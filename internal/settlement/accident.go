package settlement

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/autopeer-io/v2x/internal/pkg/metrics"
	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/chain"
)

// Leg outcomes.
const (
	OutcomeRecorded  = "recorded"
	OutcomeConfirmed = "confirmed"
	OutcomeStored    = "stored"
	OutcomeFailed    = "failed"
)

// Leg is the outcome of one independent part of an accident report.
type Leg struct {
	Outcome string `json:"outcome"`
	TxRef   string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AccidentResult is returned by ReportAccident. Status is always recorded:
// the local log leg cannot fail.
type AccidentResult struct {
	Status  string                   `json:"status"`
	Record  telemetry.AccidentReport `json:"record"`
	Ledger  Leg                      `json:"ledger"`
	Archive *Leg                     `json:"archive,omitempty"`
}

// ReportAccident appends r to the accident log and reports it on the ledger
// and to the archive. The legs are independent: a failing ledger or archive
// never removes the log entry, and is reported in the result, not as an
// error. Only invalid input is an error.
func (e *Engine) ReportAccident(ctx context.Context, r telemetry.AccidentReport) (AccidentResult, error) {
	if err := r.Validate(); err != nil {
		return AccidentResult{}, err
	}
	if r.Timestamp == 0 {
		r.Timestamp = e.clock.Now().UnixMilli()
	}
	r.ID = uuid.NewString()

	e.accidents.Compute(r.VehicleID, func(old []telemetry.AccidentReport, _ bool) ([]telemetry.AccidentReport, bool) {
		return append(slices.Clip(old), r), true
	})
	metrics.AccidentLegs.WithLabelValues("log", OutcomeRecorded).Inc()
	e.log.Warn("Accident reported", "vehicleID", r.VehicleID, "location", r.Location, "speed", r.Speed)

	res := AccidentResult{Status: OutcomeRecorded, Record: r}

	speed := int(math.Round(r.Speed))
	tx, err := e.gateway.ReportAccidentOnLedger(ctx, chain.HashID(r.VehicleID), r.Location, speed, r.Details)
	if err != nil {
		res.Ledger = Leg{Outcome: OutcomeFailed, Error: err.Error()}
		e.log.Error(err, "Failed to report accident on ledger", "vehicleID", r.VehicleID)
	} else {
		res.Ledger = Leg{Outcome: OutcomeConfirmed, TxRef: tx.TxRef}
	}
	metrics.AccidentLegs.WithLabelValues("ledger", res.Ledger.Outcome).Inc()

	if e.archiver != nil {
		leg := Leg{Outcome: OutcomeStored}
		if err := e.archiver.Archive(ctx, r); err != nil {
			leg = Leg{Outcome: OutcomeFailed, Error: err.Error()}
			e.log.Error(err, "Failed to archive accident report", "vehicleID", r.VehicleID)
		}
		metrics.AccidentLegs.WithLabelValues("archive", leg.Outcome).Inc()
		res.Archive = &leg
	}

	return res, nil
}

// Accidents returns the accident log, oldest first.
func (e *Engine) Accidents() []telemetry.AccidentReport {
	var out []telemetry.AccidentReport
	e.accidents.Range(func(_ string, reports []telemetry.AccidentReport) bool {
		out = append(out, reports...)
		return true
	})
	slices.SortStableFunc(out, func(a, b telemetry.AccidentReport) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return out
}
