package hub

import (
	"context"

	"github.com/autopeer-io/v2x/internal/telemetry"
)

// Sender delivers a vehicle's reports to the hub.
type Sender interface {
	SendTelemetry(ctx context.Context, s telemetry.Sample) error
	ReportAccident(ctx context.Context, r telemetry.AccidentReport) error
}
