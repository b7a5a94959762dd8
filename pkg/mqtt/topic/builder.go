// Package topic builds the MQTT topic names shared by the hub and vehicles.
package topic

import (
	"fmt"
	"strings"
)

// Topic segments. Changing them breaks every deployed vehicle.
const (
	// SuffixTelemetry carries position samples. Vehicle -> Hub.
	SuffixTelemetry = "telemetry"

	// SuffixAccident carries accident reports. Vehicle -> Hub.
	SuffixAccident = "accident"

	// SuffixSettlement carries toll and fuel events. Hub -> Vehicle.
	SuffixSettlement = "settlement"
)

// Wildcard is the single-level MQTT wildcard.
const Wildcard = "+"

// Builder constructs topics of the form {root}/{suffix}/{vehicleID}.
type Builder struct {
	root string
}

// NewBuilder returns a Builder rooted at root, e.g. "v2x/v1".
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.TrimSuffix(root, "/")}
}

func (b *Builder) Telemetry(vehicleID string) string {
	return b.build(SuffixTelemetry, vehicleID)
}

// TelemetryWildcard matches the telemetry of all vehicles.
func (b *Builder) TelemetryWildcard() string {
	return b.build(SuffixTelemetry, Wildcard)
}

func (b *Builder) Accident(vehicleID string) string {
	return b.build(SuffixAccident, vehicleID)
}

// AccidentWildcard matches the accident reports of all vehicles.
func (b *Builder) AccidentWildcard() string {
	return b.build(SuffixAccident, Wildcard)
}

func (b *Builder) Settlement(vehicleID string) string {
	return b.build(SuffixSettlement, vehicleID)
}

// Shared prefixes filter with a shared subscription group. An empty group
// returns filter unchanged.
func Shared(group, filter string) string {
	if group == "" {
		return filter
	}
	return fmt.Sprintf("$share/%s/%s", group, filter)
}

// VehicleID extracts the vehicle id from a topic built by b for suffix.
func (b *Builder) VehicleID(suffix, topic string) (string, bool) {
	prefix := b.root + "/" + suffix + "/"
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Builder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
