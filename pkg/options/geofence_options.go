package options

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/v2x/pkg/chain"
)

const (
	POIKindToll = "toll"
	POIKindFuel = "fuel"
)

var _ IOptions = (*GeofenceOptions)(nil)

// POIOptions is one configured point of interest.
type POIOptions struct {
	ID           string  `json:"id" mapstructure:"id"`
	Lat          float64 `json:"lat" mapstructure:"lat"`
	Long         float64 `json:"long" mapstructure:"long"`
	RadiusMeters float64 `json:"radius-meters" mapstructure:"radius-meters"`
	Kind         string  `json:"kind" mapstructure:"kind"`

	// Operator receives toll payments. Toll only.
	Operator string `json:"operator" mapstructure:"operator"`

	// Amount is the toll in ether, e.g. "0.01". Toll only.
	Amount string `json:"amount" mapstructure:"amount"`
}

// GeofenceOptions holds the POI table. POIs can only be set from the config
// file; flags control reloading.
type GeofenceOptions struct {
	POIs []POIOptions `json:"pois" mapstructure:"pois"`

	// Watch reloads POIs when the config file changes.
	Watch bool `json:"watch" mapstructure:"watch"`
}

func NewGeofenceOptions() *GeofenceOptions {
	return &GeofenceOptions{
		POIs: []POIOptions{
			{
				ID:           "toll-mg-road",
				Lat:          12.9720,
				Long:         77.5950,
				RadiusMeters: 150,
				Kind:         POIKindToll,
				Operator:     "0x8626f6940E2eb28930eFb4CeF49B2d1F2C9C1199",
				Amount:       "0.01",
			},
			{
				ID:           "fuel-cubbon-park",
				Lat:          12.9700,
				Long:         77.5930,
				RadiusMeters: 300,
				Kind:         POIKindFuel,
			},
		},
		Watch: true,
	}
}

func (o *GeofenceOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}
	seen := make(map[string]struct{}, len(o.POIs))

	for i, p := range o.POIs {
		errs = append(errs, p.validate(i)...)
		if _, dup := seen[p.ID]; dup {
			errs = append(errs, fmt.Errorf("geofence.pois[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = struct{}{}
	}

	return errs
}

func (p POIOptions) validate(i int) []error {
	errs := []error{}
	field := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("geofence.pois[%d]: "+format, append([]any{i}, args...)...))
	}

	if p.ID == "" {
		field("id is required")
	}
	if p.Lat < -90 || p.Lat > 90 || p.Long < -180 || p.Long > 180 {
		field("coordinates %f,%f out of range", p.Lat, p.Long)
	}
	if p.RadiusMeters <= 0 {
		field("radius-meters must be positive")
	}

	switch p.Kind {
	case POIKindToll:
		if _, err := chain.ParseAddress(p.Operator); err != nil {
			field("operator: %v", err)
		}
		if amount, err := chain.ParseEther(p.Amount); err != nil {
			field("amount: %v", err)
		} else if amount.Sign() <= 0 {
			field("amount must be positive")
		}
	case POIKindFuel:
	default:
		field("kind must be %q or %q, got %q", POIKindToll, POIKindFuel, p.Kind)
	}

	return errs
}

func (o *GeofenceOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Watch, "geofence.watch", o.Watch, "Reload geofence POIs when the config file changes.")
}
