package hub

import (
	"fmt"

	"github.com/autopeer-io/v2x/internal/geo"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/options"
)

// POIsFromOptions converts the configured geofence table.
func POIsFromOptions(o *options.GeofenceOptions) ([]settlement.POI, error) {
	pois := make([]settlement.POI, 0, len(o.POIs))
	for _, p := range o.POIs {
		poi := settlement.POI{
			ID:           p.ID,
			Location:     geo.Point{Lat: p.Lat, Long: p.Long},
			RadiusMeters: p.RadiusMeters,
			Kind:         settlement.Kind(p.Kind),
		}
		if poi.Kind == settlement.KindToll {
			amount, err := chain.ParseEther(p.Amount)
			if err != nil {
				return nil, fmt.Errorf("poi %s: %w", p.ID, err)
			}
			operator, err := chain.Canonical(p.Operator)
			if err != nil {
				return nil, fmt.Errorf("poi %s: %w", p.ID, err)
			}
			poi.Operator, poi.Amount = operator, amount
		}
		pois = append(pois, poi)
	}
	return pois, nil
}
