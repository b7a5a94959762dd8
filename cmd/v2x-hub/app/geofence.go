package app

import (
	"fmt"
	"strconv"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/v2x/cmd/v2x-hub/app/options"
	"github.com/autopeer-io/v2x/internal/hub"
	"github.com/autopeer-io/v2x/internal/settlement"
	"github.com/autopeer-io/v2x/pkg/chain"
)

func newGeofenceCommand(opts *options.HubOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geofence",
		Short: "Inspect the configured geofence",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the configured points of interest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pois, err := hub.POIsFromOptions(opts.GeofenceOptions)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), poiTable(pois))
			return err
		},
	})
	return cmd
}

func poiTable(pois []settlement.POI) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 48
	table.AddRow("ID", "KIND", "LAT", "LONG", "RADIUS(M)", "OPERATOR", "AMOUNT(ETH)")
	for _, p := range pois {
		operator, amount := "-", "-"
		if p.Kind == settlement.KindToll {
			operator, amount = p.Operator, chain.FormatEther(p.Amount)
		}
		table.AddRow(
			p.ID,
			string(p.Kind),
			strconv.FormatFloat(p.Location.Lat, 'f', 6, 64),
			strconv.FormatFloat(p.Location.Long, 'f', 6, 64),
			strconv.FormatFloat(p.RadiusMeters, 'f', -1, 64),
			operator,
			amount,
		)
	}
	return table
}
