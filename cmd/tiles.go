package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/observability"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/tiles"
)

func newTilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiles",
		Short: "Print the map tile archive the position picker should use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := tiles.NewSelector(cfg.Tiles.Servers, nil, cfg.Tiles.Timeout, observability.GetLogger())
			server, err := sel.Select(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), server)
			return nil
		},
	}
}
