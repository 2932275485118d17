package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/observability"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/settings"
)

func openSettings() (*settings.Settings, error) {
	return settings.Open(cfg.Settings.Path, observability.GetLogger())
}

func newEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable", "Turn position emulation on for new pages"
	if !enabled {
		use, short = "disable", "Turn position emulation off for new pages"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSettings()
			if err != nil {
				return err
			}
			if err := s.SetEnabled(enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "emulation %sd\n", use)
			return nil
		},
	}
}

func newSetPositionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-position <lat> <lng>",
		Short: "Store the default position new pages start from",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("latitude: %w", err)
			}
			lng, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("longitude: %w", err)
			}

			s, err := openSettings()
			if err != nil {
				return err
			}
			pos := model.LatLng{Lat: lat, Lng: lng}
			if err := s.SetDefaultPosition(pos); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default position set to %s\n", pos)
			return nil
		},
	}
}
