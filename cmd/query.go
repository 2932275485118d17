package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/lookup"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/observability"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp runs fn against a freshly wired app without the background sweep.
func withApp(fn func(*app) error) error {
	a, err := newApp(cfg, observability.GetLogger(), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate <ip>",
		Short: "Look up the approximate coordinate of an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				pos, err := a.lookup.Locate(cmd.Context(), args[0])
				if errors.Is(err, lookup.ErrNoLocation) {
					fmt.Fprintf(cmd.OutOrStdout(), "no location for %s\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), pos)
			})
		},
	}
}

func newPublicIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "public-ip",
		Short: "Discover this host's public IPv4 and IPv6 addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ips, err := a.publicIP.Resolve(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ips)
			})
		},
	}
}

func newUseCurrentLocationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-current-location",
		Short: "Store the current location, found from the public IP, as the default position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				res, err := a.locator.UseCurrentLocation(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired databases from the persistent cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				n, err := a.geodb.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "evicted %d expired database(s)\n", n)
				return nil
			})
		},
	}
}
