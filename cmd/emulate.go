package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/bridge"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/chrome"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/emulator"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/observability"
	"go.uber.org/zap"
)

type emulateOptions struct {
	chromeURL string
	headless  bool
	radius    float64
}

func newEmulateCmd() *cobra.Command {
	var opts emulateOptions
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run the position emulator for one page, steered from stdin",
		Long: `Starts the emulator at the stored default position and reads joystick input
from stdin, one "x y" pair per line with both values in [-1, 1]. With --radius
the pair is a knob offset in pixels instead. Every fix is printed as JSON.
With --chrome the fixes also drive the geolocation of a real Chrome tab.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmulate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.chromeURL, "chrome", "", "open this URL in Chrome and mirror positions into it")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "run Chrome headless")
	cmd.Flags().Float64Var(&opts.radius, "radius", 0, "joystick radius in pixels; input lines are then pixel offsets")
	return cmd
}

func runEmulate(ctx context.Context, in io.Reader, out io.Writer, opts emulateOptions) error {
	logger := observability.GetLogger()

	s, err := openSettings()
	if err != nil {
		return err
	}
	s.Watch()

	page := bridge.NewPage(nil)
	b, err := bridge.Activate(ctx, page, s,
		bridge.WithLogger(logger),
		bridge.WithEmulatorOptions(
			emulator.WithTickPeriod(cfg.Emulator.TickPeriod),
			emulator.WithAcquisitionLatency(cfg.Emulator.AcquisitionLatency),
		))
	if errors.Is(err, bridge.ErrInactive) {
		return errors.New("emulation is disabled or no default position is set; run `fakegeo enable` and `fakegeo set-position`")
	}
	if err != nil {
		return err
	}
	defer b.Close()

	enc := json.NewEncoder(out)
	geo := page.Geolocation()
	watchID := geo.WatchPosition(func(p *emulator.Position) {
		if err := enc.Encode(p); err != nil {
			logger.Warn("write position", zap.Error(err))
		}
	}, nil, nil)
	defer geo.ClearWatch(watchID)

	if opts.chromeURL != "" {
		tabCtx, closeBrowser, err := chrome.Launch(ctx, opts.chromeURL, opts.headless)
		if err != nil {
			return err
		}
		defer closeBrowser()

		m := chrome.NewMirror(geo, chrome.Tab{}, logger)
		if err := m.Start(tabCtx, originOf(opts.chromeURL)); err != nil {
			return err
		}
		defer m.Stop()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input ended: release the stick and keep emulating.
				b.HandleMove(0, 0)
				lines = nil
				continue
			}
			x, y, err := parseMove(line, opts.radius)
			if err != nil {
				logger.Warn("ignoring input line", zap.String("line", line), zap.Error(err))
				continue
			}
			b.HandleMove(x, y)
		}
	}
}

func parseMove(line string, radius float64) (float64, float64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("want 2 numbers, got %d fields", len(fields))
	}
	x, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	if radius > 0 {
		x, y = bridge.Normalize(x, y, radius)
	}
	return x, y, nil
}

// originOf trims a URL to scheme://host for the permission grant.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
