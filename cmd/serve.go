package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/observability"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/server"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background cache eviction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := observability.GetLogger()

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.settings.Watch()

	srv := server.New(server.Deps{
		Lookup:   a.lookup,
		PublicIP: a.publicIP,
		Locator:  a.locator,
		Settings: a.settings,
		Store:    a.store,
	}, cfg.Server.AuthKey, logger)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logger.Info("fakegeo API starting",
		zap.String("addr", addr),
		zap.String("store", a.store.Type()),
		zap.Strings("ip_strategies", a.publicIP.Names()),
		zap.Bool("auth", cfg.Server.AuthKey != ""))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	logger.Info("server stopped")
	return nil
}
