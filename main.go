package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/cmd"
)

func main() {
	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
