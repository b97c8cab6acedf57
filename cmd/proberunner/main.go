package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proberunner/internal/app"
	"proberunner/internal/session/loopback"
)

func main() {
	var (
		cfgPath   string
		liveEvery int
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.IntVar(&liveEvery, "live-every", 0, "loopback driver: mark every Nth submission live (0 = none)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// This binary ships with the loopback driver for dry runs; builds
	// carrying a production driver supply it here instead.
	a, err := app.New(app.Options{
		ConfigPath: cfgPath,
		Driver:     loopback.New(liveEvery),
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	waitErr := a.Wait(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Println("stop:", err)
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		fmt.Println("run:", waitErr)
		os.Exit(1)
	}
}
