// Command tripwatch follows one trip the way the rider app does: push events
// over the realtime connection with a polling fallback. Each genuine status
// change is printed as one JSON line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/realtime"
	"github.com/example/trip-dispatch/internal/tripstatus"
)

type line struct {
	TripID        string    `json:"trip_id"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	Source        string    `json:"source"`
	TravelRequest bool      `json:"travel_request"`
	Effect        string    `json:"effect,omitempty"`
	At            time.Time `json:"at"`
}

func main() {
	fs := pflag.NewFlagSet("tripwatch", pflag.ExitOnError)
	config.ClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadClientConfig(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tripwatch:", err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tripwatch failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	wsURL, err := realtime.WSURL(cfg.APIURL)
	if err != nil {
		return err
	}
	token := func(context.Context) (string, error) { return cfg.Token, nil }

	client := realtime.NewClient(realtime.Config{
		URL:       wsURL,
		Token:     token,
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Logger:    logger.With("component", "realtime"),
	})
	defer client.Close()

	finished := make(chan struct{})
	var once sync.Once
	enc := json.NewEncoder(os.Stdout)
	handler := func(t tripstatus.Transition) {
		_ = enc.Encode(line{
			TripID:        t.TripID,
			From:          string(t.From),
			To:            string(t.To),
			Source:        string(t.Source),
			TravelRequest: t.TravelRequest,
			Effect:        string(t.Effect()),
			At:            time.Now().UTC(),
		})
		if t.To.Terminal() {
			once.Do(func() { close(finished) })
		}
	}

	rec := tripstatus.New(
		tripstatus.NewHTTPFetcher(cfg.RESTBase(), token),
		tripstatus.RealtimeSubscriber{Client: client},
		handler,
		tripstatus.Config{PollInterval: cfg.PollInterval, Logger: logger.With("component", "tripstatus")},
	)
	logger.Info("watching trip", "trip_id", cfg.TripID, "ws_url", wsURL, "api", cfg.RESTBase())
	rec.StartMonitoring(cfg.TripID)
	defer rec.StopMonitoring()

	select {
	case <-ctx.Done():
	case <-finished:
	}
	return nil
}
