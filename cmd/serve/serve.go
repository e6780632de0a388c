// Package serve implements the serve command running the full pipeline.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trunkfeed/trunkfeed/internal/acl"
	"github.com/trunkfeed/trunkfeed/internal/alert"
	"github.com/trunkfeed/trunkfeed/internal/api"
	"github.com/trunkfeed/trunkfeed/internal/broker"
	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/dispatch"
	"github.com/trunkfeed/trunkfeed/internal/forward"
	"github.com/trunkfeed/trunkfeed/internal/ingest"
	"github.com/trunkfeed/trunkfeed/internal/jobqueue"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/mqtt"
	prunesvc "github.com/trunkfeed/trunkfeed/internal/prune"
	"github.com/trunkfeed/trunkfeed/internal/realtime"
)

// Command returns the serve subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest, fan-out and realtime services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings)
		},
	}
}

func run(ctx context.Context, settings *conf.Settings) error {
	logger := logging.ForService("serve")

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer store.Close()

	queue := jobqueue.NewJobQueue()
	queue.Start()

	targets := brokerTargets(ctx, settings)
	var publisher *broker.Publisher
	if len(targets) > 0 {
		publisher = broker.NewPublisher(store, targets)
	}

	hub := realtime.NewHub(store, acl.NewResolver(store), settings.Realtime)
	forwarder := forward.New(store, settings.Forward.Timeout)
	engine := alert.NewEngine(store, hub,
		alert.NewShoutrrrSender(settings.Alert.ExternalTimeout), settings.Alert.ExternalTimeout)
	dispatcher := dispatch.New(queue, store, hub, publisher, forwarder, engine, settings.Forward.MaxRetries)
	validator := ingest.New(store, dispatcher, settings.Ingest, "audio")

	pruner := prunesvc.New(store, settings.Prune)
	pruneCtx, cancelPrune := context.WithCancel(ctx)
	go pruner.Run(pruneCtx)

	server := api.New(settings, validator, hub)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info("serving", "address", settings.Web.Address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	case <-ctx.Done():
	}

	cancelPrune()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := queue.StopWithTimeout(30 * time.Second); err != nil {
		logger.Error("jobqueue drain incomplete", "error", err)
	}
	for _, target := range targets {
		target.Client.Disconnect()
	}
	return nil
}

// brokerTargets builds and connects a client per enabled broker target.
// Connection failures are logged; the paho client keeps reconnecting in the
// background.
func brokerTargets(ctx context.Context, settings *conf.Settings) []*broker.Target {
	logger := logging.ForService("serve")

	var targets []*broker.Target
	for i := range settings.Brokers {
		cfg := &settings.Brokers[i]
		if !cfg.Enabled {
			continue
		}

		clientCfg := mqtt.DefaultConfig()
		clientCfg.Broker = cfg.Broker
		clientCfg.ClientID = fmt.Sprintf("%s-%d", settings.Main.Name, i)
		clientCfg.Username = cfg.Username
		clientCfg.Password = cfg.Password
		clientCfg.Retain = cfg.Retain

		client := mqtt.NewClient(clientCfg)
		connectCtx, cancel := context.WithTimeout(ctx, clientCfg.ConnectTimeout)
		if err := client.Connect(connectCtx); err != nil {
			logger.Warn("broker connect failed, will retry in background",
				"broker", cfg.Broker, "error", err)
		}
		cancel()

		systems := make(map[uint]struct{}, len(cfg.Systems))
		for _, id := range cfg.Systems {
			systems[id] = struct{}{}
		}
		targets = append(targets, &broker.Target{
			Name:     cfg.Broker,
			Client:   client,
			Systems:  systems,
			Agencies: cfg.Agencies,
		})
	}
	return targets
}
