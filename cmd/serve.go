package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/backstage/services/ingest/internal/api"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/processor"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the ingestion pipeline and ops API",
	Long:  `Subscribes to the broker, appends every inbound message to the raw log, maps unprocessed entries into sensor logs and serves the ops HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Telemetry Ingest Service...")

	// --- Infrastructure Setup ---
	a, err := newApp(appOptions{requireCache: true, spool: true, metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	goBackground := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.WithField("worker", name).Debug("Background worker stopped")
		}()
	}

	// --- Transport ---
	var session *infrastructure.Session
	if cfg.MQTT.Enabled {
		logger.Info("Connecting to MQTT broker...")
		session, err = infrastructure.NewSession(cfg.MQTT, logger, infrastructure.WithMetrics(a.metrics))
		if err != nil {
			return fmt.Errorf("mqtt session setup failed: %w", err)
		}
		defer session.Close()

		for _, topic := range cfg.MQTT.Topics {
			if err := session.Subscribe(topic, cfg.MQTT.QoS, a.services.Ingestor.HandleMessage); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
		}
		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("mqtt connect failed: %w", err)
		}
		goBackground("transport-watch", func(ctx context.Context) { watchSession(ctx, session) })
	}

	if cfg.ServiceBus.Enabled {
		logger.Info("Connecting to Service Bus...")
		consumer, err := infrastructure.NewServiceBusConsumer(cfg.ServiceBus, a.services.Ingestor.Handler(core.SourceServiceBus), logger)
		if err != nil {
			logger.WithError(err).Warn("Service Bus unavailable, continuing without it")
		} else {
			defer consumer.Close()
			goBackground("servicebus", func(ctx context.Context) {
				if err := consumer.Run(ctx); err != nil {
					logger.WithError(err).Error("Service Bus consumer stopped")
				}
			})
		}
	}

	goBackground("spool-drainer", func(ctx context.Context) {
		a.services.Ingestor.RunSpoolDrainer(ctx, cfg.Storage.SpoolDrainInterval)
	})

	// --- Processing ---
	var proc *processor.Processor
	if cfg.Processor.Enabled {
		proc = a.newProcessor()
		proc.Start(ctx)

		sweeper := processor.NewLivenessSweeper(a.services.Store, cfg.Processor.OfflineGraceFactor, cfg.Processor.SweepInterval, a.metrics, logger)
		goBackground("liveness", sweeper.Run)
	} else {
		logger.Warn("Processor disabled; raw log entries will accumulate")
	}

	// --- API Layer Setup ---
	if gin.Mode() == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	var transport api.Transport
	if session != nil {
		transport = session
	}
	handlers := api.NewAPIHandlers(a.services, proc, transport, a.db)
	api.SetupRoutes(router, handlers, cfg.Server, a.registry, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Ingest API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	// Stop the processor before the stores it writes to are closed.
	if proc != nil {
		proc.Stop()
	}
	cancel()
	wg.Wait()

	logger.Info("Telemetry Ingest Service shutdown complete")
	return nil
}

// watchSession logs transport state transitions.
func watchSession(ctx context.Context, session *infrastructure.Session) {
	changes, stop := session.Watch()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			entry := logger.WithFields(logrus.Fields{
				"from":    ch.From.String(),
				"to":      ch.To.String(),
				"attempt": ch.Attempt,
			})
			if ch.Err != nil {
				entry = entry.WithError(ch.Err)
			}
			if ch.To == infrastructure.StateExhausted {
				entry.Error("MQTT reconnect attempts exhausted; use the reconnect endpoint to retry")
				continue
			}
			entry.Info("MQTT session state changed")
		}
	}
}
