package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nextTPCloud/Omerix-sub006/internal/api"
	"github.com/nextTPCloud/Omerix-sub006/internal/core"
	"github.com/nextTPCloud/Omerix-sub006/internal/infrastructure"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the POS admission API server",
	Long:  `Launches the HTTP server handling terminal activation, operator sessions and fiscal receipt issuance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing POS Admission Service...")

	// --- Infrastructure Setup ---
	store := core.NewTenantStore(cfg.Database)
	defer store.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	defer cache.Close()

	logger.Info("Connecting to messaging service...")
	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		logger.Warn("Messaging service unavailable, continuing without it")
		messaging = nil
	} else {
		defer messaging.Close()
	}

	// --- Service Layer Setup ---
	quota := core.NewQuotaService(store, logger)
	devices := core.NewDeviceService(store, quota, cache, messaging, logger, cfg.Activation)
	sessions := core.NewSessionService(store, devices, quota, messaging, logger)
	ledger := core.NewLedgerService(store, messaging, logger, cfg.Fiscal)

	services := &core.ServiceRegistry{
		Devices:  devices,
		Sessions: sessions,
		Quota:    quota,
		Ledger:   ledger,
	}

	// --- MQTT heartbeat ingestion (optional) ---
	var subscriber *infrastructure.MQTTSubscriber
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		subscriber, err = infrastructure.NewMQTTSubscriber(*cfg.MQTT, mqttHeartbeat(sessions), logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT subscriber: %w", err)
		}
		if err := subscriber.Start(); err != nil {
			logger.WithError(err).Warn("MQTT broker unavailable, heartbeats limited to HTTP")
			subscriber = nil
		} else {
			defer subscriber.Stop()
		}
	}

	// --- Background sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go runSweeper(sweepCtx, store, services)

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	handlers := api.NewAPIHandlers(services)
	api.SetupRoutes(router, handlers, services, logger)

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

	go func() {
		logger.Infof("POS Admission API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("POS Admission Service shutdown complete")
	return nil
}

// mqttHeartbeat adapts broker heartbeats onto the session service. Payload is
// the same shape as the HTTP heartbeat body.
func mqttHeartbeat(sessions *core.SessionService) infrastructure.HeartbeatHandler {
	return func(ctx context.Context, tenant, deviceUID string, payload []byte) error {
		var body struct {
			SessionUID string  `json:"session_uid"`
			ShiftRef   *string `json:"shift_ref"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return fmt.Errorf("malformed heartbeat payload: %w", err)
		}
		if body.SessionUID == "" {
			return fmt.Errorf("heartbeat payload missing session_uid")
		}
		// A vanished session is soft here just like over HTTP: the terminal
		// finds out on its next API call.
		_, err := sessions.Heartbeat(ctx, tenant, body.SessionUID, body.ShiftRef)
		return err
	}
}

// runSweeper periodically reaps zombie sessions and purges expired activation
// tokens across every configured tenant.
func runSweeper(ctx context.Context, store core.TenantStore, services *core.ServiceRegistry) {
	interval := cfg.Sessions.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range store.Tenants() {
				if _, err := services.Sessions.SweepZombies(ctx, tenant); err != nil {
					logger.WithError(err).WithField("tenant", tenant).Error("Zombie sweep failed")
				}
				if _, err := services.Devices.PurgeExpiredTokens(ctx, tenant); err != nil {
					logger.WithError(err).WithField("tenant", tenant).Error("Token purge failed")
				}
			}
		}
	}
}
