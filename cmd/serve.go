package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/config"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/metrics"
	"github.com/kozaktomas/face-tracker/internal/notify"
	"github.com/kozaktomas/face-tracker/internal/recognition"
	"github.com/kozaktomas/face-tracker/internal/web"
	"github.com/kozaktomas/face-tracker/internal/web/middleware"
	"github.com/spf13/cobra"
)

// poolStatsInterval is how often connection pool gauges are refreshed.
const (
	poolStatsInterval  = 15 * time.Second
	notifyFlushTimeout = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition server",
	Long: `Start the Face Tracker HTTP server.
Capture devices post images or embeddings for recognition, operators accept
new identities and sightings, and observers follow events over /ws.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// resolveServeHostPort resolves port and host from flags and configuration.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.Config) (int, string) {
	port := cfg.Web.Port
	host := cfg.Web.Host
	if p := mustGetInt(cmd, "port"); p > 0 {
		port = p
	}
	if h := mustGetString(cmd, "host"); h != "" {
		host = h
	}
	return port, host
}

// setupNotifier returns the engine's event sink. With Redis configured,
// events go to the channel only and a relay feeds the local hub, so every
// replica's observers see every event exactly once.
func setupNotifier(ctx context.Context, cfg *config.Config, hub *notify.Hub, logger logr.Logger) (notify.Publisher, func(), error) {
	if cfg.Notify.RedisURL == "" {
		return hub, func() {}, nil
	}

	client, err := notify.NewRedisClient(ctx, cfg.Notify.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	relay := notify.NewRedisRelay(client, cfg.Notify.Channel, hub, logger.WithName("relay"))
	if err := relay.Start(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Notify.Channel, err)
	}
	fmt.Printf("Publishing events to Redis channel %s\n", cfg.Notify.Channel)

	publisher := notify.NewRedisPublisher(client, cfg.Notify.Channel, logger.WithName("redis"))
	cleanup := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), notifyFlushTimeout)
		defer cancel()
		if err := publisher.Close(flushCtx); err != nil {
			logger.Error(err, "pending events not published")
		}
		relay.Close()
		client.Close()
	}
	return publisher, cleanup, nil
}

// reportPoolStats refreshes the connection pool gauges until ctx is done.
func reportPoolStats(ctx context.Context, b *backend) {
	if b.pg == nil {
		return
	}
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		metrics.UpdateDBPoolStats(b.pg.PoolStats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			fmt.Printf("Warning: failed to close store: %v\n", err)
		} else if cfg.Database.HNSWIndexPath != "" {
			fmt.Printf("HNSW index saved to %s\n", cfg.Database.HNSWIndexPath)
		}
	}()
	go reportPoolStats(ctx, b)

	hub := notify.NewHub(logger.WithName("hub"), middleware.WebsocketOrigin(cfg.Web.AllowedOrigins))
	publisher, closeNotifier, err := setupNotifier(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	engine := newEngine(cfg, b, recognition.WithNotifier(publisher))
	port, host := resolveServeHostPort(cmd, cfg)

	server := web.NewServer(web.Dependencies{
		Engine:         engine,
		Embedder:       embedder.NewClient(cfg.Embedder.URL, cfg.Embedder.MaxImageSize),
		Hub:            hub,
		Log:            logger.WithName("web"),
		AllowedOrigins: cfg.Web.AllowedOrigins,
		DeviceCooldown: cfg.Web.DeviceCooldown,
	}, port, host)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Tracker on http://%s:%d (threshold %.2f, %s backend)\n", host, port, engine.Threshold(), cfg.Store.Backend)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
