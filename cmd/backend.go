package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/kozaktomas/face-tracker/internal/config"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/kozaktomas/face-tracker/internal/database/memory"
	"github.com/kozaktomas/face-tracker/internal/database/postgres"
	"github.com/kozaktomas/face-tracker/internal/metrics"
	"github.com/kozaktomas/face-tracker/internal/recognition"
	"github.com/spf13/cobra"
)

// backend bundles an opened vector store with its optional capabilities.
type backend struct {
	store database.VectorStore
	saver database.IndexSaver
	// pg is set for the PostgreSQL backend only.
	pg  *postgres.Store
	log logr.Logger
}

// Close flushes the index snapshot and releases the store.
func (b *backend) Close() error {
	return b.store.Close()
}

// newLogger builds the stdr-backed logger. The --verbosity flag wins over
// LOG_VERBOSITY when set.
func newLogger(cmd *cobra.Command, cfg *config.Config) logr.Logger {
	verbosity := cfg.Log.Verbosity
	if v, err := cmd.Flags().GetInt("verbosity"); err == nil && v >= 0 {
		verbosity = v
	}
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("face-tracker")
}

// initPostgresHNSW builds or loads the in-memory HNSW mirror of the PostgreSQL store.
func initPostgresHNSW(ctx context.Context, store *postgres.Store, indexPath string) {
	if indexPath != "" {
		fmt.Fprintf(os.Stderr, "Loading HNSW index from %s...\n", indexPath)
	} else {
		fmt.Fprintf(os.Stderr, "Building in-memory HNSW index...\n")
	}
	if err := store.EnableHNSW(ctx, indexPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to build HNSW index: %v\n", err)
		fmt.Fprintf(os.Stderr, "Similar-identity listing is unavailable\n")
	} else if indexPath != "" {
		fmt.Fprintf(os.Stderr, "HNSW index ready with %d embeddings (persisted to %s)\n", store.HNSWCount(), indexPath)
	} else {
		fmt.Fprintf(os.Stderr, "HNSW index built with %d embeddings (in-memory only)\n", store.HNSWCount())
	}
}

// openBackend opens the configured vector store.
func openBackend(ctx context.Context, cfg *config.Config, logger logr.Logger) (*backend, error) {
	dim := cfg.Store.Dim
	maxVectors := cfg.Recognition.MaxVectorsPerPerson

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL environment variable is required")
		}
		fmt.Fprintf(os.Stderr, "Connecting to PostgreSQL database...\n")
		pool, err := postgres.Open(ctx, &cfg.Database, dim)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		store := postgres.NewStore(pool, dim, maxVectors,
			postgres.WithLogger(logger.WithName("postgres")),
			postgres.WithTimeout(cfg.Store.Timeout),
		)
		initPostgresHNSW(ctx, store, cfg.Database.HNSWIndexPath)
		fmt.Fprintf(os.Stderr, "Using PostgreSQL backend\n")
		return &backend{store: store, saver: store, pg: store, log: logger}, nil

	case config.BackendMemory:
		opts := []memory.Option{memory.WithLogger(logger.WithName("memory"))}
		if cfg.Database.HNSWIndexPath != "" {
			opts = append(opts, memory.WithIndexPath(cfg.Database.HNSWIndexPath))
		}
		store, err := memory.New(dim, maxVectors, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory store: %w", err)
		}
		if cfg.Database.HNSWIndexPath != "" {
			fmt.Fprintf(os.Stderr, "In-memory store ready with %d embeddings (persisted to %s)\n", store.HNSWCount(), cfg.Database.HNSWIndexPath)
		} else {
			fmt.Fprintf(os.Stderr, "Using in-memory backend (not persisted)\n")
		}
		return &backend{store: store, saver: store, log: logger}, nil

	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want %s or %s)", cfg.Store.Backend, config.BackendPostgres, config.BackendMemory)
	}
}

// newEngine wires an instrumented engine over b.
func newEngine(cfg *config.Config, b *backend, opts ...recognition.Option) *recognition.Engine {
	opts = append([]recognition.Option{recognition.WithLogger(b.log.WithName("recognition"))}, opts...)
	return recognition.NewEngine(metrics.InstrumentStore(b.store), recognition.Settings{
		Threshold:     cfg.MatchThreshold(),
		RecencyWindow: cfg.Recognition.RecencyWindow,
		Dim:           cfg.Store.Dim,
	}, opts...)
}
