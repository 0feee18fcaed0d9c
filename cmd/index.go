package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-tracker/internal/config"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and persist the HNSW index",
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print index statistics",
	Args:  cobra.NoArgs,
	RunE:  runIndexStats,
}

var indexSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Build or load the index and write it to HNSW_INDEX_PATH",
	Long: `Build the HNSW index from the configured store (or load an existing snapshot)
and write it to HNSW_INDEX_PATH, so the next server start skips the rebuild.`,
	Args: cobra.NoArgs,
	RunE: runIndexSave,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexStatsCmd)
	indexCmd.AddCommand(indexSaveCmd)
}

// IndexStats is printed by index stats.
type IndexStats struct {
	Backend    string                      `json:"backend"`
	Embeddings int                         `json:"indexed_embeddings"`
	Identities int                         `json:"identities"`
	Path       string                      `json:"path,omitempty"`
	Meta       *database.HNSWIndexMetadata `json:"snapshot,omitempty"`
}

func runIndexStats(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, cfg *config.Config, b *backend) error {
		identities, err := b.store.ListIdentities(ctx)
		if err != nil {
			return err
		}
		stats := IndexStats{
			Backend:    cfg.Store.Backend,
			Embeddings: b.saver.HNSWCount(),
			Identities: len(identities),
			Path:       cfg.Database.HNSWIndexPath,
		}
		if stats.Path != "" {
			if meta, err := database.LoadHNSWMetadata(stats.Path); err == nil {
				stats.Meta = &meta
			}
		}
		return outputJSON(stats)
	})
}

func runIndexSave(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(_ context.Context, cfg *config.Config, b *backend) error {
		if cfg.Database.HNSWIndexPath == "" {
			return errors.New("HNSW_INDEX_PATH environment variable is required")
		}
		if err := b.saver.SaveHNSWIndex(); err != nil {
			return fmt.Errorf("saving index: %w", err)
		}
		fmt.Printf("Saved %d embeddings to %s\n", b.saver.HNSWCount(), cfg.Database.HNSWIndexPath)
		return nil
	})
}
