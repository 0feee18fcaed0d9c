package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kozaktomas/face-tracker/internal/config"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List known identities",
	Long: `List every known identity with its embedding count and last sighting.

Examples:
  face-tracker identities
  face-tracker identities --json
  face-tracker identities show 4
  face-tracker identities similar 4 --limit 3
  face-tracker identities delete-embedding 4 117`,
	Args: cobra.NoArgs,
	RunE: runIdentities,
}

var identitiesShowCmd = &cobra.Command{
	Use:   "show <identity-id>",
	Short: "Show the retained embeddings of an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitiesShow,
}

var identitiesDeleteEmbeddingCmd = &cobra.Command{
	Use:   "delete-embedding <identity-id> <embedding-id>",
	Short: "Remove one embedding from an identity",
	Long: `Remove one retained embedding, for example a mislabeled capture.
An identity's last embedding cannot be removed.`,
	Args: cobra.ExactArgs(2),
	RunE: runIdentitiesDeleteEmbedding,
}

var identitiesSimilarCmd = &cobra.Command{
	Use:   "similar <identity-id>",
	Short: "List identities that may be duplicates of one identity",
	Long: `Search the HNSW index from every embedding of an identity and list the
other identities that come closest. The listing is approximate and only meant
to help spot one person enrolled twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentitiesSimilar,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesShowCmd)
	identitiesCmd.AddCommand(identitiesDeleteEmbeddingCmd)
	identitiesCmd.AddCommand(identitiesSimilarCmd)

	identitiesSimilarCmd.Flags().Int("limit", 5, "Maximum number of identities to list")

	identitiesCmd.PersistentFlags().Bool("json", false, "Output as JSON")
}

// withBackend opens the configured store, runs fn and closes the store.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, b *backend) error) error {
	cfg := config.Load()
	logger := newLogger(cmd, cfg)
	ctx := context.Background()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, cfg, b)
	if err := b.Close(); err != nil && runErr == nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return runErr
}

func parseID(s, name string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return id, nil
}

func runIdentities(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	return withBackend(cmd, func(ctx context.Context, cfg *config.Config, b *backend) error {
		engine := newEngine(cfg, b)
		identities, err := engine.ListIdentities(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			if identities == nil {
				identities = []database.IdentitySummary{}
			}
			return outputJSON(identities)
		}

		if len(identities) == 0 {
			fmt.Println("No identities stored.")
			return nil
		}

		now := time.Now()
		fmt.Printf("%-10s %-10s %-25s %s\n", "IDENTITY", "VECTORS", "LAST SEEN", "AGE")
		for _, id := range identities {
			fmt.Printf("%-10d %-10d %-25s %s\n", id.IdentityID, id.EmbeddingCount,
				id.MostRecentSeen.Local().Format(time.DateTime), formatAge(now, id.MostRecentSeen))
		}
		fmt.Printf("\n%d identities\n", len(identities))
		return nil
	})
}

func runIdentitiesShow(cmd *cobra.Command, args []string) error {
	identityID, err := parseID(args[0], "identity id")
	if err != nil {
		return err
	}
	jsonOutput := mustGetBool(cmd, "json")

	return withBackend(cmd, func(ctx context.Context, _ *config.Config, b *backend) error {
		embeddings, err := b.store.Embeddings(ctx, identityID)
		if err != nil {
			return err
		}

		if jsonOutput {
			type embeddingJSON struct {
				ID         int64     `json:"embedding_id"`
				RecordedAt time.Time `json:"recorded_at"`
				Dim        int       `json:"dim"`
			}
			out := make([]embeddingJSON, 0, len(embeddings))
			for _, e := range embeddings {
				out = append(out, embeddingJSON{ID: e.ID, RecordedAt: e.RecordedAt, Dim: len(e.Vector)})
			}
			return outputJSON(out)
		}

		fmt.Printf("Identity %d: %d embeddings (oldest first)\n", identityID, len(embeddings))
		for _, e := range embeddings {
			fmt.Printf("  %-10d %s\n", e.ID, e.RecordedAt.Local().Format(time.DateTime))
		}
		return nil
	})
}

func runIdentitiesDeleteEmbedding(cmd *cobra.Command, args []string) error {
	identityID, err := parseID(args[0], "identity id")
	if err != nil {
		return err
	}
	embeddingID, err := parseID(args[1], "embedding id")
	if err != nil {
		return err
	}

	return withBackend(cmd, func(ctx context.Context, _ *config.Config, b *backend) error {
		if err := b.store.DeleteEmbedding(ctx, identityID, embeddingID); err != nil {
			return err
		}
		fmt.Printf("Removed embedding %d from identity %d\n", embeddingID, identityID)
		return nil
	})
}

func runIdentitiesSimilar(cmd *cobra.Command, args []string) error {
	identityID, err := parseID(args[0], "identity id")
	if err != nil {
		return err
	}
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")

	return withBackend(cmd, func(ctx context.Context, cfg *config.Config, b *backend) error {
		finder, ok := b.store.(database.SimilarFinder)
		if !ok {
			return fmt.Errorf("%s backend cannot list similar identities", cfg.Store.Backend)
		}
		candidates, err := finder.SimilarIdentities(ctx, identityID, limit)
		if err != nil {
			return err
		}

		if jsonOutput {
			if candidates == nil {
				candidates = []database.Candidate{}
			}
			return outputJSON(candidates)
		}

		if len(candidates) == 0 {
			fmt.Printf("No other identities near identity %d.\n", identityID)
			return nil
		}
		threshold := cfg.MatchThreshold()
		fmt.Printf("%-10s %-8s\n", "IDENTITY", "SCORE")
		for _, c := range candidates {
			marker := ""
			if c.Score >= threshold {
				marker = "  above match threshold"
			}
			fmt.Printf("%-10d %-8.3f%s\n", c.IdentityID, c.Score, marker)
		}
		return nil
	})
}
