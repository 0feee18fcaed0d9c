package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "face-tracker",
	Short: "Resolve face embeddings to returning visitors",
	Long: `Face Tracker matches face embeddings against a store of known identities
and classifies each sighting as recent, stale, or unidentified.

Known identities keep a bounded window of their most recent embeddings,
stored in PostgreSQL with pgvector or in an in-process HNSW index.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().IntP("verbosity", "v", -1, "Log verbosity (overrides LOG_VERBOSITY)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
