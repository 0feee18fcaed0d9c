package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kozaktomas/face-tracker/internal/config"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/recognition"
	"github.com/spf13/cobra"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>",
	Short: "Recognize the face in an image",
	Long: `Embed the face in an image and classify it against the stored identities.

By default nothing is persisted. With --accept, an unidentified face becomes
a new identity and a stale sighting is appended to its identity.

Examples:
  face-tracker recognize visitor.jpg
  face-tracker recognize visitor.jpg --accept --device door-1
  face-tracker recognize visitor.jpg --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().Bool("accept", false, "Persist the staged action without confirmation")
	recognizeCmd.Flags().String("device", "cli", "Device ID attached to emitted events")
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	accept := mustGetBool(cmd, "accept")
	deviceID := mustGetString(cmd, "device")
	jsonOutput := mustGetBool(cmd, "json")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	return withBackend(cmd, func(ctx context.Context, cfg *config.Config, b *backend) error {
		client := embedder.NewClient(cfg.Embedder.URL, cfg.Embedder.MaxImageSize)
		vector, err := client.Embed(ctx, data)
		if err != nil {
			return fmt.Errorf("embedding %s: %w", args[0], err)
		}

		engine := newEngine(cfg, b)
		ctx = recognition.WithDeviceID(ctx, deviceID)
		res, err := engine.ResolveAndClassify(ctx, vector)
		if err != nil {
			return err
		}
		if accept {
			if res, err = engine.AutoAccept(ctx, res); err != nil {
				return err
			}
		}

		if jsonOutput {
			return outputJSON(res)
		}
		printResult(args[0], res)
		return nil
	})
}

func printResult(name string, res recognition.Result) {
	fmt.Printf("%s: %s", name, res.Tier)
	if res.IdentityID != nil {
		fmt.Printf(" (identity %d", *res.IdentityID)
		if res.LastSeen != nil {
			fmt.Printf(", last seen %s", formatAge(time.Now(), *res.LastSeen))
		}
		fmt.Print(")")
	}
	if res.Score != nil {
		fmt.Printf(" score=%.3f", *res.Score)
	}
	switch {
	case res.Persisted:
		fmt.Print(" [saved]")
	case res.Action != recognition.ActionNone:
		fmt.Printf(" [%s]", res.Action)
	}
	fmt.Println()
}
