package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/face-tracker/internal/config"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/recognition"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <directory>",
	Short: "Bulk-import face images",
	Long: `Embed every image in a directory and accept each one without confirmation:
unidentified faces become new identities, stale sightings are appended and
recent matches are left alone.

Images are embedded concurrently and then resolved one by one in file name
order, so two photos of the same new visitor produce one identity.

Examples:
  face-tracker enroll ./captures
  face-tracker enroll ./captures --concurrency 8 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().Int("concurrency", 4, "Number of parallel embedding requests")
	enrollCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp"}

// EnrollResult summarizes an enroll run.
type EnrollResult struct {
	Images        int    `json:"images"`
	NewIdentities int    `json:"new_identities"`
	Sightings     int    `json:"sightings"`
	Unchanged     int    `json:"unchanged"`
	NoFace        int    `json:"no_face"`
	Errors        int    `json:"errors"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration,omitempty"`
}

// listImages returns the image files directly inside dir, sorted by name.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// embedAll embeds every image with bounded concurrency. Per-image failures
// are returned in errs; only context cancellation aborts the run.
func embedAll(ctx context.Context, emb embedder.Embedder, paths []string, concurrency int, bar *progressbar.ProgressBar) ([][]float32, []error, error) {
	vectors := make([][]float32, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, path := range paths {
		g.Go(func() error {
			if bar != nil {
				defer bar.Add(1)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				errs[i] = err
				return nil
			}
			vectors[i], errs[i] = emb.Embed(gctx, data)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vectors, errs, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	concurrency := mustGetInt(cmd, "concurrency")
	jsonOutput := mustGetBool(cmd, "json")
	startTime := time.Now()

	paths, err := listImages(args[0])
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		if jsonOutput {
			return outputJSON(EnrollResult{})
		}
		fmt.Println("No images found.")
		return nil
	}

	return withBackend(cmd, func(ctx context.Context, cfg *config.Config, b *backend) error {
		engine := newEngine(cfg, b)
		client := embedder.NewClient(cfg.Embedder.URL, cfg.Embedder.MaxImageSize)
		ctx = recognition.WithDeviceID(ctx, "enroll")

		var bar *progressbar.ProgressBar
		if !jsonOutput {
			fmt.Printf("Found %d images to enroll\n\n", len(paths))
			bar = progressbar.NewOptions(len(paths),
				progressbar.OptionSetDescription("Embedding faces"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("images"),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
		}

		vectors, embedErrs, err := embedAll(ctx, client, paths, concurrency, bar)
		if err != nil {
			return err
		}
		if bar != nil {
			fmt.Println()
		}

		result := EnrollResult{Images: len(paths)}
		for i, path := range paths {
			if embedErrs[i] != nil {
				if errors.Is(embedErrs[i], embedder.ErrNoFaceDetected) {
					result.NoFace++
				} else {
					result.Errors++
					b.log.Error(embedErrs[i], "embedding failed", "path", path)
				}
				continue
			}

			res, err := engine.ResolveAndClassify(ctx, vectors[i])
			if err == nil {
				res, err = engine.AutoAccept(ctx, res)
			}
			if err != nil {
				// A store outage affects every remaining image.
				if errors.Is(err, recognition.ErrStoreUnavailable) {
					return err
				}
				result.Errors++
				b.log.Error(err, "enroll failed", "path", path)
				continue
			}

			switch {
			case !res.Persisted:
				result.Unchanged++
			case res.Action == recognition.ActionStageNew:
				result.NewIdentities++
			default:
				result.Sightings++
			}
		}

		duration := time.Since(startTime)
		result.DurationMs = duration.Milliseconds()

		if jsonOutput {
			return outputJSON(result)
		}

		result.DurationHuman = formatDuration(duration)
		fmt.Println("\nEnroll complete!")
		fmt.Printf("  Images:         %d\n", result.Images)
		fmt.Printf("  New identities: %d\n", result.NewIdentities)
		fmt.Printf("  Sightings:      %d\n", result.Sightings)
		fmt.Printf("  Unchanged:      %d\n", result.Unchanged)
		if result.NoFace > 0 {
			fmt.Printf("  No face:        %d\n", result.NoFace)
		}
		if result.Errors > 0 {
			fmt.Printf("  Errors:         %d\n", result.Errors)
		}
		fmt.Printf("  Duration:       %s\n", result.DurationHuman)
		return nil
	})
}
