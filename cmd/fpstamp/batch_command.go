package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/fp-stamp/internal/archive"
	"github.com/Brownie44l1/fp-stamp/internal/dataset"
	"github.com/Brownie44l1/fp-stamp/internal/report"
	"github.com/Brownie44l1/fp-stamp/internal/stamp"
	"github.com/Brownie44l1/fp-stamp/internal/storage"
)

type batchOutput struct {
	Input           string         `json:"input"`
	Output          string         `json:"output"`
	RequestID       string         `json:"request_id"`
	Seed            int64          `json:"seed"`
	Fingerprint     string         `json:"fingerprint"`
	Images          int            `json:"images"`
	MSE             float64        `json:"mse_loss"`
	BitwiseAccuracy float64        `json:"bitwise_accuracy"`
	Skipped         []dataset.Skip `json:"skipped"`
	Report          string         `json:"report,omitempty"`
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var outputDir string
	var seed int64
	var concurrency int
	var writeReport bool

	cmd := &cobra.Command{
		Use:   "batch <archive.zip|directory>...",
		Short: "Fingerprint every image of zip archives or directories",
		Long: "Each input is one request: all of its images share one fingerprint and the\n" +
			"results are written to <output>/fingerprinted_images_<request id>.zip.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := ctx.ensureService()
			if err != nil {
				return err
			}
			sink, err := storage.NewLocal(outputDir)
			if err != nil {
				return err
			}
			if concurrency < 1 {
				concurrency = 1
			}

			results := make([]batchOutput, len(args))
			g, gctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)

			for i, input := range args {
				inputSeed := seed
				switch {
				case !cmd.Flags().Changed("seed"):
					inputSeed = rand.Int64()
				case len(args) > 1:
					inputSeed = seed + int64(i)
				}

				g.Go(func() error {
					result, err := runBatch(gctx, service, input, inputSeed)
					if err != nil {
						return fmt.Errorf("%s: %w", input, err)
					}
					location, err := sink.Store(gctx, storage.ArchiveKey(result.RequestID), result.Archive)
					if err != nil {
						return fmt.Errorf("%s: %w", input, err)
					}
					var reportPath string
					if writeReport {
						reportPath = strings.TrimSuffix(location, filepath.Ext(location)) + ".md"
						if err := writeMarkdownReport(reportPath, report.Batch{
							Input: input, Archive: location, Seed: inputSeed, Result: result,
						}); err != nil {
							return fmt.Errorf("%s: %w", input, err)
						}
					}
					results[i] = batchOutput{
						Input:           input,
						Output:          location,
						RequestID:       result.RequestID,
						Seed:            inputSeed,
						Fingerprint:     result.Fingerprint,
						Images:          len(result.Outputs),
						MSE:             result.Metrics.MeanSquaredError,
						BitwiseAccuracy: result.Metrics.BitwiseAccuracy,
						Skipped:         result.Skipped,
						Report:          reportPath,
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{
					r.Input, r.Output, strconv.Itoa(r.Images), strconv.Itoa(len(r.Skipped)),
					formatFloat(r.MSE), formatPercent(r.BitwiseAccuracy),
				})
			}
			return ctx.printResult(cmd, results,
				[]string{"Input", "Archive", "Images", "Skipped", "MSE", "Bit accuracy"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
			)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory for output archives")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Fingerprint seed; input i uses seed+i (random per input when omitted)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Inputs processed at once")
	cmd.Flags().BoolVar(&writeReport, "report", false, "Write a Markdown report next to each archive")
	return cmd
}

func runBatch(ctx context.Context, service *stamp.Service, input string, seed int64) (stamp.BatchResult, error) {
	info, err := os.Stat(input)
	if err != nil {
		return stamp.BatchResult{}, err
	}
	if info.IsDir() {
		sources, err := directorySources(input)
		if err != nil {
			return stamp.BatchResult{}, err
		}
		return service.EmbedSources(ctx, sources, seed)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return stamp.BatchResult{}, err
	}
	return service.EmbedBatch(ctx, data, seed)
}

// directorySources lists image files below dir in lexical path order.
func directorySources(dir string) ([]dataset.Source, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !archive.IsImageName(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.New("no .png, .jpg or .jpeg files found")
	}
	sort.Strings(paths)

	sources := make([]dataset.Source, len(paths))
	for i, path := range paths {
		sources[i] = dataset.PathRef(path, filepath.Base(path))
	}
	return sources, nil
}

func writeMarkdownReport(path string, b report.Batch) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.WriteMarkdown(f, b); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
