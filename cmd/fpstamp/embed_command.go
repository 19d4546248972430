package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type embedOutput struct {
	Input           string  `json:"input"`
	Output          string  `json:"output"`
	Seed            int64   `json:"seed"`
	Fingerprint     string  `json:"fingerprint"`
	MSE             float64 `json:"mse_loss"`
	BitwiseAccuracy float64 `json:"bitwise_accuracy"`
}

func newEmbedCommand(ctx *commandContext) *cobra.Command {
	var outputPath string
	var seed int64

	cmd := &cobra.Command{
		Use:   "embed <image>",
		Short: "Embed a fingerprint into one image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := ctx.ensureService()
			if err != nil {
				return err
			}

			input := args[0]
			data, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read %s: %w", input, err)
			}
			if !cmd.Flags().Changed("seed") {
				seed = rand.Int64()
			}

			result, err := service.EmbedSingle(cmd.Context(), data, seed)
			if err != nil {
				return err
			}

			target := strings.TrimSpace(outputPath)
			if target == "" {
				target = defaultEmbedOutput(input)
			}
			if err := os.WriteFile(target, result.Image, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}

			out := embedOutput{
				Input:           input,
				Output:          target,
				Seed:            seed,
				Fingerprint:     result.Fingerprint,
				MSE:             result.Metrics.MeanSquaredError,
				BitwiseAccuracy: result.Metrics.BitwiseAccuracy,
			}
			return ctx.printResult(cmd, out,
				[]string{"Output", "Seed", "Fingerprint", "MSE", "Bit accuracy"},
				[][]string{{out.Output, strconv.FormatInt(seed, 10), out.Fingerprint, formatFloat(out.MSE), formatPercent(out.BitwiseAccuracy)}},
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight},
			)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Destination PNG (default <name>_fp.png next to the input)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for the fingerprint bits (random when omitted)")
	return cmd
}

func defaultEmbedOutput(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_fp.png"
}
