package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/fp-stamp/internal/stamp"
)

type decodeOutput struct {
	Input       string `json:"input"`
	Fingerprint string `json:"fingerprint"`
}

func newDecodeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <image>...",
		Short: "Recover the fingerprint from images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := ctx.ensureService()
			if err != nil {
				return err
			}

			results := make([]decodeOutput, 0, len(args))
			rows := make([][]string, 0, len(args))
			for _, input := range args {
				data, err := os.ReadFile(input)
				if err != nil {
					return fmt.Errorf("read %s: %w", input, err)
				}
				fp, err := service.DecodeSingle(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("%s: %w", input, err)
				}
				results = append(results, decodeOutput{Input: input, Fingerprint: fp})
				rows = append(rows, []string{input, fp})
			}

			return ctx.printResult(cmd, results, []string{"Image", "Fingerprint"}, rows, nil)
		},
	}
}

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "verify <image> <bits>",
		Short: "Decode an image and compare it with an expected fingerprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := ctx.ensureService()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			result, err := service.Verify(cmd.Context(), data, args[1])
			if err != nil {
				return err
			}

			if err := ctx.printResult(cmd, result,
				[]string{"Decoded", "Expected", "Accuracy"},
				[][]string{{result.Fingerprint, result.Expected, result.Accuracy}},
				[]columnAlignment{alignLeft, alignLeft, alignRight},
			); err != nil {
				return err
			}
			return checkThreshold(result, threshold)
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Fail when bitwise accuracy is below this fraction (0 disables)")
	return cmd
}

func checkThreshold(result stamp.VerifyResult, threshold float64) error {
	if threshold > 0 && result.BitwiseAccuracy < threshold {
		return fmt.Errorf("bitwise accuracy %s is below threshold %s", result.Accuracy, formatPercent(threshold))
	}
	return nil
}
