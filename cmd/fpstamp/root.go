package main

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
)

// execute runs the command tree for args and then releases the loaded models
// and logger, also when the command failed.
func execute(loader pairLoader, args []string, stdout, stderr io.Writer) (err error) {
	ctx := newCommandContext(loader)
	defer func() {
		err = errors.Join(err, ctx.close())
	}()

	cmd := newRootCommand(ctx)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.Execute()
}

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fpstamp",
		Short:         "Embed and decode image fingerprints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "fpstamp.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.envFileFlag, "env-file", ".env", "Optional KEY=VALUE file loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonFlag, "json", false, "Always print JSON")
	rootCmd.PersistentFlags().BoolVarP(&ctx.verboseFlag, "verbose", "v", false, "Log pipeline progress to stderr")

	rootCmd.AddCommand(newEmbedCommand(ctx))
	rootCmd.AddCommand(newDecodeCommand(ctx))
	rootCmd.AddCommand(newVerifyCommand(ctx))
	rootCmd.AddCommand(newBatchCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
