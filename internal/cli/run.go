package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/seqtag"
)

// decodeFlags are shared by the commands that load a model.
type decodeFlags struct {
	modelPath    string
	costFactor   float64
	featureCache int
}

func (f *decodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.modelPath, "model", "m", "", "Path to model file")
	cmd.Flags().Float64VarP(&f.costFactor, "cost-factor", "c", 1.0, "Scale every cost by this factor")
	cmd.Flags().IntVar(&f.featureCache, "feature-cache", 0, "Cache this many feature lookups (0 disables)")
	_ = cmd.MarkFlagRequired("model")
}

func (f *decodeFlags) load() (*seqtag.Model, error) {
	start := time.Now()
	model, err := seqtag.Load(f.modelPath)
	if err != nil {
		return nil, err
	}
	if err := model.EnableFeatureCache(f.featureCache); err != nil {
		return nil, err
	}
	slog.Debug("Model loaded", "path", f.modelPath, "tags", len(model.Tags()), "duration", time.Since(start))
	return model, nil
}

func (c *CLI) newTestCommand() *cobra.Command {
	var flags decodeFlags
	var outputPath string

	cmd := &cobra.Command{
		Use:   "test [file]",
		Short: "Tag a column-formatted file, or stdin, with a trained model",
		Args:  cobra.MaximumNArgs(1),
		Example: `  # Tag a file and print the result
  seqtag test -m model.bin test.data

  # Read sequences from stdin
  cat test.data | seqtag test -m model.bin

  # Write the tagged output to a file
  seqtag test -m model.bin test.data --output tagged.data

  # Sharpen the distribution at decode time
  seqtag test -m model.bin test.data --cost-factor 2.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader
			if len(args) == 0 {
				if isStdinTerminal() {
					return cmd.Help()
				}
				slog.Debug("Reading from stdin")
				in = os.Stdin
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("read file: %w", err)
				}
				defer f.Close()
				in = f
			}

			model, err := flags.load()
			if err != nil {
				return err
			}

			var out io.Writer = os.Stdout
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			start := time.Now()
			if err := model.TagFile(in, out, flags.costFactor); err != nil {
				return err
			}
			slog.Debug("Tagging completed", "duration", time.Since(start))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write output to this file instead of stdout")
	return cmd
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
