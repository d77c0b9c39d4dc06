package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/seqtag/internal/textutil"
)

func (c *CLI) newLabelCommand() *cobra.Command {
	var flags decodeFlags
	var split string

	cmd := &cobra.Command{
		Use:   "label [text...]",
		Short: "Label raw text with a model trained on one input column",
		Example: `  # One row per character, e.g. for word segmentation
  seqtag label -m seg.bin --split chars "北京大学生前来应聘"

  # One row per word token
  echo "John lives in New York" | seqtag label -m ner.bin --split words`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := textutil.ParseSplit(split)
			if err != nil {
				return err
			}

			text := strings.Join(args, " ")
			if len(args) == 0 {
				if isStdinTerminal() {
					return cmd.Help()
				}
				body, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(body)
			}

			model, err := flags.load()
			if err != nil {
				return err
			}
			units, tags, err := model.LabelText(text, sp)
			if err != nil {
				return err
			}
			for i, u := range units {
				fmt.Printf("%s\t%s\n", u, tags[i])
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&split, "split", string(textutil.Words), "How to cut text into rows: chars, words or fields")
	return cmd
}
