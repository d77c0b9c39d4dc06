package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/seqtag"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var flags decodeFlags

	cmd := &cobra.Command{
		Use:     "evaluate <test-file>",
		Short:   "Evaluate model accuracy on a labeled test file",
		Args:    cobra.ExactArgs(1),
		Example: `  seqtag evaluate -m model.bin test.data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := flags.load()
			if err != nil {
				return err
			}

			slog.Info("Evaluating", "model", flags.modelPath, "test", args[0])
			start := time.Now()
			result, err := seqtag.Evaluate(model, args[0], flags.costFactor)
			if err != nil {
				return err
			}
			slog.Debug("Evaluation completed", "duration", time.Since(start))

			printEvalResult(os.Stdout, result)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func printEvalResult(w io.Writer, result *seqtag.EvalResult) {
	if result.TokenTotal == 0 {
		fmt.Fprintln(w, "No sequences found.")
		return
	}
	fmt.Fprintf(w, "Token accuracy: %.2f%% (%d/%d)\n",
		result.TokenAccuracy*100, result.TokenCorrect, result.TokenTotal)
	fmt.Fprintf(w, "Sequence accuracy: %.2f%% (%d/%d)\n",
		result.SequenceAccuracy*100, result.SequenceCorrect, result.SequenceTotal)
	fmt.Fprintf(w, "Macro F1: %.1f%%\n", result.MacroF1*100)

	printConfusionMatrix(w, result.Confusion, append([]string(nil), result.Classes...))
	printClassReport(w, result.Confusion, result.Classes, result.Precision, result.Recall, result.F1)
}

func printClassReport(w io.Writer, confusion map[string]map[string]int, classes []string, precision, recall, f1 map[string]float64) {
	fmt.Fprintf(w, "\nPer-class metrics:\n")
	fmt.Fprintf(w, "%8s  %6s  %6s  %6s  %7s\n", "class", "prec", "recall", "f1", "support")
	for _, cls := range classes {
		support := 0
		for _, v := range confusion[cls] {
			support += v
		}
		fmt.Fprintf(w, "%8s  %5.1f%%  %5.1f%%  %5.1f%%  %7d\n",
			cls, precision[cls]*100, recall[cls]*100, f1[cls]*100, support)
	}
}

func printConfusionMatrix(w io.Writer, confusion map[string]map[string]int, classes []string) {
	if len(confusion) == 0 {
		return
	}

	sort.SliceStable(classes, func(i, j int) bool {
		ti, tj := 0, 0
		for _, v := range confusion[classes[i]] {
			ti += v
		}
		for _, v := range confusion[classes[j]] {
			tj += v
		}
		return ti > tj
	})

	fmt.Fprintf(w, "\nConfusion matrix (rows=true, cols=predicted):\n")
	fmt.Fprintf(w, "%8s", "")
	for _, c := range classes {
		fmt.Fprintf(w, " %5s", c)
	}
	fmt.Fprintf(w, "  total  acc%%\n")

	for _, trueClass := range classes {
		fmt.Fprintf(w, "%8s", trueClass)
		total := 0
		correct := 0
		for _, predClass := range classes {
			count := confusion[trueClass][predClass]
			total += count
			if trueClass == predClass {
				correct = count
			}
			if count == 0 {
				fmt.Fprintf(w, " %5s", ".")
			} else {
				fmt.Fprintf(w, " %5d", count)
			}
		}
		acc := 0.0
		if total > 0 {
			acc = float64(correct) / float64(total) * 100
		}
		fmt.Fprintf(w, "  %5d %5.1f\n", total, acc)
	}
}
