package cli

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/seqtag"
	"github.com/happyhackingspace/seqtag/crf"
)

func (c *CLI) newTrainCommand() *cobra.Command {
	cfg := crf.DefaultTrainerConfig()
	var algorithm string
	var progress bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "train <template> <train-file> <model-file>",
		Short: "Train a CRF model from a template and a labeled corpus",
		Args:  cobra.ExactArgs(3),
		Example: `  seqtag train template train.data model.bin
  seqtag train template train.data model.bin --algorithm CRF-L1 --cost 0.5
  seqtag train template train.data model.bin --freq 3 --thread 8 --progress
  seqtag train template train.data model.bin --metrics-addr :9090 -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			templatePath, trainPath, modelPath := args[0], args[1], args[2]

			alg, err := crf.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			cfg.Algorithm = alg

			if metricsAddr != "" {
				srv := startMetricsServer(metricsAddr)
				defer srv.Close()
			}

			config := &seqtag.TrainConfig{Trainer: cfg}
			var bar *uiprogress.Bar
			if progress && cfg.MaxIterations > 0 {
				uiprogress.Start()
				bar = uiprogress.AddBar(cfg.MaxIterations)
				bar.AppendCompleted()
				bar.PrependElapsed()
				var mu sync.Mutex
				var last crf.IterationStats
				bar.AppendFunc(func(b *uiprogress.Bar) string {
					mu.Lock()
					defer mu.Unlock()
					return fmt.Sprintf("obj=%.4f terr=%.4f", last.Objective, last.TokenErrorRate())
				})
				config.OnIteration = func(s crf.IterationStats) {
					mu.Lock()
					last = s
					mu.Unlock()
					bar.Incr()
				}
			}

			slog.Info("Training model", "template", templatePath, "train", trainPath, "output", modelPath)
			start := time.Now()
			model, err := seqtag.Train(cmd.Context(), templatePath, trainPath, config)
			if bar != nil {
				_ = bar.Set(bar.Total)
				uiprogress.Stop()
			}
			if err != nil {
				return err
			}
			slog.Debug("Training completed", "duration", time.Since(start))

			if err := model.Save(modelPath); err != nil {
				return err
			}
			slog.Info("Model saved", "path", modelPath)
			return nil
		},
	}

	cmd.Flags().IntVarP(&cfg.MinFrequency, "freq", "f", cfg.MinFrequency, "Use features that occur no less than this many times")
	cmd.Flags().IntVarP(&cfg.MaxIterations, "maxiter", "m", cfg.MaxIterations, "Maximum number of iterations")
	cmd.Flags().Float64VarP(&cfg.C, "cost", "c", cfg.C, "Trade-off between overfitting and underfitting")
	cmd.Flags().Float64VarP(&cfg.Eta, "eta", "e", cfg.Eta, "Termination criterion on the relative objective change")
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(cfg.Algorithm), "Regularization algorithm (CRF-L1 or CRF-L2)")
	cmd.Flags().IntVarP(&cfg.Threads, "thread", "p", cfg.Threads, "Number of worker goroutines")
	cmd.Flags().BoolVar(&progress, "progress", false, "Show a progress bar")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while training")
	return cmd
}
