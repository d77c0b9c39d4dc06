package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/seqtag/crf"
)

const repoSlug = "happyhackingspace/seqtag"

// releaseAsset matches the archives of the seqtag binary, not the model
// bundles attached to the same release.
const releaseAsset = `^seqtag_.+\.(tar\.gz|zip)$`

func (c *CLI) newUpCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Self-update to the latest version",
		Long: fmt.Sprintf(`Self-update to the latest release.

This binary reads model format %d. Models trained by a release with a
different format must be retrained after updating.`, crf.ModelVersion),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.selfUpdate(cmd.Context(), cmd.OutOrStdout(), check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Only report whether a newer release exists")
	return cmd
}

func (c *CLI) selfUpdate(ctx context.Context, out io.Writer, check bool) error {
	v := c.version
	if v == "dev" {
		v = "0.0.0"
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{
		Filters: []string{releaseAsset},
	})
	if err != nil {
		return err
	}

	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(repoSlug))
	if err != nil {
		return fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("no seqtag release found in %s", repoSlug)
	}

	if latest.LessOrEqual(v) {
		fmt.Fprintf(out, "Already up to date (%s, model format %d)\n", c.version, crf.ModelVersion)
		return nil
	}
	if check {
		fmt.Fprintf(out, "Update available: %s -> %s\n", c.version, latest.Version())
		return nil
	}

	slog.Info("Updating", "from", c.version, "to", latest.Version(), "asset", latest.AssetName, "model_format", crf.ModelVersion)

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	fmt.Fprintf(out, "Updated to %s\n", latest.Version())
	return nil
}
