package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sensorwatch/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillStep   time.Duration
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Generate historical readings and run them through the detectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			Step:   backfillStep,
			DryRun: backfillDryRun,
		}

		_, err = getApp().Backfill(cmd.Context(), opts)
		return err
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().DurationVar(&backfillStep, "step", time.Minute, "Spacing between generated cycles")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
