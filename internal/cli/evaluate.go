package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"sensorwatch/internal/app"
)

var (
	evaluateInput      string
	evaluateDetectors  []string
	evaluateAttributes bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run JSON-lines readings through the detectors and print enriched records",
	Long: "Reads one JSON reading per line from --input (or stdin) and prints each enriched\n" +
		"record to stdout. Detectors are applied in the order given by --detector.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if evaluateInput != "" && evaluateInput != "-" {
			f, err := os.Open(evaluateInput)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()
			in = f
		}

		opts := app.EvaluateOptions{
			InputPath:  evaluateInput,
			Detectors:  evaluateDetectors,
			Attributes: evaluateAttributes,
		}
		_, err := getApp().Evaluate(cmd.Context(), opts, in, cmd.OutOrStdout())
		return err
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evaluateInput, "input", "i", "", "JSON-lines file to read (default stdin)")
	evaluateCmd.Flags().StringSliceVarP(&evaluateDetectors, "detector", "d", nil, "Detectors to apply: threshold, moving_average, rate_of_change (default all enabled)")
	evaluateCmd.Flags().BoolVar(&evaluateAttributes, "attributes", false, "Wrap each record with its relationship and attributes, and print rejected records")
}
