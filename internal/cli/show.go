package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sensorwatch/internal/app"
)

var (
	showLimit      int
	showSensor     string
	showDetector   string
	showSeverities []string
	showAlerts     bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent detections or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			SensorID:   showSensor,
			Detector:   showDetector,
			Severities: showSeverities,
			Alerts:     showAlerts,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showSensor, "sensor", "", "Only show this sensor")
	showCmd.Flags().StringVar(&showDetector, "detector", "", "Only show this detector (full name)")
	showCmd.Flags().StringSliceVar(&showSeverities, "severity", nil, "Only show these severities, e.g. WARNING,CRITICAL")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show recent alerts instead of detections")
}
