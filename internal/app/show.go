package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"sensorwatch/internal/storage"
)

// Show prints recent detections, or recent alerts when opts.Alerts is set.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show detections")
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlertTable(out, alerts)
	}

	severities := make([]string, 0, len(opts.Severities))
	for _, s := range opts.Severities {
		severities = append(severities, strings.ToUpper(strings.TrimSpace(s)))
	}
	detections, err := store.ListDetections(ctx, storage.DetectionFilter{
		SensorID:   opts.SensorID,
		Detector:   opts.Detector,
		Severities: severities,
		Limit:      opts.Limit,
	})
	if err != nil {
		return err
	}
	total, err := store.CountDetections(ctx)
	if err != nil {
		return err
	}
	return writeDetectionTable(out, detections, total)
}

// writeDetectionTable prints detections followed by how many are stored in
// total.
func writeDetectionTable(out io.Writer, detections []storage.Detection, total int64) error {
	if len(detections) == 0 {
		_, err := fmt.Fprintln(out, "no detections found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Reading (UTC)\tDetector\tSensor\tPlatform\tValue\tSeverity\tType\tDescription")
	for _, d := range detections {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ReadingTS.UTC().Format(time.RFC3339),
			d.Detector,
			d.SensorID,
			d.PlatformID,
			d.Value.StringFixed(4),
			d.Severity,
			d.Type,
			sanitizeInline(d.Description),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d of %d stored detections\n", len(detections), total)
	return err
}

func writeAlertTable(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Reading (UTC)\tDetector\tSensor\tSeverity\tValue\tChannels\tDescription")
	for _, al := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			al.ReadingTS.UTC().Format(time.RFC3339),
			al.Detector,
			al.SensorID,
			al.Severity,
			al.Value.StringFixed(4),
			strings.Join(al.Channels, ","),
			sanitizeInline(al.Description),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
