package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"sensorwatch/internal/detector"
	"sensorwatch/internal/storage"
)

// Export renders one sensor's detections as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.SensorID == "" {
		return errors.New("--sensor is required")
	}
	if opts.Detector == "" {
		opts.Detector = detector.ThresholdName
	}
	if alias, ok := detectorAliases[opts.Detector]; ok {
		opts.Detector = alias
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	detections, err := store.ListDetections(ctx, storage.DetectionFilter{
		SensorID: opts.SensorID,
		Detector: opts.Detector,
		From:     from,
		To:       to,
	})
	if err != nil {
		return err
	}
	if len(detections) == 0 {
		a.Logger.Info().Str("sensor_id", opts.SensorID).Msg("no detections found for export window")
		return nil
	}
	// listings are newest first
	slices.Reverse(detections)

	downsampled := downsampleDetections(detections, opts.MaxPoints)
	a.Logger.Info().Int("total", len(detections)).Int("exported", len(downsampled)).Msg("exporting detections")

	if opts.CSVPath != "" {
		if err := writeDetectionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDetectionsPNG(opts.PNGPath, opts.SensorID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleDetections keeps max evenly spaced points but never drops an
// anomalous one.
func downsampleDetections(detections []storage.Detection, max int) []storage.Detection {
	if max <= 0 || len(detections) <= max {
		return detections
	}

	keep := make([]bool, len(detections))
	if max == 1 {
		keep[0] = true
	} else {
		step := float64(len(detections)-1) / float64(max-1)
		for i := 0; i < max; i++ {
			idx := int(math.Round(step * float64(i)))
			if idx >= len(detections) {
				idx = len(detections) - 1
			}
			keep[idx] = true
		}
	}

	result := make([]storage.Detection, 0, max)
	for i, d := range detections {
		if keep[i] || d.Severity != string(detector.SeverityNormal) {
			result = append(result, d)
		}
	}
	return result
}

func writeDetectionsCSV(path string, detections []storage.Detection) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"reading_ts", "detector", "sensor_id", "platform_id", "value", "severity", "anomaly_type", "description"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, d := range detections {
		record := []string{
			d.ReadingTS.UTC().Format(time.RFC3339Nano),
			d.Detector,
			d.SensorID,
			d.PlatformID,
			d.Value.String(),
			d.Severity,
			d.Type,
			d.Description,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeDetectionsPNG(path, sensorID string, detections []storage.Detection) error {
	if len(detections) < 2 {
		return errors.New("need at least two detections to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(detections))
	values := make([]float64, len(detections))
	var (
		warnX, critX []time.Time
		warnY, critY []float64
	)
	for i, d := range detections {
		x[i] = d.ReadingTS
		values[i] = d.Value.InexactFloat64()
		switch detector.Severity(d.Severity) {
		case detector.SeverityWarning:
			warnX = append(warnX, d.ReadingTS)
			warnY = append(warnY, values[i])
		case detector.SeverityCritical:
			critX = append(critX, d.ReadingTS)
			critY = append(critY, values[i])
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    sensorID,
			XValues: x,
			YValues: values,
		},
	}
	if len(warnX) > 0 {
		series = append(series, markerSeries("Warning", drawing.ColorFromHex("f0a202"), warnX, warnY))
	}
	if len(critX) > 0 {
		series = append(series, markerSeries("Critical", drawing.ColorRed, critX, critY))
	}

	graph := chart.Chart{
		Title:  sensorID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func markerSeries(name string, color drawing.Color, x []time.Time, y []float64) chart.TimeSeries {
	return chart.TimeSeries{
		Name: name,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    5,
			DotColor:    color,
		},
		XValues: x,
		YValues: y,
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
