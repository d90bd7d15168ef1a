package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"sensorwatch/internal/detector"
	"sensorwatch/internal/service"
)

const (
	maxRecordBytes = 1 << 20
	// oversized records are echoed back only up to this many bytes
	oversizedPrefix = 256
)

var detectorAliases = map[string]string{
	"threshold":      detector.ThresholdName,
	"moving_average": detector.MovingAverageName,
	"moving-average": detector.MovingAverageName,
	"rate_of_change": detector.RateOfChangeName,
	"rate-of-change": detector.RateOfChangeName,
}

// EvaluateSummary counts what Evaluate routed where.
type EvaluateSummary struct {
	Records   int
	Succeeded int
	Failed    int
	Anomalous int
}

type evaluatedLine struct {
	Relationship string `json:"relationship"`
	Detector     string `json:"detector,omitempty"`
	Record       any    `json:"record"`
	// Attributes holds one attribute map per detector on success and the
	// rejecting detector's attributes on failure.
	Attributes any `json:"attributes"`
}

// Evaluate reads JSON records, one per line, and chains each through the
// selected detectors. Enriched records are written to out, one per line.
// A record a detector rejects stops its chain; it is written only when
// attributes are requested.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions, in io.Reader, out io.Writer) (EvaluateSummary, error) {
	var summary EvaluateSummary

	all, err := service.NewDetectors(a.Config.Detectors, a.Logger)
	if err != nil {
		return summary, err
	}
	chain, err := selectDetectors(all, opts.Detectors)
	if err != nil {
		return summary, err
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	reader := bufio.NewReaderSize(in, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		raw, oversized, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("read input: %w", err)
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 && !oversized {
			continue
		}
		summary.Records++

		if oversized {
			summary.Failed++
			a.Logger.Warn().Int("limit", maxRecordBytes).Msg("skipping oversized record")
			if opts.Attributes {
				if err := writeLine(w, evaluatedLine{
					Relationship: string(detector.OutcomeFailure),
					Record:       string(line),
					Attributes: map[string]string{
						detector.AttrError:    fmt.Sprintf("record exceeds %d bytes", maxRecordBytes),
						detector.AttrSeverity: string(detector.SeverityUnknown),
					},
				}); err != nil {
					return summary, err
				}
			}
			continue
		}

		record := append([]byte(nil), line...)
		attrs := make(map[string]map[string]string, len(chain))
		var failed *detector.Result
		anomalous := false
		for _, d := range chain {
			res := d.Evaluate(record)
			if res.Outcome == detector.OutcomeFailure {
				failed = &res
				break
			}
			attrs[res.Detector] = res.Attributes
			if res.Severity != detector.SeverityNormal {
				anomalous = true
			}
			record = res.Body
		}

		if failed != nil {
			summary.Failed++
			if opts.Attributes {
				if err := writeLine(w, evaluatedLine{
					Relationship: string(detector.OutcomeFailure),
					Detector:     failed.Detector,
					Record:       recordField(failed.Body),
					Attributes:   failed.Attributes,
				}); err != nil {
					return summary, err
				}
			}
			continue
		}

		summary.Succeeded++
		if anomalous {
			summary.Anomalous++
		}
		if opts.Attributes {
			err = writeLine(w, evaluatedLine{
				Relationship: string(detector.OutcomeSuccess),
				Record:       json.RawMessage(record),
				Attributes:   attrs,
			})
		} else {
			_, err = fmt.Fprintf(w, "%s\n", record)
		}
		if err != nil {
			return summary, fmt.Errorf("write record: %w", err)
		}
	}

	a.Logger.Info().
		Int("records", summary.Records).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("anomalous", summary.Anomalous).
		Msg("evaluation complete")
	return summary, nil
}

// readRecord returns the next line without its newline, or io.EOF once the
// input is exhausted. A line longer than maxRecordBytes is consumed in full
// and reported as oversized with only its first oversizedPrefix bytes.
func readRecord(r *bufio.Reader) ([]byte, bool, error) {
	var (
		line      []byte
		size      int
		oversized bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		size += len(bytes.TrimSuffix(chunk, []byte{'\n'}))
		switch {
		case size > maxRecordBytes:
			if !oversized {
				oversized = true
				line = append(line, chunk...)
				if len(line) > oversizedPrefix {
					line = line[:oversizedPrefix]
				}
			}
		default:
			line = append(line, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		line = bytes.TrimSuffix(line, []byte{'\n'})
		if errors.Is(err, io.EOF) && (size > 0 || len(chunk) > 0) {
			return line, oversized, nil
		}
		return line, oversized, err
	}
}

func writeLine(w io.Writer, line evaluatedLine) error {
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// recordField embeds payload verbatim when it is JSON and as a string
// otherwise.
func recordField(payload []byte) any {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}

// selectDetectors picks detectors by full or short name, keeping the order
// of names. No names selects all of them.
func selectDetectors(all []detector.Detector, names []string) ([]detector.Detector, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]detector.Detector, len(all))
	for _, d := range all {
		byName[d.Name()] = d
	}

	selected := make([]detector.Detector, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if alias, ok := detectorAliases[strings.ToLower(name)]; ok {
			name = alias
		}
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("detector %q is unknown or disabled", raw)
		}
		selected = append(selected, d)
	}
	return selected, nil
}
