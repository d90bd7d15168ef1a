package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/alerting"
	"sensorwatch/internal/config"
	"sensorwatch/internal/detector"
	"sensorwatch/internal/generator"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/storage"
)

type fakeStore struct {
	mu         sync.Mutex
	detections []storage.Detection
	failures   []storage.DetectionFailure
	failInsert bool

	lockHeld bool
	locked   int
	unlocked int
}

func (f *fakeStore) InsertDetections(_ context.Context, d []storage.Detection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errors.New("db down")
	}
	f.detections = append(f.detections, d...)
	return nil
}

func (f *fakeStore) InsertFailures(_ context.Context, d []storage.DetectionFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, d...)
	return nil
}

func (f *fakeStore) ListDetections(context.Context, storage.DetectionFilter) ([]storage.Detection, error) {
	return f.detections, nil
}

func (f *fakeStore) CountDetections(context.Context) (int64, error) {
	return int64(len(f.detections)), nil
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.lockHeld {
		return nil, false, nil
	}
	f.locked++
	return func() { f.unlocked++ }, true, nil
}

type fakeAlertStore struct {
	mu      sync.Mutex
	records []storage.AlertRecord
	last    map[string]time.Time
	pruned  []time.Time
}

func (f *fakeAlertStore) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = int64(len(f.records) + 1)
	f.records = append(f.records, a)
	return a, nil
}

func (f *fakeAlertStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return f.records, nil
}

func (f *fakeAlertStore) LastAlertAt(_ context.Context, sensorID, det string) (time.Time, bool, error) {
	ts, ok := f.last[sensorID+"|"+det]
	return ts, ok, nil
}

func (f *fakeAlertStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, olderThan)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, n alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return f.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Detectors.Threshold.Enabled = true
	cfg.Detectors.Threshold.ThresholdConfig = detector.DefaultThresholdConfig()
	cfg.Detectors.MovingAverage.Enabled = true
	cfg.Detectors.MovingAverage.MovingAverageConfig = detector.MovingAverageConfig{WindowSize: 10, DeviationThreshold: 3}
	cfg.Detectors.RateOfChange.Enabled = true
	cfg.Detectors.RateOfChange.RateOfChangeConfig = detector.DefaultRateOfChangeConfig()
	cfg.Alerting.Enabled = true
	cfg.Alerting.MinSeverity = "CRITICAL"
	cfg.Alerting.Cooldown = 30 * time.Minute
	cfg.Alerting.Channels = []string{"telegram"}
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, store storage.DetectionStore, alerts storage.AlertStore, notifier alerting.Notifier) *Service {
	t.Helper()
	detectors, err := NewDetectors(cfg.Detectors, zerolog.Nop())
	if err != nil {
		t.Fatalf("new detectors: %v", err)
	}
	return New(cfg, detectors, nil, nil, store, alerts, notifier, zerolog.Nop())
}

func record(sensor string, value float64, ts time.Time) []byte {
	return []byte(fmt.Sprintf(`{"sensor_id":%q,"platform_id":"ALPHA","value":%v,"timestamp":%d}`, sensor, value, ts.UnixMilli()))
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewDetectorsOrderAndSelection(t *testing.T) {
	cfg := testConfig()
	detectors, err := NewDetectors(cfg.Detectors, zerolog.Nop())
	if err != nil {
		t.Fatalf("new detectors: %v", err)
	}
	want := []string{detector.ThresholdName, detector.MovingAverageName, detector.RateOfChangeName}
	for i, d := range detectors {
		if d.Name() != want[i] {
			t.Fatalf("detector %d: want %s, got %s", i, want[i], d.Name())
		}
	}

	cfg.Detectors.MovingAverage.Enabled = false
	detectors, _ = NewDetectors(cfg.Detectors, zerolog.Nop())
	if len(detectors) != 2 {
		t.Fatalf("expected 2 detectors, got %d", len(detectors))
	}

	cfg.Detectors.Threshold.Enabled = false
	cfg.Detectors.RateOfChange.Enabled = false
	if _, err := NewDetectors(cfg.Detectors, zerolog.Nop()); err == nil {
		t.Fatal("expected error with no detectors")
	}
}

func TestProcessBatchEvaluatesAndPersists(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, testConfig(), store, nil, nil)

	records := [][]byte{
		record("S1", 50, t0),
		record("S1", 130, t0.Add(time.Second)),
		[]byte(`{"sensor_id":"S1","value":"abc"}`),
		[]byte(`not json`),
	}
	batch, err := svc.ProcessBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if len(batch.Results) != 3 || len(batch.Results[0]) != 4 {
		t.Fatalf("unexpected result shape %d", len(batch.Results))
	}
	th := batch.Results[0]
	if th[0].Severity != detector.SeverityNormal || th[1].Severity != detector.SeverityCritical {
		t.Fatalf("unexpected threshold severities %s %s", th[0].Severity, th[1].Severity)
	}
	roc := batch.Results[2]
	if roc[1].Severity != detector.SeverityCritical {
		t.Fatalf("80 units in 1s should be a critical spike, got %s", roc[1].Severity)
	}

	for _, name := range batch.Detectors {
		if batch.Summary.Failures[name] != 2 {
			t.Fatalf("%s: expected 2 failures, got %d", name, batch.Summary.Failures[name])
		}
	}
	if got := batch.Summary.TotalFailures(); got != 6 {
		t.Fatalf("expected 6 failures, got %d", got)
	}
	if len(store.detections) != 6 || len(store.failures) != 6 {
		t.Fatalf("expected 6 detections and 6 failures, got %d and %d", len(store.detections), len(store.failures))
	}
	if got := batch.Summary.Total(detector.SeverityCritical); got != 2 {
		t.Fatalf("expected 2 criticals, got %d", got)
	}
}

func TestProcessBatchAlertCooldown(t *testing.T) {
	alerts := &fakeAlertStore{}
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cfg.Detectors.MovingAverage.Enabled = false
	cfg.Detectors.RateOfChange.Enabled = false
	svc := newTestService(t, cfg, nil, alerts, notifier)

	records := [][]byte{
		record("S1", 130, t0),
		record("S1", 140, t0.Add(time.Minute)),
		record("S2", 110, t0),
		record("S2", 1, t0.Add(time.Minute)),
		record("S1", 150, t0.Add(31*time.Minute)),
	}
	batch, err := svc.ProcessBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if batch.Summary.Alerts != 3 || batch.Summary.Suppressed != 1 {
		t.Fatalf("expected 3 alerts and 1 suppressed, got %d and %d", batch.Summary.Alerts, batch.Summary.Suppressed)
	}
	if len(notifier.notes) != 3 || len(alerts.records) != 3 {
		t.Fatalf("expected 3 notifications and records, got %d and %d", len(notifier.notes), len(alerts.records))
	}
	if notifier.notes[1].SensorID != "S2" || notifier.notes[1].Value.String() != "1" {
		t.Fatalf("unexpected second alert %+v", notifier.notes[1])
	}
	if notifier.notes[0].Channels[0] != "telegram" {
		t.Fatalf("channels not propagated")
	}
}

func TestProcessBatchCooldownSeededFromStore(t *testing.T) {
	alerts := &fakeAlertStore{last: map[string]time.Time{"S1|" + detector.ThresholdName: t0.Add(-10 * time.Minute)}}
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cfg.Detectors.MovingAverage.Enabled = false
	cfg.Detectors.RateOfChange.Enabled = false
	svc := newTestService(t, cfg, nil, alerts, notifier)

	batch, err := svc.ProcessBatch(context.Background(), [][]byte{record("S1", 130, t0)})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if batch.Summary.Alerts != 0 || batch.Summary.Suppressed != 1 || len(notifier.notes) != 0 {
		t.Fatalf("alert inside stored cooldown should be suppressed: %+v", batch.Summary)
	}
}

func TestProcessBatchMinSeverityAndDisabled(t *testing.T) {
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cfg.Alerting.MinSeverity = "WARNING"
	cfg.Alerting.Cooldown = 0
	cfg.Detectors.MovingAverage.Enabled = false
	cfg.Detectors.RateOfChange.Enabled = false
	svc := newTestService(t, cfg, nil, nil, notifier)

	records := [][]byte{record("S1", 105, t0), record("S1", 50, t0.Add(time.Second)), record("S1", 105, t0.Add(2*time.Second))}
	if _, err := svc.ProcessBatch(context.Background(), records); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(notifier.notes) != 2 {
		t.Fatalf("expected 2 warning alerts without cooldown, got %d", len(notifier.notes))
	}

	cfg.Alerting.Enabled = false
	notifier = &fakeNotifier{}
	svc = newTestService(t, cfg, nil, nil, notifier)
	if _, err := svc.ProcessBatch(context.Background(), records); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("alerting disabled but %d notifications sent", len(notifier.notes))
	}
}

func TestProcessBatchNotifierAndStoreErrorsDoNotFail(t *testing.T) {
	store := &fakeStore{failInsert: true}
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	svc := newTestService(t, testConfig(), store, nil, notifier)

	batch, err := svc.ProcessBatch(context.Background(), [][]byte{record("S1", 500, t0)})
	if err != nil {
		t.Fatalf("process batch should tolerate sink errors: %v", err)
	}
	if batch.Summary.Alerts != 1 {
		t.Fatalf("expected 1 alert attempt, got %d", batch.Summary.Alerts)
	}
}

func TestProcessBatchSkipsWhenLockHeld(t *testing.T) {
	store := &fakeStore{lockHeld: true}
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	svc := newTestService(t, cfg, store, nil, nil)

	batch, err := svc.ProcessBatch(context.Background(), [][]byte{record("S1", 50, t0)})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if !batch.Summary.Skipped || len(store.detections) != 0 {
		t.Fatalf("batch should be skipped: %+v", batch.Summary)
	}

	store.lockHeld = false
	if _, err := svc.ProcessBatch(context.Background(), [][]byte{record("S1", 50, t0)}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if store.locked != 1 || store.unlocked != 1 {
		t.Fatalf("lock not released: locked=%d unlocked=%d", store.locked, store.unlocked)
	}
}

func TestProcessBatchCancelled(t *testing.T) {
	svc := newTestService(t, testConfig(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.ProcessBatch(ctx, [][]byte{record("S1", 50, t0)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTickProcessesGeneratedCycle(t *testing.T) {
	gen, err := generator.New(generator.Options{Platforms: []string{"ALPHA"}, Seed: 9, Start: t0}, zerolog.Nop())
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	store := &fakeStore{}
	cfg := testConfig()
	detectors, err := NewDetectors(cfg.Detectors, zerolog.Nop())
	if err != nil {
		t.Fatalf("detectors: %v", err)
	}
	svc := New(cfg, detectors, gen, nil, store, nil, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := svc.Tick(context.Background(), t0.Add(time.Duration(i)*2*time.Second)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if len(store.detections) != 3*3*50 {
		t.Fatalf("expected %d detections, got %d", 3*3*50, len(store.detections))
	}
	if len(store.failures) != 0 {
		t.Fatalf("generated readings should never fail, got %d", len(store.failures))
	}

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("Run without scheduler should fail")
	}
}

func TestTickPrunesExpiredAlerts(t *testing.T) {
	gen, err := generator.New(generator.Options{Platforms: []string{"ALPHA"}, Seed: 3, Start: t0}, zerolog.Nop())
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	cfg := testConfig()
	cfg.Alerting.Retention = 24 * time.Hour
	detectors, err := NewDetectors(cfg.Detectors, zerolog.Nop())
	if err != nil {
		t.Fatalf("detectors: %v", err)
	}
	alerts := &fakeAlertStore{}
	svc := New(cfg, detectors, gen, nil, &fakeStore{}, alerts, nil, zerolog.Nop())
	wall := t0
	svc.now = func() time.Time { return wall }

	for i := 0; i < 3; i++ {
		if err := svc.Tick(context.Background(), t0.Add(time.Duration(i)*2*time.Second)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		wall = wall.Add(time.Minute)
	}
	if len(alerts.pruned) != 1 || !alerts.pruned[0].Equal(t0.Add(-24*time.Hour)) {
		t.Fatalf("expected one prune at retention cutoff, got %v", alerts.pruned)
	}

	wall = t0.Add(pruneEvery)
	if err := svc.Tick(context.Background(), t0.Add(10*time.Second)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(alerts.pruned) != 2 {
		t.Fatalf("expected a second prune after %s, got %d", pruneEvery, len(alerts.pruned))
	}
}

func TestRetentionDisabledNeverPrunes(t *testing.T) {
	cfg := testConfig()
	alerts := &fakeAlertStore{}
	svc := newTestService(t, cfg, nil, alerts, nil)
	svc.pruneAlerts(context.Background())
	if len(alerts.pruned) != 0 {
		t.Fatalf("retention is zero, expected no prune, got %v", alerts.pruned)
	}
}

func TestReconfigureAppliesDetectorAndAlertSettings(t *testing.T) {
	cfg := testConfig()
	notifier := &fakeNotifier{}
	svc := newTestService(t, cfg, nil, nil, notifier)

	batch, err := svc.ProcessBatch(context.Background(), [][]byte{record("S1", 105, t0)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if batch.Summary.Alerts != 0 {
		t.Fatalf("warning should not alert under a CRITICAL floor")
	}

	next := testConfig()
	next.Detectors.Threshold.WarningHigh = 80
	next.Alerting.MinSeverity = "WARNING"
	next.Alerting.Channels = []string{"log"}
	if err := svc.Reconfigure(next); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	batch, err = svc.ProcessBatch(context.Background(), [][]byte{record("S2", 90, t0)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := batch.Results[0][0].Severity; got != detector.SeverityWarning {
		t.Fatalf("expected the new warning bound to apply, got %s", got)
	}
	if batch.Summary.Alerts != 1 || len(notifier.notes) != 1 || notifier.notes[0].Channels[0] != "log" {
		t.Fatalf("expected one alert on the new channel, got %+v", notifier.notes)
	}
}

func TestReconfigureRejectsInvalidWithoutChanges(t *testing.T) {
	cfg := testConfig()
	svc := newTestService(t, cfg, nil, nil, nil)

	bad := testConfig()
	bad.Detectors.Threshold.WarningHigh = 90
	bad.Detectors.MovingAverage.WindowSize = 0
	if err := svc.Reconfigure(bad); err == nil {
		t.Fatal("expected invalid moving average window to be rejected")
	}
	th := svc.Detectors()[0].(*detector.Threshold)
	if th.Config().WarningHigh != detector.DefaultThresholdConfig().WarningHigh {
		t.Fatalf("threshold changed despite rejected reload: %+v", th.Config())
	}

	bad = testConfig()
	bad.Alerting.MinSeverity = "LOUD"
	if err := svc.Reconfigure(bad); err == nil {
		t.Fatal("expected unknown severity to be rejected")
	}
}

func TestStateEvictionsAreExported(t *testing.T) {
	cfg := testConfig()
	cfg.Detectors.State.MaxSensors = 2
	svc := newTestService(t, cfg, nil, nil, nil)

	records := [][]byte{record("E1", 50, t0), record("E2", 50, t0), record("E3", 50, t0), record("E4", 50, t0)}
	if _, err := svc.ProcessBatch(context.Background(), records); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := svc.evictedSeen[detector.RateOfChangeName]; got != 2 {
		t.Fatalf("expected 2 rate of change evictions, got %d", got)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `sensorwatch_state_evictions_total{detector="RateOfChangeDetector"}`) {
		t.Fatalf("eviction counter not exported")
	}
}
