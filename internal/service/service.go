package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sensorwatch/internal/alerting"
	"sensorwatch/internal/config"
	"sensorwatch/internal/detector"
	"sensorwatch/internal/generator"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/scheduler"
	"sensorwatch/internal/storage"
)

// Service fans readings through the detectors, then persists and alerts on
// the results.
type Service struct {
	detectors  []detector.Detector
	generator  *generator.Generator
	scheduler  *scheduler.Scheduler
	store      storage.DetectionStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger
	now        func() time.Time

	policy  atomic.Pointer[alertPolicy]
	locker  storage.AdvisoryLocker
	lockKey int64

	mu          sync.Mutex
	lastAlert   map[alertKey]time.Time
	lastPrune   time.Time
	evictedSeen map[string]uint64
}

// alertPolicy is the reloadable part of the alerting configuration.
type alertPolicy struct {
	enabled     bool
	minSeverity detector.Severity
	cooldown    time.Duration
	channels    []string
	retention   time.Duration
}

func newAlertPolicy(cfg *config.Config) *alertPolicy {
	return &alertPolicy{
		enabled:     cfg.Alerting.Enabled,
		minSeverity: cfg.MinSeverity(),
		cooldown:    cfg.Alerting.Cooldown,
		channels:    cfg.Alerting.Channels,
		retention:   cfg.Alerting.Retention,
	}
}

// pruneEvery spaces out alert retention sweeps.
const pruneEvery = time.Hour

type alertKey struct {
	sensorID string
	detector string
}

// New constructs the detection service. Every collaborator other than the
// detectors may be nil.
func New(cfg *config.Config, detectors []detector.Detector, gen *generator.Generator, sched *scheduler.Scheduler, store storage.DetectionStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	s := &Service{
		detectors:   detectors,
		generator:   gen,
		scheduler:   sched,
		store:       store,
		alertStore:  alertStore,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		now:         time.Now,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		lastAlert:   make(map[alertKey]time.Time),
		evictedSeen: make(map[string]uint64),
	}
	s.policy.Store(newAlertPolicy(cfg))
	return s
}

// NewDetectors builds the enabled detectors in a fixed order: threshold,
// moving average, rate of change.
func NewDetectors(cfg config.DetectorsConfig, logger zerolog.Logger) ([]detector.Detector, error) {
	opts := detector.Options{}
	opts.State.MaxEntries = cfg.State.MaxSensors
	opts.State.IdleTTL = cfg.State.IdleTTL
	opts.State.Shards = cfg.State.Shards

	var detectors []detector.Detector
	if cfg.Threshold.Enabled {
		d, err := detector.NewThreshold(cfg.Threshold.ThresholdConfig, opts, logger)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	if cfg.MovingAverage.Enabled {
		d, err := detector.NewMovingAverage(cfg.MovingAverage.MovingAverageConfig, opts, logger)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	if cfg.RateOfChange.Enabled {
		d, err := detector.NewRateOfChange(cfg.RateOfChange.RateOfChangeConfig, opts, logger)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	if len(detectors) == 0 {
		return nil, fmt.Errorf("no detectors enabled")
	}
	return detectors, nil
}

// Reconfigure applies detector parameters and alerting settings from cfg to
// the running detectors. Enabling or disabling a detector and the state
// bounds only take effect on restart.
func (s *Service) Reconfigure(cfg *config.Config) error {
	// validate everything first so a bad section changes nothing
	dc := cfg.Detectors
	for _, d := range s.detectors {
		var err error
		switch d.(type) {
		case *detector.Threshold:
			err = dc.Threshold.Validate()
		case *detector.MovingAverage:
			err = dc.MovingAverage.Validate()
		case *detector.RateOfChange:
			err = dc.RateOfChange.Validate()
		}
		if err != nil {
			return fmt.Errorf("reconfigure %s: %w", d.Name(), err)
		}
	}
	if _, ok := detector.ParseSeverity(strings.ToUpper(cfg.Alerting.MinSeverity)); !ok {
		return fmt.Errorf("reconfigure: unknown alerting.min_severity %q", cfg.Alerting.MinSeverity)
	}

	for _, d := range s.detectors {
		var err error
		switch d := d.(type) {
		case *detector.Threshold:
			err = d.Reconfigure(dc.Threshold.ThresholdConfig)
		case *detector.MovingAverage:
			err = d.Reconfigure(dc.MovingAverage.MovingAverageConfig)
		case *detector.RateOfChange:
			err = d.Reconfigure(dc.RateOfChange.RateOfChangeConfig)
		}
		if err != nil {
			return err
		}
	}
	s.policy.Store(newAlertPolicy(cfg))
	s.logger.Info().Msg("configuration reloaded")
	return nil
}

// Detectors returns the configured detectors.
func (s *Service) Detectors() []detector.Detector {
	return s.detectors
}

// Run drives generation cycles from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.generator == nil {
		return fmt.Errorf("generator not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick generates one reading per sensor at `at` and processes them.
func (s *Service) Tick(ctx context.Context, at time.Time) error {
	readings, injected := s.generator.CycleAt(at)
	batch, err := s.ProcessReadings(ctx, readings)
	if err != nil {
		return err
	}
	s.sweep()
	s.pruneAlerts(ctx)

	s.logger.Info().
		Time("tick", at).
		Int("readings", len(readings)).
		Int("injected", injected).
		Int("warnings", batch.Summary.Total(detector.SeverityWarning)).
		Int("criticals", batch.Summary.Total(detector.SeverityCritical)).
		Int("failures", batch.Summary.TotalFailures()).
		Int("alerts", batch.Summary.Alerts).
		Bool("skipped", batch.Summary.Skipped).
		Msg("cycle processed")
	return nil
}

// ProcessReadings encodes generated readings and runs them through
// ProcessBatch.
func (s *Service) ProcessReadings(ctx context.Context, readings []generator.Reading) (*Batch, error) {
	records, err := encodeReadings(readings)
	if err != nil {
		return nil, err
	}
	return s.ProcessBatch(ctx, records)
}

func encodeReadings(readings []generator.Reading) ([][]byte, error) {
	records := make([][]byte, 0, len(readings))
	for _, r := range readings {
		raw, err := r.JSON()
		if err != nil {
			return nil, fmt.Errorf("encode reading %s: %w", r.SensorID, err)
		}
		records = append(records, raw)
		metrics.GeneratedReadings.WithLabelValues(r.QualityFlag).Inc()
	}
	return records, nil
}

// Batch holds the results of one ProcessBatch call. Results[i][j] is the
// outcome of Detectors[i] on record j.
type Batch struct {
	Detectors []string
	Results   [][]detector.Result
	Summary   BatchSummary
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Records    int
	BySeverity map[string]map[detector.Severity]int
	Failures   map[string]int
	Alerts     int
	Suppressed int
	// Skipped is set when another instance holds the advisory lock.
	Skipped bool
}

// Total sums sev across detectors.
func (b BatchSummary) Total(sev detector.Severity) int {
	n := 0
	for _, counts := range b.BySeverity {
		n += counts[sev]
	}
	return n
}

// TotalFailures sums failures across detectors.
func (b BatchSummary) TotalFailures() int {
	n := 0
	for _, c := range b.Failures {
		n += c
	}
	return n
}

// ProcessBatch evaluates every record with every detector. Detectors run
// concurrently; each sees the records in order, so per-sensor history
// follows the batch order.
func (s *Service) ProcessBatch(ctx context.Context, records [][]byte) (*Batch, error) {
	batch := &Batch{
		Detectors: make([]string, len(s.detectors)),
		Results:   make([][]detector.Result, len(s.detectors)),
		Summary: BatchSummary{
			Records:    len(records),
			BySeverity: make(map[string]map[detector.Severity]int),
			Failures:   make(map[string]int),
		},
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip batch because advisory lock held elsewhere")
		batch.Summary.Skipped = true
		return batch, nil
	}
	if unlock != nil {
		defer unlock()
	}

	metrics.BatchSize.Observe(float64(len(records)))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range s.detectors {
		batch.Detectors[i] = d.Name()
		g.Go(func() error {
			started := time.Now()
			results := make([]detector.Result, 0, len(records))
			for _, rec := range records {
				if err := gctx.Err(); err != nil {
					return err
				}
				results = append(results, d.Evaluate(rec))
			}
			batch.Results[i] = results
			metrics.EvaluationDuration.WithLabelValues(d.Name()).Observe(time.Since(started).Seconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("evaluate batch: %w", err)
	}

	var (
		detections []storage.Detection
		failures   []storage.DetectionFailure
		alerts     []storage.Detection
	)
	policy := s.policy.Load()
	now := s.now().UTC()
	for i, name := range batch.Detectors {
		counts := make(map[detector.Severity]int)
		batch.Summary.BySeverity[name] = counts
		for _, res := range batch.Results[i] {
			metrics.EvaluationsTotal.WithLabelValues(name, string(res.Outcome), string(res.Severity)).Inc()
			if res.Outcome == detector.OutcomeFailure {
				batch.Summary.Failures[name]++
				failures = append(failures, storage.NewDetectionFailure(res, now))
				continue
			}
			counts[res.Severity]++

			det, convErr := storage.NewDetection(res)
			if convErr != nil {
				s.logger.Error().Err(convErr).Str("detector", name).Msg("failed to convert result")
				continue
			}
			detections = append(detections, det)
			if policy.enabled && res.Severity.AtLeast(policy.minSeverity) {
				alerts = append(alerts, det)
			}
		}
	}
	s.observeState()

	s.persist(ctx, detections, failures)
	for _, det := range alerts {
		if s.dispatchAlert(ctx, det, policy) {
			batch.Summary.Alerts++
		} else {
			batch.Summary.Suppressed++
		}
	}

	return batch, nil
}

func (s *Service) persist(ctx context.Context, detections []storage.Detection, failures []storage.DetectionFailure) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertDetections(ctx, detections); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_detections").Inc()
		s.logger.Error().Err(err).Int("count", len(detections)).Msg("failed to persist detections")
	}
	if err := s.store.InsertFailures(ctx, failures); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_failures").Inc()
		s.logger.Error().Err(err).Int("count", len(failures)).Msg("failed to persist detection failures")
	}
}

// dispatchAlert notifies about det unless the sensor alerted through the same
// detector within the cooldown, measured in reading time. It reports whether
// the alert was claimed.
func (s *Service) dispatchAlert(ctx context.Context, det storage.Detection, policy *alertPolicy) bool {
	if !s.claimAlert(ctx, det, policy.cooldown) {
		metrics.AlertsTotal.WithLabelValues(det.Severity, "suppressed").Inc()
		return false
	}

	if s.alertStore != nil {
		if _, err := s.alertStore.InsertAlert(ctx, storage.NewAlertRecord(det, policy.channels)); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("insert_alert").Inc()
			s.logger.Error().Err(err).Str("sensor_id", det.SensorID).Msg("failed to persist alert record")
		}
	}

	if s.notifier == nil {
		return true
	}
	note := alerting.Notification{
		Detector:    det.Detector,
		SensorID:    det.SensorID,
		PlatformID:  det.PlatformID,
		Severity:    det.Severity,
		Type:        det.Type,
		Value:       det.Value,
		ReadingTime: det.ReadingTS,
		Description: det.Description,
		Channels:    policy.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		metrics.AlertsTotal.WithLabelValues(det.Severity, "failed").Inc()
		s.logger.Error().Err(err).Str("sensor_id", det.SensorID).Msg("failed to dispatch alert")
		return true
	}
	metrics.AlertsTotal.WithLabelValues(det.Severity, "sent").Inc()
	return true
}

func (s *Service) claimAlert(ctx context.Context, det storage.Detection, cooldown time.Duration) bool {
	key := alertKey{sensorID: det.SensorID, detector: det.Detector}

	s.mu.Lock()
	last, seen := s.lastAlert[key]
	s.mu.Unlock()

	if !seen && s.alertStore != nil && cooldown > 0 {
		stored, ok, err := s.alertStore.LastAlertAt(ctx, det.SensorID, det.Detector)
		if err != nil {
			s.logger.Warn().Err(err).Str("sensor_id", det.SensorID).Msg("failed to load last alert")
		} else if ok {
			last, seen = stored, true
		}
	}

	if seen && cooldown > 0 && absDuration(det.ReadingTS.Sub(last)) < cooldown {
		s.mu.Lock()
		s.lastAlert[key] = last
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	s.lastAlert[key] = det.ReadingTS
	s.mu.Unlock()
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type tracker interface {
	TrackedSensors() int
}

type sweeper interface {
	Sweep() int
}

type evicter interface {
	Evicted() uint64
}

func (s *Service) observeState() {
	for _, d := range s.detectors {
		if t, ok := d.(tracker); ok {
			metrics.TrackedSensors.WithLabelValues(d.Name()).Set(float64(t.TrackedSensors()))
		}
		if e, ok := d.(evicter); ok {
			total := e.Evicted()
			s.mu.Lock()
			delta := total - s.evictedSeen[d.Name()]
			s.evictedSeen[d.Name()] = total
			s.mu.Unlock()
			if delta > 0 {
				metrics.StateEvictionsTotal.WithLabelValues(d.Name()).Add(float64(delta))
			}
		}
	}
}

func (s *Service) sweep() {
	for _, d := range s.detectors {
		if sw, ok := d.(sweeper); ok {
			if n := sw.Sweep(); n > 0 {
				s.logger.Debug().Str("detector", d.Name()).Int("dropped", n).Msg("swept idle sensor state")
			}
		}
	}
}

// pruneAlerts deletes alert records older than the retention, at most once
// per pruneEvery.
func (s *Service) pruneAlerts(ctx context.Context) {
	policy := s.policy.Load()
	if s.alertStore == nil || policy.retention <= 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := s.lastPrune.IsZero() || now.Sub(s.lastPrune) >= pruneEvery
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	cutoff := now.Add(-policy.retention)
	if err := s.alertStore.DeleteAlertsBefore(ctx, cutoff); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("delete_alerts").Inc()
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune alerts")
		return
	}
	s.logger.Debug().Time("cutoff", cutoff).Msg("pruned expired alerts")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
