package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertDetectionSQL = `INSERT INTO detections (
        detector,
        sensor_id,
        platform_id,
        severity,
        anomaly_type,
        value,
        reading_ts,
        detected_at,
        description,
        details
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	detectionColumns = `id,
        detector,
        sensor_id,
        platform_id,
        severity,
        anomaly_type,
        value::text,
        reading_ts,
        detected_at,
        description,
        details,
        created_at`

	insertFailureSQL = `INSERT INTO detection_failures (
        detector,
        sensor_id,
        error,
        payload,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	countDetectionsSQL = `SELECT COUNT(*) FROM detections;`

	insertAlertSQL = `INSERT INTO alerts (
        detector,
        sensor_id,
        platform_id,
        severity,
        anomaly_type,
        value,
        reading_ts,
        description,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id, created_at;`

	alertColumns = `id,
        detector,
        sensor_id,
        platform_id,
        severity,
        anomaly_type,
        value::text,
        reading_ts,
        description,
        channels,
        created_at`

	lastAlertSQL = `SELECT MAX(reading_ts) FROM alerts WHERE sensor_id = $1 AND detector = $2;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DetectionStore persists detector output.
type DetectionStore interface {
	InsertDetections(ctx context.Context, detections []Detection) error
	InsertFailures(ctx context.Context, failures []DetectionFailure) error
	ListDetections(ctx context.Context, filter DetectionFilter) ([]Detection, error)
	CountDetections(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	LastAlertAt(ctx context.Context, sensorID, detector string) (time.Time, bool, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to detections, failures and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertDetections writes detections in a single batch round trip.
func (s *Store) InsertDetections(ctx context.Context, detections []Detection) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(detections) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range detections {
		batch.Queue(insertDetectionSQL,
			d.Detector,
			d.SensorID,
			nullable(d.PlatformID),
			d.Severity,
			d.Type,
			d.Value.String(),
			d.ReadingTS,
			d.DetectedAt,
			d.Description,
			[]byte(d.Details),
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert detections: %w", err)
	}
	return nil
}

// InsertFailures writes rejected readings in a single batch round trip.
func (s *Store) InsertFailures(ctx context.Context, failures []DetectionFailure) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(insertFailureSQL,
			f.Detector,
			nullable(f.SensorID),
			f.Error,
			f.Payload,
			f.CreatedAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert detection failures: %w", err)
	}
	return nil
}

// ListDetections returns detections matching filter, newest first.
func (s *Store) ListDetections(ctx context.Context, filter DetectionFilter) ([]Detection, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildDetectionQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list detections: %w", queryErr)
	}
	defer rows.Close()

	detections := make([]Detection, 0)
	for rows.Next() {
		d, scanErr := scanDetection(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		detections = append(detections, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return detections, nil
}

func buildDetectionQuery(f DetectionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.SensorID != "" {
		add("sensor_id = $%d", f.SensorID)
	}
	if f.Detector != "" {
		add("detector = $%d", f.Detector)
	}
	if len(f.Severities) > 0 {
		add("severity = ANY($%d)", f.Severities)
	}
	if !f.From.IsZero() {
		add("reading_ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("reading_ts < $%d", f.To)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(detectionColumns)
	b.WriteString("\n    FROM detections")
	if len(where) > 0 {
		b.WriteString("\n    WHERE ")
		b.WriteString(strings.Join(where, "\n      AND "))
	}
	b.WriteString("\n    ORDER BY reading_ts DESC, id DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, "\n    LIMIT $%d", len(args))
	}
	b.WriteString(";")
	return b.String(), args
}

// CountDetections counts stored detections.
func (s *Store) CountDetections(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDetectionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count detections: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Detector,
		alert.SensorID,
		nullable(alert.PlatformID),
		alert.Severity,
		alert.Type,
		alert.Value.String(),
		alert.ReadingTS,
		alert.Description,
		alert.Channels,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, "SELECT "+alertColumns+"\n    FROM alerts\n    ORDER BY created_at DESC\n    LIMIT $1;", limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec        AlertRecord
			platformID *string
			valueStr   string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Detector,
			&rec.SensorID,
			&platformID,
			&rec.Severity,
			&rec.Type,
			&valueStr,
			&rec.ReadingTS,
			&rec.Description,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if platformID != nil {
			rec.PlatformID = *platformID
		}
		if rec.Value, err = decimal.NewFromString(valueStr); err != nil {
			return nil, fmt.Errorf("parse alert value: %w", err)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastAlertAt reports the reading time of the latest alert for the sensor
// and detector.
func (s *Store) LastAlertAt(ctx context.Context, sensorID, detector string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var last *time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertSQL, sensorID, detector).Scan(&last); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanDetection(rows pgx.Rows) (Detection, error) {
	var (
		d          Detection
		platformID *string
		valueStr   string
		details    []byte
	)
	if err := rows.Scan(
		&d.ID,
		&d.Detector,
		&d.SensorID,
		&platformID,
		&d.Severity,
		&d.Type,
		&valueStr,
		&d.ReadingTS,
		&d.DetectedAt,
		&d.Description,
		&details,
		&d.CreatedAt,
	); err != nil {
		return Detection{}, err
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return Detection{}, fmt.Errorf("parse detection value: %w", err)
	}
	d.Value = value
	d.Details = details
	if platformID != nil {
		d.PlatformID = *platformID
	}
	return d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
