package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/device-telemetry-worker/internal/db"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListDevices returns the connection credentials of every registered device.
// The secret is the owning user's stored password hash.
func (r *Repository) ListDevices(ctx context.Context) ([]db.DeviceCredentials, error) {
	query := `
		SELECT d.id, d.device_key, u.password_hash
		FROM devices d
		JOIN users u ON u.id = d.user_id
		ORDER BY d.id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []db.DeviceCredentials
	for rows.Next() {
		var d db.DeviceCredentials
		if err := rows.Scan(&d.ID, &d.Key, &d.Secret); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return devices, nil
}

// ListMetricTypes returns every registered metric type with its validation rules.
func (r *Repository) ListMetricTypes(ctx context.Context) ([]db.MetricType, error) {
	query := `
		SELECT id, name, COALESCE(unit, ''), COALESCE(description, ''), validation_rules
		FROM metric_types
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric types: %w", err)
	}
	defer rows.Close()

	var types []db.MetricType
	for rows.Next() {
		var (
			mt    db.MetricType
			rules []byte
		)
		if err := rows.Scan(&mt.ID, &mt.Name, &mt.Unit, &mt.Description, &rules); err != nil {
			return nil, fmt.Errorf("failed to scan metric type: %w", err)
		}
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &mt.Rules); err != nil {
				return nil, fmt.Errorf("invalid validation rules for metric type %q: %w", mt.Name, err)
			}
		}
		types = append(types, mt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return types, nil
}

// Store inserts records in one statement and returns the records that were
// written. Records whose device or metric type no longer exists are skipped
// by the joins rather than failing the whole batch.
func (r *Repository) Store(ctx context.Context, records []db.Metric) ([]db.Metric, error) {
	if len(records) == 0 {
		return nil, nil
	}

	query := `
		WITH valid AS (
			SELECT b.*
			FROM unnest($1::bigint[], $2::bigint[], $3::timestamptz[], $4::float8[], $5::float8[], $6::text[])
				WITH ORDINALITY AS b(device_id, metric_type_id, ts, value, quality, metadata, ord)
			JOIN devices d ON d.id = b.device_id
			JOIN metric_types mt ON mt.id = b.metric_type_id
		), inserted AS (
			INSERT INTO metrics (device_id, metric_type_id, timestamp, value, quality, metadata)
			SELECT device_id, metric_type_id, ts, value, quality, metadata::jsonb
			FROM valid
		)
		SELECT ord FROM valid ORDER BY ord
	`

	var (
		deviceIDs = make([]int64, len(records))
		typeIDs   = make([]int64, len(records))
		stamps    = make([]time.Time, len(records))
		values    = make([]float64, len(records))
		qualities = make([]float64, len(records))
		metadata  = make([]string, len(records))
	)
	for i, m := range records {
		meta := m.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata for device %d: %w", m.DeviceID, err)
		}
		deviceIDs[i] = m.DeviceID
		typeIDs[i] = m.MetricTypeID
		stamps[i] = m.Timestamp
		values[i] = m.Value
		qualities[i] = m.Quality
		metadata[i] = string(encoded)
	}

	rows, err := r.pool.Query(ctx, query, deviceIDs, typeIDs, stamps, values, qualities, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to insert metrics: %w", err)
	}
	defer rows.Close()

	stored := make([]db.Metric, 0, len(records))
	for rows.Next() {
		var ord int64
		if err := rows.Scan(&ord); err != nil {
			return nil, fmt.Errorf("failed to scan stored ordinal: %w", err)
		}
		stored = append(stored, records[ord-1])
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to insert metrics: %w", err)
	}

	return stored, nil
}

// QueryWindow returns the readings of one series with start <= timestamp <= end,
// ordered by timestamp then id.
func (r *Repository) QueryWindow(ctx context.Context, deviceID, metricTypeID int64, start, end time.Time) ([]db.Metric, error) {
	query := `
		SELECT id, device_id, metric_type_id, timestamp, value, COALESCE(quality, 1.0)
		FROM metrics
		WHERE device_id = $1 AND metric_type_id = $2 AND timestamp >= $3 AND timestamp <= $4
		ORDER BY timestamp, id
	`

	return r.queryMetrics(ctx, query, deviceID, metricTypeID, start, end)
}

// QueryRange returns the readings of one series with start <= timestamp < end,
// ordered by timestamp then id.
func (r *Repository) QueryRange(ctx context.Context, deviceID, metricTypeID int64, start, end time.Time) ([]db.Metric, error) {
	query := `
		SELECT id, device_id, metric_type_id, timestamp, value, COALESCE(quality, 1.0)
		FROM metrics
		WHERE device_id = $1 AND metric_type_id = $2 AND timestamp >= $3 AND timestamp < $4
		ORDER BY timestamp, id
	`

	return r.queryMetrics(ctx, query, deviceID, metricTypeID, start, end)
}

func (r *Repository) queryMetrics(ctx context.Context, query string, args ...any) ([]db.Metric, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []db.Metric
	for rows.Next() {
		var m db.Metric
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.MetricTypeID, &m.Timestamp, &m.Value, &m.Quality); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return metrics, nil
}

// ListSeries returns the distinct series that have readings in [start, end).
func (r *Repository) ListSeries(ctx context.Context, start, end time.Time) ([]db.SeriesKey, error) {
	query := `
		SELECT DISTINCT device_id, metric_type_id
		FROM metrics
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY device_id, metric_type_id
	`

	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var series []db.SeriesKey
	for rows.Next() {
		var k db.SeriesKey
		if err := rows.Scan(&k.DeviceID, &k.MetricTypeID); err != nil {
			return nil, fmt.Errorf("failed to scan series: %w", err)
		}
		series = append(series, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return series, nil
}

// OldestMetricTime returns the timestamp of the oldest stored reading.
// ok is false when the table is empty.
func (r *Repository) OldestMetricTime(ctx context.Context) (oldest time.Time, ok bool, err error) {
	var ts *time.Time
	if err := r.pool.QueryRow(ctx, `SELECT MIN(timestamp) FROM metrics`).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query oldest metric: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

const upsertBucketSQL = `
	INSERT INTO metric_rollups (
		device_id, metric_type_id, interval_seconds, bucket_start,
		avg_value, min_value, max_value, sample_count, computed_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (device_id, metric_type_id, interval_seconds, bucket_start)
	DO UPDATE SET
		avg_value = EXCLUDED.avg_value,
		min_value = EXCLUDED.min_value,
		max_value = EXCLUDED.max_value,
		sample_count = EXCLUDED.sample_count,
		computed_at = EXCLUDED.computed_at
`

func bucketArgs(b db.Bucket) []any {
	return []any{
		b.DeviceID,
		b.MetricTypeID,
		int64(b.Interval / time.Second),
		b.Start,
		b.Avg,
		b.Min,
		b.Max,
		b.Count,
	}
}

// UpsertBucket writes a rollup, replacing any previous value for the same
// series, interval and bucket start.
func (r *Repository) UpsertBucket(ctx context.Context, b db.Bucket) error {
	if _, err := r.pool.Exec(ctx, upsertBucketSQL, bucketArgs(b)...); err != nil {
		return fmt.Errorf("failed to upsert bucket: %w", err)
	}

	return nil
}

// GetBucket returns the stored rollup of one series, interval and bucket start.
func (r *Repository) GetBucket(ctx context.Context, key db.SeriesKey, interval time.Duration, start time.Time) (db.Bucket, bool, error) {
	query := `
		SELECT avg_value, min_value, max_value, sample_count
		FROM metric_rollups
		WHERE device_id = $1 AND metric_type_id = $2 AND interval_seconds = $3 AND bucket_start = $4
	`

	b := db.Bucket{
		DeviceID:     key.DeviceID,
		MetricTypeID: key.MetricTypeID,
		Interval:     interval,
		Start:        start,
	}
	err := r.pool.QueryRow(ctx, query, key.DeviceID, key.MetricTypeID, int64(interval/time.Second), start).
		Scan(&b.Avg, &b.Min, &b.Max, &b.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.Bucket{}, false, nil
	}
	if err != nil {
		return db.Bucket{}, false, fmt.Errorf("failed to query bucket: %w", err)
	}

	return b, true, nil
}

// MaxMetricID returns the highest raw reading id, or 0 when there is none.
func (r *Repository) MaxMetricID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM metrics`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query max metric id: %w", err)
	}
	return id, nil
}

// RetentionWatermark returns the cutoff of the last completed retirement.
// ok is false before the first one.
func (r *Repository) RetentionWatermark(ctx context.Context) (time.Time, bool, error) {
	var ts time.Time
	err := r.pool.QueryRow(ctx, `SELECT raw_cutoff FROM rollup_watermark WHERE id = 1`).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query retention watermark: %w", err)
	}
	return ts.UTC(), true, nil
}

// Retire writes the merged buckets, deletes the covered raw readings and
// advances the watermark in one transaction.
func (r *Repository) Retire(ctx context.Context, ret db.Retirement) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, b := range ret.Merged {
		if _, err := tx.Exec(ctx, upsertBucketSQL, bucketArgs(b)...); err != nil {
			return 0, fmt.Errorf("failed to merge bucket: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM metrics WHERE timestamp < $1 AND id <= $2`, ret.Cutoff, ret.Fence)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metrics: %w", err)
	}

	query := `
		INSERT INTO rollup_watermark (id, raw_cutoff) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET raw_cutoff = GREATEST(rollup_watermark.raw_cutoff, EXCLUDED.raw_cutoff)
	`
	if _, err := tx.Exec(ctx, query, ret.Cutoff); err != nil {
		return 0, fmt.Errorf("failed to advance retention watermark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit retirement: %w", err)
	}

	return tag.RowsAffected(), nil
}

// DeleteBucketsOlderThan removes rollups of one interval whose bucket starts before cutoff.
func (r *Repository) DeleteBucketsOlderThan(ctx context.Context, interval time.Duration, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM metric_rollups
		WHERE interval_seconds = $1 AND bucket_start < $2
	`

	tag, err := r.pool.Exec(ctx, query, int64(interval/time.Second), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete buckets: %w", err)
	}

	return tag.RowsAffected(), nil
}

// TouchLastSeen advances the device's last-seen timestamp. It never moves it backwards.
func (r *Repository) TouchLastSeen(ctx context.Context, deviceID int64, ts time.Time) error {
	query := `
		UPDATE devices
		SET last_seen = GREATEST(COALESCE(last_seen, $2), $2)
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, deviceID, ts); err != nil {
		return fmt.Errorf("failed to update device last_seen: %w", err)
	}

	return nil
}

// GetDevice retrieves a device by id
func (r *Repository) GetDevice(ctx context.Context, id int64) (*db.Device, error) {
	query := `
		SELECT id, device_key, user_id, COALESCE(status, 'unknown'), last_seen, configuration
		FROM devices
		WHERE id = $1
	`

	var (
		device   db.Device
		status   string
		lastSeen *time.Time
		conf     []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.DeviceKey,
		&device.UserID,
		&status,
		&lastSeen,
		&conf,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	if device.Status, err = db.ParseDeviceStatus(status); err != nil {
		return nil, err
	}
	if lastSeen != nil {
		device.LastSeen = lastSeen.UTC()
	}
	if len(conf) > 0 {
		if err := json.Unmarshal(conf, &device.Configuration); err != nil {
			return nil, fmt.Errorf("invalid configuration for device %d: %w", id, err)
		}
	}

	return &device, nil
}

// DeviceStatus returns the stored status of a device.
func (r *Repository) DeviceStatus(ctx context.Context, id int64) (db.DeviceStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(status, 'unknown') FROM devices WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device status: %w", err)
	}

	return db.ParseDeviceStatus(status)
}

// SetAutomaticStatus writes status unless the device is in a manual status.
// The read and the write happen in one transaction holding the row lock, so
// a concurrent manual change is never overwritten.
func (r *Repository) SetAutomaticStatus(ctx context.Context, id int64, status db.DeviceStatus) (db.DeviceStatus, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT COALESCE(status, 'unknown') FROM devices WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to lock device: %w", err)
	}

	previous, err := db.ParseDeviceStatus(current)
	if err != nil {
		return "", false, err
	}
	if previous.IsManual() {
		return previous, false, nil
	}
	if previous == status {
		return previous, true, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE devices SET status = $1 WHERE id = $2`, string(status), id); err != nil {
		return "", false, fmt.Errorf("failed to update device status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("failed to commit status update: %w", err)
	}

	return previous, true, nil
}
