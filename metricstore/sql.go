package metricstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/c360/docrelay/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS processing_metrics (
	id           BIGSERIAL PRIMARY KEY,
	document_id  BIGINT      NOT NULL,
	stage        TEXT        NOT NULL,
	attempt      INTEGER     NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	success      BOOLEAN     NOT NULL,
	error        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS processing_metrics_document_idx ON processing_metrics (document_id);

CREATE TABLE IF NOT EXISTS system_metrics (
	id            BIGSERIAL PRIMARY KEY,
	metric_type   TEXT        NOT NULL DEFAULT 'processing_time',
	document_id   BIGINT      NOT NULL,
	user_id       TEXT        NOT NULL,
	filename      TEXT        NOT NULL,
	mime_type     TEXT        NOT NULL,
	text_length   INTEGER     NOT NULL,
	duration_ms   BIGINT      NOT NULL,
	success       BOOLEAN     NOT NULL,
	error         TEXT        NOT NULL DEFAULT '',
	within_target BOOLEAN     NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS system_metrics_recorded_idx ON system_metrics (metric_type, recorded_at DESC);

CREATE TABLE IF NOT EXISTS document_detections (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT        NOT NULL,
	success     BOOLEAN     NOT NULL,
	reason      TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);`

// SQLStore keeps metric rows in PostgreSQL
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore connects to dsn and creates the schema if needed
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "metricstore", "OpenSQLStore", "dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.WrapTransient(err, "metricstore", "OpenSQLStore", "connect to database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open connection. Call Migrate before use.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates tables and indexes that do not exist yet
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapTransient(err, "metricstore", "Migrate", "create schema")
	}
	return nil
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// AppendStage implements Store
func (s *SQLStore) AppendStage(ctx context.Context, m StageMetric) error {
	const q = `
		INSERT INTO processing_metrics
			(document_id, stage, attempt, started_at, completed_at, duration_ms, success, error)
		VALUES
			(:document_id, :stage, :attempt, :started_at, :completed_at, :duration_ms, :success, :error)`
	if _, err := s.db.NamedExecContext(ctx, q, &m); err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendStage", "insert stage metric")
	}
	return nil
}

// ListStages implements Store
func (s *SQLStore) ListStages(ctx context.Context, documentID int64) ([]StageMetric, error) {
	const q = `
		SELECT document_id, stage, attempt, started_at, completed_at, duration_ms, success, error
		FROM processing_metrics
		WHERE document_id = $1
		ORDER BY id`
	out := []StageMetric{}
	if err := s.db.SelectContext(ctx, &out, q, documentID); err != nil {
		return nil, errors.WrapTransient(err, "metricstore", "ListStages", "select stage metrics")
	}
	return out, nil
}

// AppendProcessing implements Store
func (s *SQLStore) AppendProcessing(ctx context.Context, r ProcessingRecord) error {
	const q = `
		INSERT INTO system_metrics
			(document_id, user_id, filename, mime_type, text_length, duration_ms, success, error, within_target, recorded_at)
		VALUES
			(:document_id, :user_id, :filename, :mime_type, :text_length, :duration_ms, :success, :error, :within_target, :recorded_at)`
	if _, err := s.db.NamedExecContext(ctx, q, &r); err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendProcessing", "insert processing record")
	}
	return nil
}

// ListProcessing implements Store
func (s *SQLStore) ListProcessing(ctx context.Context, limit int) ([]ProcessingRecord, error) {
	q := `
		SELECT document_id, user_id, filename, mime_type, text_length, duration_ms, success, error, within_target, recorded_at
		FROM system_metrics
		WHERE metric_type = 'processing_time'
		ORDER BY recorded_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	out := []ProcessingRecord{}
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, errors.WrapTransient(err, "metricstore", "ListProcessing", "select processing records")
	}
	return out, nil
}

// AppendDetection implements Store
func (s *SQLStore) AppendDetection(ctx context.Context, d Detection) error {
	const q = `
		INSERT INTO document_detections (user_id, success, reason, recorded_at)
		VALUES (:user_id, :success, :reason, :recorded_at)`
	if _, err := s.db.NamedExecContext(ctx, q, &d); err != nil {
		return errors.WrapTransient(err, "metricstore", "AppendDetection", "insert detection")
	}
	return nil
}

// DetectionCounts implements Store
func (s *SQLStore) DetectionCounts(ctx context.Context) (int, int, error) {
	var row struct {
		Total      int `db:"total"`
		Successful int `db:"successful"`
	}
	const q = `
		SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE success) AS successful
		FROM document_detections`
	if err := s.db.GetContext(ctx, &row, q); err != nil {
		return 0, 0, errors.WrapTransient(err, "metricstore", "DetectionCounts", "count detections")
	}
	return row.Total, row.Successful, nil
}
