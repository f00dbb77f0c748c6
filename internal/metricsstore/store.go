// Package metricsstore persists benchmark reports in PostgreSQL.
package metricsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS benchmark_reports (
	id BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	client_id VARCHAR(255) NOT NULL DEFAULT '',
	e2e_latency_median DOUBLE PRECISION NOT NULL,
	e2e_latency_p95 DOUBLE PRECISION NOT NULL,
	server_latency_median DOUBLE PRECISION NOT NULL,
	network_latency_median DOUBLE PRECISION NOT NULL,
	processed_fps DOUBLE PRECISION NOT NULL,
	bandwidth_kbps DOUBLE PRECISION NOT NULL,
	drop_rate_percent DOUBLE PRECISION NOT NULL,
	frames_processed BIGINT NOT NULL,
	frames_dropped BIGINT NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_benchmark_reports_recorded_at ON benchmark_reports(recorded_at DESC);
`

const reportColumns = `recorded_at, client_id, e2e_latency_median, e2e_latency_p95,
	server_latency_median, network_latency_median, processed_fps, bandwidth_kbps,
	drop_rate_percent, frames_processed, frames_dropped, duration_seconds`

// Store implements metrics.Publisher on PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ metrics.Publisher = (*Store)(nil)

type reportRow struct {
	RecordedAt           time.Time `db:"recorded_at"`
	ClientID             string    `db:"client_id"`
	E2ELatencyMedian     float64   `db:"e2e_latency_median"`
	E2ELatencyP95        float64   `db:"e2e_latency_p95"`
	ServerLatencyMedian  float64   `db:"server_latency_median"`
	NetworkLatencyMedian float64   `db:"network_latency_median"`
	ProcessedFPS         float64   `db:"processed_fps"`
	BandwidthKbps        float64   `db:"bandwidth_kbps"`
	DropRatePercent      float64   `db:"drop_rate_percent"`
	FramesProcessed      int64     `db:"frames_processed"`
	FramesDropped        int64     `db:"frames_dropped"`
	DurationSeconds      float64   `db:"duration_seconds"`
}

func (r reportRow) report() metrics.Report {
	return metrics.Report{
		Timestamp:            r.RecordedAt,
		ClientID:             r.ClientID,
		E2ELatencyMedian:     r.E2ELatencyMedian,
		E2ELatencyP95:        r.E2ELatencyP95,
		ServerLatencyMedian:  r.ServerLatencyMedian,
		NetworkLatencyMedian: r.NetworkLatencyMedian,
		ProcessedFPS:         r.ProcessedFPS,
		BandwidthKbps:        r.BandwidthKbps,
		DropRatePercent:      r.DropRatePercent,
		FramesProcessed:      uint64(r.FramesProcessed),
		FramesDropped:        uint64(r.FramesDropped),
		DurationSeconds:      r.DurationSeconds,
	}
}

// Open connects to PostgreSQL, retrying the initial ping with exponential
// backoff, and creates the schema if needed.
func Open(ctx context.Context, cfg config.MetricsStoreConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", config.DatabaseDSN(&cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger := zap.L().Named("metricsstore")
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), ctx)
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("metrics store ready", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return s, nil
}

// New wraps an existing connection without touching the schema.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, logger: zap.L().Named("metricsstore")}
}

// Init creates the schema if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Publish stores one report.
func (s *Store) Publish(ctx context.Context, r metrics.Report) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	query := `INSERT INTO benchmark_reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, query,
		r.Timestamp, r.ClientID, r.E2ELatencyMedian, r.E2ELatencyP95,
		r.ServerLatencyMedian, r.NetworkLatencyMedian, r.ProcessedFPS, r.BandwidthKbps,
		r.DropRatePercent, int64(r.FramesProcessed), int64(r.FramesDropped), r.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// Latest returns the most recent report, or nil when none is stored.
func (s *Store) Latest(ctx context.Context) (*metrics.Report, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+reportColumns+` FROM benchmark_reports ORDER BY recorded_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest report: %w", err)
	}
	r := row.report()
	return &r, nil
}

// Recent returns up to limit reports, newest first, optionally for one client.
func (s *Store) Recent(ctx context.Context, clientID string, limit int) ([]metrics.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM benchmark_reports`
	args := []interface{}{}
	if clientID != "" {
		query += ` WHERE client_id = $1`
		args = append(args, clientID)
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	var rows []reportRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	out := make([]metrics.Report, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.report())
	}
	return out, nil
}

// Prune deletes reports recorded before olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM benchmark_reports WHERE recorded_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reports: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
