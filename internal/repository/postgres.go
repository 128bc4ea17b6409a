// Package repository provides PostgreSQL persistence for task outcome history.
// The sink is an audit trail for operators, not a recovery source: the queue
// itself stays in-memory and non-durable.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/hookq/hookq/internal/task"
)

type OutcomeStats struct {
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	AvgRetries    float64 `json:"avg_retries"`
}

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(connectionString string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresSink{db: db}, nil
}

// RecordOutcome upserts one terminal task snapshot. Re-recording the same
// task ID (a replayed event that slipped past dedup) overwrites the row.
func (s *PostgresSink) RecordOutcome(ctx context.Context, snap task.Snapshot) error {
	query := `
		INSERT INTO task_outcomes (
			task_id, status, retry_count, max_retries,
			error, created_at, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms
	`

	var durationMs *int64
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		ms := snap.CompletedAt.Sub(*snap.StartedAt).Milliseconds()
		durationMs = &ms
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		snap.ID,
		snap.Status,
		snap.RetryCount,
		snap.MaxRetries,
		snap.Error,
		snap.CreatedAt,
		snap.StartedAt,
		snap.CompletedAt,
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for task %s: %w", snap.ID, err)
	}

	return nil
}

// Stats aggregates recorded outcomes over the last hours.
func (s *PostgresSink) Stats(ctx context.Context, hours int) ([]OutcomeStats, error) {
	query := `
		SELECT
			status,
			COUNT(*) AS count,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(AVG(retry_count), 0) AS avg_retries
		FROM task_outcomes
		WHERE created_at > NOW() - ($1 || ' hours')::INTERVAL
		GROUP BY status
		ORDER BY status
	`

	rows, err := s.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []OutcomeStats
	for rows.Next() {
		var st OutcomeStats
		if err := rows.Scan(&st.Status, &st.Count, &st.AvgDurationMs, &st.AvgRetries); err != nil {
			return nil, fmt.Errorf("failed to scan outcome stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outcome stats: %w", err)
	}

	return stats, nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
