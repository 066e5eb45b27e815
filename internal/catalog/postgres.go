package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-sortflow/internal/schedule"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[catalog] connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _sortflow_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// StartRun registers a run.
func (w *PostgresWriter) StartRun(ctx context.Context, runID string) error {
	query := `
		INSERT INTO _sortflow_runs (run_id, namespace)
		VALUES ($1, $2)
		ON CONFLICT (run_id) DO NOTHING
	`
	if _, err := w.pool.Exec(ctx, query, runID, w.cfg.Namespace); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordUnit writes one unit execution.
func (w *PostgresWriter) RecordUnit(ctx context.Context, r schedule.UnitReport) error {
	rec := fromReport(r)
	query := `
		INSERT INTO _sortflow_units (
			run_id, task, partition, status, reason, records,
			started_at, finished_at, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, task, partition)
		DO UPDATE SET
			status = EXCLUDED.status,
			records = EXCLUDED.records,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error
	`

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Task,
		rec.Partition,
		rec.Status,
		rec.Reason,
		rec.Records,
		rec.Started,
		rec.Finished,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("record unit: %w", err)
	}
	return nil
}

// FinishRun closes a run with its unit count and error, if any.
func (w *PostgresWriter) FinishRun(ctx context.Context, runID string, runErr error) error {
	query := `
		UPDATE _sortflow_runs
		SET finished_at = NOW(),
		    units = (SELECT COUNT(*) FROM _sortflow_units WHERE run_id = $1),
		    error = $2
		WHERE run_id = $1
	`

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if _, err := w.pool.Exec(ctx, query, runID, errMsg); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	log.Printf("[catalog] recorded run %s", runID)
	return nil
}

// LastRan returns the most recent successful execution of a unit.
func (w *PostgresWriter) LastRan(ctx context.Context, task string, partition int) (*UnitRecord, error) {
	query := `
		SELECT u.run_id, u.status, u.reason, u.records, u.started_at, u.finished_at
		FROM _sortflow_units u
		JOIN _sortflow_runs r ON r.run_id = u.run_id
		WHERE r.namespace = $1 AND u.task = $2 AND u.partition = $3 AND u.status = $4
		ORDER BY u.finished_at DESC
		LIMIT 1
	`

	rec := UnitRecord{Task: task, Partition: partition}
	err := w.pool.QueryRow(ctx, query, w.cfg.Namespace, task, partition, schedule.StatusRan).Scan(
		&rec.RunID, &rec.Status, &rec.Reason, &rec.Records, &rec.Started, &rec.Finished,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last ran: %w", err)
	}
	return &rec, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

var _ Writer = (*PostgresWriter)(nil)
