// Package catalog keeps the history of scheduler runs and the units they
// executed.
package catalog

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-sortflow/internal/schedule"
)

type Config struct {
	PostgresDSN string
	Namespace   string
}

// UnitRecord is a stored unit execution.
type UnitRecord struct {
	RunID     string
	Task      string
	Partition int
	Status    string
	Reason    string
	Records   int64
	Started   time.Time
	Finished  time.Time
	Error     string
}

// Writer records runs. It satisfies schedule.Recorder.
type Writer interface {
	StartRun(ctx context.Context, runID string) error
	RecordUnit(ctx context.Context, r schedule.UnitReport) error
	FinishRun(ctx context.Context, runID string, runErr error) error
	// LastRan returns the latest successful execution of a unit, or nil.
	LastRan(ctx context.Context, task string, partition int) (*UnitRecord, error)
	Close() error
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) StartRun(context.Context, string) error                { return nil }
func (noopWriter) RecordUnit(context.Context, schedule.UnitReport) error { return nil }
func (noopWriter) FinishRun(context.Context, string, error) error        { return nil }
func (noopWriter) Close() error                                          { return nil }

func (noopWriter) LastRan(context.Context, string, int) (*UnitRecord, error) {
	return nil, nil
}

var _ schedule.Recorder = (Writer)(nil)

func fromReport(r schedule.UnitReport) UnitRecord {
	rec := UnitRecord{
		RunID:     r.RunID,
		Task:      r.Task,
		Partition: r.Partition,
		Status:    r.Status,
		Reason:    r.Reason,
		Records:   r.Records,
		Started:   r.Started,
		Finished:  r.Finished,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}
