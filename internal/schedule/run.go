package schedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-sortflow/internal/ack"
	"github.com/withObsrvr/obsrvr-sortflow/internal/metrics"
)

// Unit statuses reported to OnComplete and the Recorder.
const (
	StatusRan     = "ran"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// UnitReport describes a finished unit.
type UnitReport struct {
	RunID     string
	Task      string
	Partition int
	Status    string
	Reason    string
	Started   time.Time
	Finished  time.Time
	Records   int64
	Err       error
}

// Run executes the plan. Failed units block only their dependents; the
// returned error aggregates every failed or unresolved unit.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}

	toRun := 0
	for _, u := range s.units {
		if u.run && !u.task.doNothing {
			toRun++
		}
	}
	s.log.Info("starting run",
		"run_id", s.runID,
		"units", len(s.units),
		"to_run", toRun,
		"workers", s.opts.CPUs,
		"worker_ram_mb", s.WorkerRAM()/mib)

	m := metrics.Get()
	work := make(chan *unit, len(s.units))
	results := make(chan *unitResult, len(s.units))

	var g errgroup.Group
	for i := 0; i < s.opts.CPUs; i++ {
		workerID := i
		g.Go(func() error {
			for u := range work {
				results <- s.execute(ctx, workerID, u)
			}
			return nil
		})
	}

	outstanding := 0
	enqueue := func(u *unit) {
		u.state = stateQueued
		work <- u
		outstanding++
	}
	for _, u := range s.units {
		if u.ready() {
			enqueue(u)
		}
	}

	aborted := false
	for outstanding > 0 {
		m.SetInFlightUnits(float64(outstanding))
		r := <-results
		outstanding--
		u := r.unit
		r.apply()

		report := r.report(s.runID)
		if s.opts.Recorder != nil {
			if err := s.opts.Recorder.RecordUnit(ctx, report); err != nil {
				m.IncCatalogErrors()
				s.log.Warn("failed to record unit", "unit", u.name(), "error", err)
			}
		}
		if s.opts.OnComplete != nil && !aborted && !s.opts.OnComplete(report) {
			s.log.Warn("completion callback stopped the run", "unit", u.name())
			aborted = true
		}
		if ctx.Err() != nil || aborted || u.state != stateDone {
			continue
		}
		for _, d := range u.dependents {
			if d.ready() {
				enqueue(d)
			}
		}
		m.SetReadyQueueDepth(float64(len(work)))
	}
	close(work)
	_ = g.Wait()
	m.SetInFlightUnits(0)

	var result *multierror.Error
	ran, skipped := 0, 0
	for _, u := range s.units {
		switch u.state {
		case stateDone:
			if u.skipped {
				skipped++
			} else if !u.task.doNothing {
				ran++
			}
		case stateFailed:
			result = multierror.Append(result, u.err)
		default:
			result = multierror.Append(result, &UnitError{Task: u.task.name, Partition: u.partition, Err: ErrDependencyUnsatisfied})
		}
	}
	if aborted {
		result = multierror.Append(result, ErrAborted)
	}
	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}

	s.cleanup()

	s.log.Info("run finished",
		"run_id", s.runID,
		"ran", ran,
		"skipped", skipped,
		"errors", len(result.WrappedErrors()))
	return result.ErrorOrNil()
}

// ready reports whether a pending unit has all dependencies done.
func (u *unit) ready() bool {
	if u.state != statePending {
		return false
	}
	for _, d := range u.deps {
		if d.state != stateDone {
			return false
		}
	}
	return true
}

type unitResult struct {
	unit        *unit
	started     time.Time
	finished    time.Time
	records     int64
	skipped     bool
	completedAt time.Time
	err         error
}

// apply records the outcome on the unit. Only the dispatcher calls it, so
// unit state is never written concurrently with ready checks.
func (r *unitResult) apply() {
	u := r.unit
	if r.err != nil {
		u.err = &UnitError{Task: u.task.name, Partition: u.partition, Err: r.err}
		u.state = stateFailed
		return
	}
	u.skipped = r.skipped
	u.completedAt = r.completedAt
	u.state = stateDone
}

func (r *unitResult) report(runID string) UnitReport {
	u := r.unit
	rep := UnitReport{
		RunID:     runID,
		Task:      u.task.name,
		Partition: u.partition,
		Reason:    u.reason,
		Started:   r.started,
		Finished:  r.finished,
		Records:   r.records,
	}
	switch {
	case u.state == stateFailed:
		rep.Status = StatusFailed
		rep.Err = u.err
	case u.skipped:
		rep.Status = StatusSkipped
	default:
		rep.Status = StatusRan
	}
	return rep
}

// execute runs one unit on a pool goroutine. It reads the plan and the
// completion times of finished dependencies and reports through the result.
func (s *Scheduler) execute(ctx context.Context, workerID int, u *unit) *unitResult {
	r := &unitResult{unit: u, started: time.Now()}
	m := metrics.Get()
	defer func() { r.finished = time.Now() }()

	if err := ctx.Err(); err != nil {
		r.err = err
		return r
	}

	if u.task.doNothing {
		r.completedAt = u.depsCompleted()
		r.skipped = !u.run
		return r
	}

	if !u.run {
		r.completedAt = u.ack.CompletedAt
		r.skipped = true
		m.IncUnitsSkipped(u.task.name)
		return r
	}

	// a unit that dies half way must not look complete to the next run
	err := s.acks.Remove(ctx, u.task.name, u.partition)
	var w *Worker
	if err == nil {
		w, err = s.newWorker(u, workerID)
	}
	if err == nil {
		w.Log.Info("unit started", "reason", u.reason)
		err = s.runUnit(ctx, w)
		if finishErr := w.finish(err); err == nil {
			err = finishErr
		}
		r.records = w.records
	}
	if err == nil {
		err = s.publish(ctx, u)
	}

	now := time.Now()
	if err == nil {
		err = s.acks.Save(ctx, &ack.Ack{
			Task:         u.task.name,
			Partition:    u.partition,
			RunID:        s.runID,
			CompletedAt:  now,
			InputModTime: u.inputNewest,
			Records:      r.records,
			Outputs:      s.allOutputFiles(u),
		})
	}
	m.ObserveUnitDuration(u.task.name, now.Sub(r.started).Seconds())

	if err != nil {
		r.err = err
		m.IncUnitsFailed(u.task.name)
		s.log.Error("unit failed", "unit", u.name(), "worker_id", workerID, "error", err)
		return r
	}
	r.completedAt = now
	m.IncUnitsRun(u.task.name)
	w.Log.Info("unit finished", "records", r.records, "duration", now.Sub(r.started))
	return r
}

func (u *unit) depsCompleted() time.Time {
	var latest time.Time
	for _, d := range u.deps {
		if d.completedAt.After(latest) {
			latest = d.completedAt
		}
	}
	return latest
}

// runUnit calls the runner, turning a panic into an error.
func (s *Scheduler) runUnit(ctx context.Context, w *Worker) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panic: %v", p)
		}
	}()
	return w.u.task.runner(ctx, w)
}

func (s *Scheduler) allOutputFiles(u *unit) []string {
	var names []string
	for _, o := range u.task.outputs {
		names = append(names, s.outputFiles(o, u.partition)...)
	}
	return names
}

// publish uploads the kept outputs of u, whether or not another task
// consumes them.
func (s *Scheduler) publish(ctx context.Context, u *unit) error {
	if s.opts.Publisher == nil {
		return nil
	}
	for _, o := range u.task.outputs {
		if !o.Kept() {
			continue
		}
		for _, name := range s.outputFiles(o, u.partition) {
			if err := s.publishFile(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// publishFile uploads name under its path relative to the working
// directory.
func (s *Scheduler) publishFile(ctx context.Context, name string) error {
	key, err := filepath.Rel(s.opts.Dir, name)
	if err != nil {
		return err
	}
	key = filepath.ToSlash(key)
	if err := s.opts.Publisher.Publish(ctx, name, key); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// cleanup removes empty unit directories. Consumed files stay in place so
// a later run can skip producers whose inputs did not change.
func (s *Scheduler) cleanup() {
	for _, u := range s.units {
		// Remove fails on non-empty directories, which is what we want.
		_ = os.Remove(s.unitDir(u.task.name, u.partition))
	}
}
