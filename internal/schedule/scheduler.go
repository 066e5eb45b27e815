// Package schedule runs a graph of partitioned tasks on a fixed pool of
// workers. Each (task, partition) unit runs once its dependencies finished,
// inside a RAM budget, and is skipped on later runs while its
// acknowledgment is still newer than everything it depends on.
package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-sortflow/internal/ack"
	"github.com/withObsrvr/obsrvr-sortflow/internal/logging"
)

const mib = 1 << 20

// Publisher uploads a finished terminal output to durable storage.
type Publisher interface {
	Publish(ctx context.Context, localPath, key string) error
}

// Recorder keeps the history of unit executions.
type Recorder interface {
	RecordUnit(ctx context.Context, r UnitReport) error
}

// ArgsHooks lets an application add its own command-line arguments next to
// the scheduler's.
type ArgsHooks struct {
	// Parse registers application flags.
	Parse func(fs *pflag.FlagSet)
	// Finish validates the parsed application flags.
	Finish func() error
	// Usage prints extra help text.
	Usage func(w io.Writer)
}

// Options configures a Scheduler. Zero values pick defaults.
type Options struct {
	Dir        string // working directory for outputs, acks and temp files
	CPUs       int    // worker goroutines
	RAMMB      int    // total RAM shared by the workers
	Partitions int    // default partition count of tasks declared with 0

	// DisableAck makes every unit run every time.
	DisableAck bool

	Args ArgsHooks

	// OnComplete is called after each unit finishes, ran or skipped.
	// Returning false stops dispatching new units.
	OnComplete func(UnitReport) bool

	Recorder  Recorder
	Publisher Publisher
	Logger    *slog.Logger
	Stdout    io.Writer
	// Stderr receives usage and flag errors from ParseArgs.
	Stderr io.Writer
}

func (o *Options) setDefaults() {
	if o.Dir == "" {
		o.Dir = "sortflow-data"
	}
	if o.CPUs < 1 {
		o.CPUs = runtime.NumCPU()
	}
	if o.RAMMB < 1 {
		o.RAMMB = 1024
	}
	if o.Partitions < 1 {
		o.Partitions = 1
	}
	if o.Logger == nil {
		o.Logger = logging.Component("scheduler")
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// Scheduler owns the task registry and executes runs.
type Scheduler struct {
	opts  Options
	tasks *btree.BTreeG[*Task]
	runID string
	log   *slog.Logger
	acks  ack.Store

	declErr error

	// command-line selections
	selected  []string
	force     bool
	list      bool
	showFiles bool
	dump      bool
	prefix    string

	order []*Task
	units []*unit
	index map[unitKey]*unit
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		opts:  opts,
		tasks: btree.NewG(8, func(a, b *Task) bool { return a.name < b.name }),
		runID: uuid.New().String(),
	}
}

// Attach sets where a run reports units and publishes kept outputs. It
// must be called before Run. Either may be nil.
func (s *Scheduler) Attach(rec Recorder, pub Publisher) {
	s.opts.Recorder = rec
	s.opts.Publisher = pub
}

// Dir returns the working directory, after flags were applied.
func (s *Scheduler) Dir() string { return s.opts.Dir }

// DryRun reports whether Execute will list or dump instead of running.
func (s *Scheduler) DryRun() bool { return s.list || s.dump }

// RunID identifies this scheduler's run in acks, logs and the catalog.
func (s *Scheduler) RunID() string { return s.runID }

// AddTask declares a task. partitions 0 uses the scheduler default.
func (s *Scheduler) AddTask(name string, partitions int) *Task {
	t := &Task{s: s, name: name, partitions: partitions}
	if _, ok := s.tasks.Get(t); ok {
		s.declErr = fmt.Errorf("%w: %s", ErrDuplicateTask, name)
		return t
	}
	s.tasks.ReplaceOrInsert(t)
	return t
}

// Task returns a declared task.
func (s *Scheduler) Task(name string) (*Task, bool) {
	return s.tasks.Get(&Task{name: name})
}

// Select limits the run to the named tasks and everything they depend on.
// With force, the named tasks run even when up to date.
func (s *Scheduler) Select(force bool, names ...string) {
	s.selected = append(s.selected, names...)
	s.force = force
}

// WorkerRAM is the per-worker RAM ceiling in bytes.
func (s *Scheduler) WorkerRAM() int {
	return s.opts.RAMMB * mib / s.opts.CPUs
}

func (s *Scheduler) tmpDir() string { return filepath.Join(s.opts.Dir, "tmp") }

// prepare resolves the graph and builds the static plan of units.
func (s *Scheduler) prepare(ctx context.Context) error {
	if s.declErr != nil {
		return s.declErr
	}
	s.opts.setDefaults()
	s.log = s.opts.Logger

	if err := os.MkdirAll(s.tmpDir(), 0755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	acks, err := ack.NewStore(ack.Config{Enabled: !s.opts.DisableAck, Dir: s.opts.Dir})
	if err != nil {
		return err
	}
	s.acks = acks

	if err := s.resolve(); err != nil {
		return err
	}
	if err := s.checkSelection(); err != nil {
		return err
	}
	if err := s.checkRAM(); err != nil {
		return err
	}
	order, err := s.topoOrder()
	if err != nil {
		return err
	}
	s.order = s.closure(order)
	s.buildUnits()
	return s.plan(ctx)
}

// resolve links dependency names and outputs to tasks. A split output makes
// its destination fully dependent on the producer, any other output makes
// it partially dependent.
func (s *Scheduler) resolve() error {
	var err error
	s.tasks.Ascend(func(t *Task) bool {
		t.fullDeps, t.partialDeps, t.consumes = nil, nil, nil
		return true
	})
	s.tasks.Ascend(func(t *Task) bool {
		if t.runner == nil && !t.doNothing {
			err = fmt.Errorf("task %s has no runner", t.name)
			return false
		}
		for _, name := range t.full {
			dep, ok := s.Task(name)
			if !ok {
				err = fmt.Errorf("%w: %s depends on %s", ErrUnknownTask, t.name, name)
				return false
			}
			t.fullDeps = appendTask(t.fullDeps, dep)
		}
		for _, name := range t.partial {
			dep, ok := s.Task(name)
			if !ok {
				err = fmt.Errorf("%w: %s depends on %s", ErrUnknownTask, t.name, name)
				return false
			}
			t.partialDeps = appendTask(t.partialDeps, dep)
		}
		return true
	})
	if err != nil {
		return err
	}

	s.tasks.Ascend(func(t *Task) bool {
		for _, o := range t.outputs {
			if o.dest == "" {
				if o.split() {
					err = fmt.Errorf("%w: split output %s of %s has no destination", ErrInvalidOutput, o.name, t.name)
					return false
				}
				continue
			}
			dest, ok := s.Task(o.dest)
			if !ok {
				err = fmt.Errorf("%w: output %s of %s goes to %s", ErrUnknownTask, o.name, t.name, o.dest)
				return false
			}
			if dest == t {
				err = fmt.Errorf("%w: task %s consumes its own output %s", ErrCycle, t.name, o.name)
				return false
			}
			if dest.consumed(o.name) != nil || dest.input(o.name) != nil {
				err = fmt.Errorf("%w: task %s receives %s twice", ErrInvalidOutput, dest.name, o.name)
				return false
			}
			dest.consumes = append(dest.consumes, o)
			if o.split() {
				dest.fullDeps = appendTask(dest.fullDeps, t)
			} else {
				dest.partialDeps = appendTask(dest.partialDeps, t)
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	// A full dependency subsumes a partial one on the same task.
	s.tasks.Ascend(func(t *Task) bool {
		t.partialDeps = slices.DeleteFunc(t.partialDeps, func(d *Task) bool {
			return slices.Contains(t.fullDeps, d)
		})
		return true
	})
	return nil
}

func appendTask(list []*Task, t *Task) []*Task {
	if slices.Contains(list, t) {
		return list
	}
	return append(list, t)
}

// checkRAM rejects tasks whose declared fractions exceed the worker ceiling.
func (s *Scheduler) checkRAM() error {
	var err error
	s.tasks.Ascend(func(t *Task) bool {
		total := 0.0
		for _, o := range t.outputs {
			total += o.writerPct
		}
		for _, o := range t.consumes {
			total += o.readerPct
		}
		for _, in := range t.inputs {
			total += in.ramPct
		}
		if total > 1.0+1e-9 {
			err = fmt.Errorf("%w: task %s uses %.0f%% of the %d MiB worker ceiling",
				ErrRAMBudget, t.name, total*100, s.WorkerRAM()/mib)
			return false
		}
		return true
	})
	return err
}

// topoOrder is Kahn's algorithm with ties broken by task name.
func (s *Scheduler) topoOrder() ([]*Task, error) {
	indeg := make(map[*Task]int)
	dependents := make(map[*Task][]*Task)
	var ready []*Task

	s.tasks.Ascend(func(t *Task) bool {
		deps := append(slices.Clone(t.fullDeps), t.partialDeps...)
		indeg[t] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], t)
		}
		if len(deps) == 0 {
			ready = append(ready, t)
		}
		return true
	})

	var order []*Task
	for len(ready) > 0 {
		t := ready[0]
		ready = ready[1:]
		order = append(order, t)
		for _, d := range dependents[t] {
			indeg[d]--
			if indeg[d] == 0 {
				i, _ := slices.BinarySearchFunc(ready, d, func(a, b *Task) int {
					switch {
					case a.name < b.name:
						return -1
					case a.name > b.name:
						return 1
					}
					return 0
				})
				ready = slices.Insert(ready, i, d)
			}
		}
	}

	if len(order) != s.tasks.Len() {
		var stuck []string
		for t, n := range indeg {
			if n > 0 {
				stuck = append(stuck, t.name)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
	}
	return order, nil
}

// closure keeps the selected tasks and their transitive dependencies.
func (s *Scheduler) closure(order []*Task) []*Task {
	if len(s.selected) == 0 {
		return order
	}
	keep := make(map[*Task]bool)
	var visit func(t *Task)
	visit = func(t *Task) {
		if keep[t] {
			return
		}
		keep[t] = true
		for _, d := range t.fullDeps {
			visit(d)
		}
		for _, d := range t.partialDeps {
			visit(d)
		}
	}
	for _, name := range s.selected {
		if t, ok := s.Task(name); ok {
			visit(t)
		}
	}
	return slices.DeleteFunc(slices.Clone(order), func(t *Task) bool { return !keep[t] })
}

func (s *Scheduler) checkSelection() error {
	for _, name := range s.selected {
		if _, ok := s.Task(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
	}
	return nil
}

func (s *Scheduler) isSelected(t *Task) bool {
	return len(s.selected) == 0 || slices.Contains(s.selected, t.name)
}
