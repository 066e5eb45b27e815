package schedule

import (
	"context"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
	"github.com/withObsrvr/obsrvr-sortflow/internal/stream"
)

// Flags modify how an output is produced and retained.
type Flags uint8

const (
	// Normal is a per-partition output read by the same-numbered partition
	// of its destination.
	Normal Flags = 0
	// Split fans records out to every partition of the destination, which
	// then depends fully on the producing task.
	Split Flags = 1 << 0
	// Keep marks a product of the graph: planning re-runs the unit when
	// its files are missing and they are published to the artifact store.
	Keep Flags = 1 << 1
)

// SelectFunc returns the files owned by partition out of numPartitions.
type SelectFunc func(partition, numPartitions int) ([]record.FileInfo, error)

// RunnerFunc does the work of one unit.
type RunnerFunc func(ctx context.Context, w *Worker) error

// Task is a named, partitioned piece of work. Configure it with the
// chainable methods before the scheduler runs.
type Task struct {
	s            *Scheduler
	name         string
	partitions   int
	full         []string
	partial      []string
	inputs       []*Input
	outputs      []*Output
	runner       RunnerFunc
	runEveryTime bool
	doNothing    bool

	// resolved by prepare
	fullDeps    []*Task
	partialDeps []*Task
	consumes    []*Output
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Partitions returns the partition count, falling back to the scheduler
// default.
func (t *Task) Partitions() int {
	if t.partitions > 0 {
		return t.partitions
	}
	return max(t.s.opts.Partitions, 1)
}

// DependsOn makes every unit of t wait for every unit of the named tasks.
func (t *Task) DependsOn(names ...string) *Task {
	t.full = append(t.full, names...)
	return t
}

// PartiallyDependsOn makes partition i of t wait only for the partitions of
// the named tasks it maps to.
func (t *Task) PartiallyDependsOn(names ...string) *Task {
	t.partial = append(t.partial, names...)
	return t
}

// Runner sets the function executed by each unit.
func (t *Task) Runner(fn RunnerFunc) *Task {
	t.runner = fn
	return t
}

// RunEveryTime makes the task ignore its ack, for reporting tasks that
// persist nothing.
func (t *Task) RunEveryTime() *Task {
	t.runEveryTime = true
	return t
}

// DoNothing turns the task into a barrier: it has no runner and completes as
// soon as its dependencies do.
func (t *Task) DoNothing() *Task {
	t.doNothing = true
	return t
}

// Input declares a file-selection input.
func (t *Task) Input(name string, fn SelectFunc) *Input {
	in := &Input{task: t, name: name, selectFn: fn, format: record.Lines()}
	t.inputs = append(t.inputs, in)
	return in
}

// Output declares an output. dest names the consuming task, or "" for a
// terminal output. writerPct and readerPct are fractions of the worker RAM
// ceiling used by the producer and by each consumer.
func (t *Task) Output(name, dest string, writerPct, readerPct float64, flags Flags) *Output {
	o := &Output{
		task:      t,
		name:      name,
		dest:      dest,
		writerPct: writerPct,
		readerPct: readerPct,
		flags:     flags,
		format:    record.LengthPrefixed(),
	}
	t.outputs = append(t.outputs, o)
	return o
}

func (t *Task) input(name string) *Input {
	for _, in := range t.inputs {
		if in.name == name {
			return in
		}
	}
	return nil
}

func (t *Task) output(name string) *Output {
	for _, o := range t.outputs {
		if o.name == name {
			return o
		}
	}
	return nil
}

func (t *Task) consumed(name string) *Output {
	for _, o := range t.consumes {
		if o.name == name {
			return o
		}
	}
	return nil
}

// Input is a set of files chosen per partition by a SelectFunc.
type Input struct {
	task     *Task
	name     string
	selectFn SelectFunc
	format   record.Format
	ramPct   float64
	compare  record.CompareFunc
	reduce   record.ReduceFunc
	limit    int64
}

// Format sets the record format of the files. Defaults to lines.
func (in *Input) Format(f record.Format) *Input {
	in.format = f
	return in
}

// Sort sorts the input with ramPct of the worker RAM before the runner
// sees the first record.
func (in *Input) Sort(cmp record.CompareFunc, ramPct float64) *Input {
	in.compare = cmp
	in.ramPct = ramPct
	return in
}

// Reduce sets the reducer of a sorted input.
func (in *Input) Reduce(fn record.ReduceFunc) *Input {
	in.reduce = fn
	return in
}

// Limit caps the number of records read.
func (in *Input) Limit(n int64) *Input {
	in.limit = n
	return in
}

// Output describes files produced by every unit of a task.
type Output struct {
	task      *Task
	name      string
	dest      string
	writerPct float64
	readerPct float64
	flags     Flags
	format    record.Format

	compare          record.CompareFunc
	reduce           record.ReduceFunc
	intermediate     record.ReduceFunc
	partition        record.PartitionFunc
	extraGoroutine   bool
	uncompressedRuns bool
	dump             stream.DumpFunc
}

// Name returns the output name.
func (o *Output) Name() string { return o.name }

// Kept reports whether the Keep flag is set.
func (o *Output) Kept() bool { return o.flags&Keep != 0 }

func (o *Output) split() bool { return o.flags&Split != 0 }

// Format sets the record format. Defaults to length-prefixed.
func (o *Output) Format(f record.Format) *Output {
	o.format = f
	return o
}

// Sort orders the output by cmp.
func (o *Output) Sort(cmp record.CompareFunc) *Output {
	o.compare = cmp
	return o
}

// Reduce collapses equal-key runs of a sorted output.
func (o *Output) Reduce(fn record.ReduceFunc) *Output {
	o.reduce = fn
	return o
}

// IntermediateReduce collapses equal-key runs inside each spilled batch.
func (o *Output) IntermediateReduce(fn record.ReduceFunc) *Output {
	o.intermediate = fn
	return o
}

// Partition sets the routing function of a Split output. Defaults to
// record.HashPartition.
func (o *Output) Partition(fn record.PartitionFunc) *Output {
	o.partition = fn
	return o
}

// UseExtraGoroutine sorts on a dedicated goroutine.
func (o *Output) UseExtraGoroutine() *Output {
	o.extraGoroutine = true
	return o
}

// UncompressedRuns keeps spilled runs uncompressed.
func (o *Output) UncompressedRuns() *Output {
	o.uncompressedRuns = true
	return o
}

// Dump sets how records are printed by --dump.
func (o *Output) Dump(fn stream.DumpFunc) *Output {
	o.dump = fn
	return o
}
