package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/withObsrvr/obsrvr-sortflow/internal/arena"
	"github.com/withObsrvr/obsrvr-sortflow/internal/buffer"
	"github.com/withObsrvr/obsrvr-sortflow/internal/logging"
	"github.com/withObsrvr/obsrvr-sortflow/internal/metrics"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
	"github.com/withObsrvr/obsrvr-sortflow/internal/stream"
)

const minReadBuffer = 4 * 1024

// Worker is the context handed to a runner. Its Arena and Buffer are
// scratch space bounded by the worker RAM ceiling and released when the
// unit ends.
type Worker struct {
	Task          string
	Partition     int
	NumPartitions int
	WorkerID      int
	RAM           int // bytes
	Arena         *arena.Arena
	Buffer        *buffer.Buffer
	Log           *slog.Logger

	s       *Scheduler
	u       *unit
	outputs map[string]*stream.Output
	inputs  []*stream.Input
	records int64
}

func (s *Scheduler) newWorker(u *unit, workerID int) (*Worker, error) {
	ram := s.WorkerRAM()
	a, err := arena.NewWithOptions(arena.Options{Limit: ram})
	if err != nil {
		return nil, err
	}
	buf, err := buffer.NewInArena(a, 1024)
	if err != nil {
		a.Destroy()
		return nil, err
	}
	if err := os.MkdirAll(s.unitDir(u.task.name, u.partition), 0755); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("create unit directory: %w", err)
	}
	return &Worker{
		Task:          u.task.name,
		Partition:     u.partition,
		NumPartitions: u.task.Partitions(),
		WorkerID:      workerID,
		RAM:           ram,
		Arena:         a,
		Buffer:        buf,
		Log:           logging.UnitLogger(s.log, s.runID, u.task.name, u.partition).With("worker_id", workerID),
		s:             s,
		u:             u,
		outputs:       make(map[string]*stream.Output),
	}, nil
}

// Dir returns the unit's working directory, where its outputs live.
func (w *Worker) Dir() string { return w.s.unitDir(w.Task, w.Partition) }

// InputFiles returns the files behind a declared input or an upstream
// output consumed by this unit.
func (w *Worker) InputFiles(name string) ([]record.FileInfo, error) {
	if in := w.u.task.input(name); in != nil {
		return w.u.inputs[name], nil
	}
	o := w.u.task.consumed(name)
	if o == nil {
		return nil, fmt.Errorf("%w: %s has no input %s", ErrUnknownIO, w.Task, name)
	}
	var files []record.FileInfo
	for _, ref := range w.s.consumedFiles(o, w.Partition) {
		fi, err := record.StatFile(ref.name)
		if err != nil {
			return nil, err
		}
		files = append(files, fi)
	}
	return files, nil
}

// OpenInput opens a declared input or an upstream output for reading. The
// cursor is closed when the unit ends if the runner does not close it.
func (w *Worker) OpenInput(name string) (*stream.Input, error) {
	var (
		files []record.FileInfo
		opts  stream.InputOptions
	)
	if in := w.u.task.input(name); in != nil {
		files = w.u.inputs[name]
		opts = stream.InputOptions{
			Format:  in.format,
			Compare: in.compare,
			Reduce:  in.reduce,
			RAM:     int(in.ramPct * float64(w.RAM)),
			TempDir: w.s.tmpDir(),
			Limit:   in.limit,
		}
	} else if o := w.u.task.consumed(name); o != nil {
		var err error
		if files, err = w.InputFiles(name); err != nil {
			return nil, err
		}
		// Sorted producers are merged so the consumer sees one ordered
		// stream. Reducers are not reapplied across producers.
		opts = stream.InputOptions{
			Format:     o.format,
			BufferSize: max(int(o.readerPct*float64(w.RAM))/max(len(files), 1), minReadBuffer),
			Compare:    o.compare,
			Merge:      o.compare != nil,
		}
	} else {
		return nil, fmt.Errorf("%w: %s has no input %s", ErrUnknownIO, w.Task, name)
	}

	in, err := stream.OpenInputFiles(files, opts)
	if err != nil {
		return nil, err
	}
	w.inputs = append(w.inputs, in)
	return in, nil
}

// CreateOutput opens a declared output. Files are published when the unit
// succeeds and discarded when it fails.
func (w *Worker) CreateOutput(name string) (*stream.Output, error) {
	o := w.u.task.output(name)
	if o == nil {
		return nil, fmt.Errorf("%w: %s has no output %s", ErrUnknownIO, w.Task, name)
	}
	if _, ok := w.outputs[name]; ok {
		return nil, fmt.Errorf("%w: output %s of %s opened twice", ErrInvalidOutput, name, w.Task)
	}
	opts := stream.OutputOptions{
		Format:             o.format,
		Compare:            o.compare,
		Reduce:             o.reduce,
		IntermediateReduce: o.intermediate,
		RAM:                int(o.writerPct * float64(w.RAM)),
		UncompressedRuns:   o.uncompressedRuns,
		UseExtraGoroutine:  o.extraGoroutine,
		TempDir:            w.s.tmpDir(),
	}
	if n := w.s.destPartitions(o); n > 1 {
		opts.NumPartitions = n
		opts.Partition = o.partition
		if opts.Partition == nil {
			opts.Partition = record.HashPartition
		}
	}
	out, err := stream.CreateOutput(w.s.outputBase(o, w.Partition), opts)
	if err != nil {
		return nil, err
	}
	w.outputs[name] = out
	return out, nil
}

// Publish uploads a file the runner wrote outside its declared outputs,
// such as an export. It does nothing when no publisher is attached.
func (w *Worker) Publish(ctx context.Context, localPath string) error {
	if w.s.opts.Publisher == nil {
		return nil
	}
	return w.s.publishFile(ctx, localPath)
}

// finish closes what the runner left open. On failure every output is
// discarded, including ones already committed. Outputs the runner never
// opened are created empty so consumers always find their files.
func (w *Worker) finish(runErr error) error {
	defer w.Arena.Destroy()

	var errs []error
	for _, in := range w.inputs {
		if err := in.Close(); err != nil && runErr == nil {
			errs = append(errs, err)
		}
		w.Log.Debug("input closed", "files", len(in.Files()), "records", in.Count())
	}
	if runErr != nil {
		w.discard()
		return nil
	}

	for _, o := range w.u.task.outputs {
		out, ok := w.outputs[o.name]
		if !ok {
			var err error
			if out, err = w.CreateOutput(o.name); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := out.Close(); err != nil {
			errs = append(errs, err)
			continue
		}
		st := out.Stats()
		w.records += st.Written
		metrics.Get().AddOutputStats(w.Task, o.name, st.Emitted, st.Spills)
	}
	if len(errs) > 0 {
		w.discard()
	}
	return errors.Join(errs...)
}

// discard aborts every output and removes the files of outputs that were
// already committed, so a failed unit leaves none of them in place.
func (w *Worker) discard() {
	for _, out := range w.outputs {
		out.Abort()
		for _, name := range out.Filenames() {
			if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				w.Log.Warn("failed to remove output", "file", name, "error", err)
			}
		}
	}
}
