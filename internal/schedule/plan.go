package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/withObsrvr/obsrvr-sortflow/internal/ack"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
	"github.com/withObsrvr/obsrvr-sortflow/internal/stream"
)

type unitKey struct {
	task      string
	partition int
}

type unitState int

const (
	statePending unitState = iota
	stateQueued
	stateDone
	stateFailed
)

// unit is one (task, partition) pair of the plan.
type unit struct {
	task       *Task
	partition  int
	deps       []*unit
	dependents []*unit

	ack         *ack.Ack
	inputs      map[string][]record.FileInfo
	inputNewest time.Time

	run    bool
	reason string

	state       unitState
	skipped     bool
	completedAt time.Time
	err         error
}

func (u *unit) name() string {
	return u.task.name + "_" + strconv.Itoa(u.partition)
}

// changes reports whether finishing u makes its dependents stale. A barrier
// changes when any of its dependencies does.
func (u *unit) changes() bool {
	if !u.task.doNothing {
		return u.run
	}
	for _, d := range u.deps {
		if d.changes() {
			return true
		}
	}
	return false
}

// lastCompleted is the completion time dependents compare their acks with.
func (u *unit) lastCompleted() time.Time {
	if !u.task.doNothing {
		if u.ack == nil {
			return time.Time{}
		}
		return u.ack.CompletedAt
	}
	var latest time.Time
	for _, d := range u.deps {
		if t := d.lastCompleted(); t.After(latest) {
			latest = t
		}
	}
	return latest
}

// partialPartitions maps partition d of a task with nd partitions onto the
// partitions of an upstream task with np partitions: those p with
// p % nd == d, or min(d, np-1) when there are none.
func partialPartitions(d, nd, np int) []int {
	var ps []int
	for p := d; p < np; p += nd {
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		ps = []int{min(d, np-1)}
	}
	return ps
}

func (s *Scheduler) buildUnits() {
	s.units = nil
	s.index = make(map[unitKey]*unit)
	for _, t := range s.order {
		for p := 0; p < t.Partitions(); p++ {
			u := &unit{task: t, partition: p, inputs: make(map[string][]record.FileInfo)}
			s.units = append(s.units, u)
			s.index[unitKey{t.name, p}] = u
		}
	}
	for _, u := range s.units {
		for _, dt := range u.task.fullDeps {
			for p := 0; p < dt.Partitions(); p++ {
				s.link(s.index[unitKey{dt.name, p}], u)
			}
		}
		for _, dt := range u.task.partialDeps {
			for _, p := range partialPartitions(u.partition, u.task.Partitions(), dt.Partitions()) {
				s.link(s.index[unitKey{dt.name, p}], u)
			}
		}
	}
}

func (s *Scheduler) link(dep, u *unit) {
	u.deps = append(u.deps, dep)
	dep.dependents = append(dep.dependents, u)
}

// unitDir holds the outputs of one unit.
func (s *Scheduler) unitDir(task string, p int) string {
	return filepath.Join(s.opts.Dir, task+"_"+strconv.Itoa(p))
}

// outputBase is "<dir>/<task>_<p>/<stem>_<p><ext>".
func (s *Scheduler) outputBase(o *Output, p int) string {
	stem, ext := stream.SplitExt(o.name)
	return filepath.Join(s.unitDir(o.task.name, p), stem+"_"+strconv.Itoa(p)+ext)
}

func (s *Scheduler) destPartitions(o *Output) int {
	if !o.split() {
		return 1
	}
	dest, _ := s.Task(o.dest)
	return dest.Partitions()
}

// outputFiles lists the files unit p of o's task produces.
func (s *Scheduler) outputFiles(o *Output, p int) []string {
	base := s.outputBase(o, p)
	n := s.destPartitions(o)
	if n <= 1 {
		return []string{base}
	}
	names := make([]string, n)
	for d := range names {
		names[d] = stream.PartitionFilename(base, d)
	}
	return names
}

type fileRef struct {
	producer int
	name     string
}

// consumedFiles lists the files of o that partition d of its destination
// reads. Every produced file has exactly one consumer.
func (s *Scheduler) consumedFiles(o *Output, d int) []fileRef {
	dest, _ := s.Task(o.dest)
	np, nd := o.task.Partitions(), dest.Partitions()
	var refs []fileRef
	if o.split() {
		for p := 0; p < np; p++ {
			name := s.outputBase(o, p)
			if nd > 1 {
				name = stream.PartitionFilename(name, d)
			}
			refs = append(refs, fileRef{p, name})
		}
		return refs
	}
	for p := d; p < np; p += nd {
		refs = append(refs, fileRef{p, s.outputBase(o, p)})
	}
	return refs
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// plan loads acks and input selections, then decides which units run. A
// unit runs when it is stale; a skipped producer runs anyway when a running
// consumer needs files it no longer has. Both passes repeat until nothing
// changes.
func (s *Scheduler) plan(ctx context.Context) error {
	for _, u := range s.units {
		a, err := s.acks.Load(ctx, u.task.name, u.partition)
		switch {
		case errors.Is(err, ack.ErrNoAck):
		case err != nil:
			return fmt.Errorf("load ack %s: %w", u.name(), err)
		default:
			u.ack = a
		}

		for _, in := range u.task.inputs {
			files, err := in.selectFn(u.partition, u.task.Partitions())
			if err != nil {
				return fmt.Errorf("select input %s of %s: %w", in.name, u.name(), err)
			}
			u.inputs[in.name] = files
			if t := record.Newest(files); t.After(u.inputNewest) {
				u.inputNewest = t
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, u := range s.units {
			if u.run {
				continue
			}
			if reason := s.staleReason(u); reason != "" {
				u.run, u.reason = true, reason
				changed = true
			}
		}
		for _, u := range s.units {
			if !u.run {
				continue
			}
			for _, o := range u.task.consumes {
				for _, ref := range s.consumedFiles(o, u.partition) {
					prod := s.index[unitKey{o.task.name, ref.producer}]
					if !prod.run && !exists(ref.name) {
						prod.run, prod.reason = true, "output "+o.name+" needed by "+u.name()
						changed = true
					}
				}
			}
		}
	}

	for _, u := range s.units {
		if !u.run {
			u.reason = "up to date"
		}
	}
	return nil
}

// staleReason explains why u must run, or returns "".
func (s *Scheduler) staleReason(u *unit) string {
	t := u.task
	if t.doNothing {
		if u.changes() {
			return "barrier passes changes"
		}
		return ""
	}
	if t.runEveryTime {
		return "runs every time"
	}
	if s.force && s.isSelected(t) {
		return "forced"
	}
	if u.ack == nil {
		return "never completed"
	}
	for _, d := range u.deps {
		if d.changes() {
			return "dependency " + d.name() + " runs"
		}
		if d.lastCompleted().After(u.ack.CompletedAt) {
			return "dependency " + d.name() + " is newer"
		}
	}
	if u.inputNewest.After(u.ack.CompletedAt) {
		return "input changed"
	}
	for _, o := range t.outputs {
		if !o.Kept() {
			continue
		}
		for _, name := range s.outputFiles(o, u.partition) {
			if !exists(name) {
				return "output " + filepath.Base(name) + " missing"
			}
		}
	}
	return ""
}

func (u *unit) action() string {
	if u.run {
		return "run"
	}
	return "skip"
}

func (u *unit) waitsOn() string {
	names := make([]string, len(u.deps))
	for i, d := range u.deps {
		names[i] = d.name()
	}
	return strings.Join(names, " ")
}

// PrintPlan writes the plan of the selected tasks as a table.
func (s *Scheduler) PrintPlan(ctx context.Context, w io.Writer) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}

	fmt.Fprintf(w, "run %s: %d units, %d workers, %d MiB per worker\n",
		s.runID, len(s.units), s.opts.CPUs, s.WorkerRAM()/mib)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Unit", "Action", "Reason", "Waits On"})
	table.SetAutoWrapText(false)
	for _, u := range s.units {
		table.Append([]string{u.name(), u.action(), u.reason, u.waitsOn()})
	}
	table.Render()

	if !s.showFiles {
		return nil
	}
	files := tablewriter.NewWriter(w)
	files.SetHeader([]string{"Unit", "Direction", "Name", "File"})
	files.SetAutoWrapText(false)
	for _, u := range s.units {
		for _, in := range u.task.inputs {
			for _, fi := range u.inputs[in.name] {
				files.Append([]string{u.name(), "in", in.name, fi.Filename})
			}
		}
		for _, o := range u.task.consumes {
			for _, ref := range s.consumedFiles(o, u.partition) {
				files.Append([]string{u.name(), "in", o.name, ref.name})
			}
		}
		for _, o := range u.task.outputs {
			for _, name := range s.outputFiles(o, u.partition) {
				files.Append([]string{u.name(), "out", o.name, name})
			}
		}
	}
	files.Render()
	return nil
}
