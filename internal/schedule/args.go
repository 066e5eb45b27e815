package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-sortflow/internal/stream"
)

// BindFlags registers the scheduler flags and the application's own on fs.
func (s *Scheduler) BindFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&s.selected, "task", "t", nil, "run only these tasks and what they depend on")
	fs.BoolVarP(&s.force, "force", "f", false, "run the selected tasks even when up to date")
	fs.BoolVarP(&s.list, "list", "l", false, "print the plan instead of running it")
	fs.BoolVarP(&s.showFiles, "show-files", "s", false, "with --list, print the files of every unit")
	fs.BoolVarP(&s.dump, "dump", "d", false, "print the records of existing outputs")
	fs.StringVarP(&s.prefix, "prefix", "p", "", "with --dump, only files whose name starts with this prefix")
	fs.StringVar(&s.opts.Dir, "dir", s.opts.Dir, "working directory")
	fs.IntVarP(&s.opts.CPUs, "cpus", "c", s.opts.CPUs, "worker goroutines")
	fs.IntVarP(&s.opts.RAMMB, "ram", "r", s.opts.RAMMB, "RAM in MiB shared by all workers")
	fs.IntVar(&s.opts.Partitions, "partitions", s.opts.Partitions, "default partitions per task")
	if s.opts.Args.Parse != nil {
		s.opts.Args.Parse(fs)
	}
}

// FinishFlags validates application flags after parsing.
func (s *Scheduler) FinishFlags() error {
	if s.opts.Args.Finish != nil {
		return s.opts.Args.Finish()
	}
	return nil
}

// ParseArgs parses command-line arguments into the scheduler. It returns
// pflag.ErrHelp after printing usage when help is requested.
func (s *Scheduler) ParseArgs(args []string) error {
	name := "sortflow"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	out := s.opts.Stderr
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	s.BindFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: %s [flags]\n\n", name)
		fs.PrintDefaults()
		if s.opts.Args.Usage != nil {
			fmt.Fprintln(out)
			s.opts.Args.Usage(out)
		}
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	return s.FinishFlags()
}

// Execute lists, dumps or runs, depending on the parsed flags.
func (s *Scheduler) Execute(ctx context.Context) error {
	switch {
	case s.list:
		return s.PrintPlan(ctx, s.opts.Stdout)
	case s.dump:
		return s.Dump(ctx)
	default:
		return s.Run(ctx)
	}
}

// Dump prints the records of every existing output file of the selected
// tasks, using each output's dump function.
func (s *Scheduler) Dump(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	w := s.opts.Stdout
	var errs []error
	for _, u := range s.units {
		if !s.isSelected(u.task) {
			continue
		}
		for _, o := range u.task.outputs {
			for _, name := range s.outputFiles(o, u.partition) {
				if s.prefix != "" && !strings.HasPrefix(filepath.Base(name), s.prefix) {
					continue
				}
				if !exists(name) {
					continue
				}
				fn := o.dump
				if fn == nil {
					fn = stream.DefaultDump
				}
				if err := stream.Dump(w, name, o.format, fn, 0); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
