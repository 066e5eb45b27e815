package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-sortflow/internal/catalog"
	"github.com/withObsrvr/obsrvr-sortflow/internal/config"
	"github.com/withObsrvr/obsrvr-sortflow/internal/jobs"
	"github.com/withObsrvr/obsrvr-sortflow/internal/metrics"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
	"github.com/withObsrvr/obsrvr-sortflow/internal/schedule"
	"github.com/withObsrvr/obsrvr-sortflow/internal/source"
	"github.com/withObsrvr/obsrvr-sortflow/internal/storage"
	"github.com/withObsrvr/obsrvr-sortflow/internal/stream"
)

// pipeline is a task graph the binary knows how to declare.
type pipeline struct {
	name    string
	short   string
	args    schedule.ArgsHooks
	declare func(s *schedule.Scheduler, inputs schedule.SelectFunc)
}

func ratingsPipeline() pipeline {
	rcfg := jobs.DefaultRatingsConfig()
	noExport := false
	return pipeline{
		name:  "ratings",
		short: "Summarize user ratings, dropping crowded days",
		args: schedule.ArgsHooks{
			Parse: func(fs *pflag.FlagSet) {
				fs.IntVar(&rcfg.MaxPerDay, "max-per-day", rcfg.MaxPerDay, "drop user/days with more ratings than this")
				fs.BoolVar(&noExport, "no-export", false, "skip the parquet export task")
				fs.StringVar(&rcfg.ExportCompression, "export-compression", rcfg.ExportCompression, "parquet compression: zstd, snappy, gzip or none")
			},
			Finish: func() error {
				if rcfg.MaxPerDay < 1 {
					return fmt.Errorf("--max-per-day must be at least 1, got %d", rcfg.MaxPerDay)
				}
				rcfg.Export = !noExport
				return nil
			},
			Usage: func(w io.Writer) {
				fmt.Fprintln(w, "Input lines are \"user,rating,YYYY-MM-DD\". Malformed lines are skipped.")
			},
		},
		declare: func(s *schedule.Scheduler, inputs schedule.SelectFunc) {
			jobs.Ratings(s, inputs, rcfg)
		},
	}
}

func tokensPipeline() pipeline {
	return pipeline{
		name:  "tokens",
		short: "Count whitespace-separated tokens",
		declare: func(s *schedule.Scheduler, inputs schedule.SelectFunc) {
			jobs.Tokens(s, inputs)
		},
	}
}

func pipelineCommand(cfg config.Config, p pipeline) *cobra.Command {
	s := schedule.New(schedule.Options{
		Dir:        cfg.Scheduler.Dir,
		CPUs:       cfg.Scheduler.CPUs,
		RAMMB:      cfg.Scheduler.RAMMB,
		Partitions: cfg.Scheduler.Partitions,
		DisableAck: cfg.Scheduler.DisableAck,
		Args:       p.args,
	})

	var input string
	cmd := &cobra.Command{
		Use:   p.name,
		Short: p.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.FinishFlags(); err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, s, p, input)
		},
	}
	s.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&input, "input", cfg.Source.URL, "directory or bucket URL (file://, gs://, s3://) holding the input files")
	return cmd
}

func runPipeline(ctx context.Context, cfg config.Config, s *schedule.Scheduler, p pipeline, input string) error {
	log.Printf("[main] sortflow %s (%s): %s", Version, GitSHA, p.name)

	stageDir := cfg.Source.StageDir
	if stageDir == "" {
		stageDir = filepath.Join(s.Dir(), "stage")
	}
	src, err := source.New(ctx, source.Config{
		URL:      input,
		Prefix:   cfg.Source.Prefix,
		StageDir: stageDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	defer src.Close()

	p.declare(s, source.Shards(ctx, src))

	if s.DryRun() {
		return s.Execute(ctx)
	}

	cat, err := catalog.NewWriter(catalog.Config{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()

	var (
		pub      *storage.Publisher
		schedPub schedule.Publisher
	)
	if cfg.Storage.Backend != "" {
		store, err := storage.NewArtifactStore(storage.Config{
			Backend:    cfg.Storage.Backend,
			LocalDir:   cfg.Storage.LocalDir,
			Bucket:     cfg.Storage.Bucket,
			S3Endpoint: cfg.Storage.S3Endpoint,
			S3Region:   cfg.Storage.S3Region,
			Prefix:     cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer store.Close()
		pub = storage.NewPublisher(store, cfg.Storage.Prefix, storage.ProducerInfo{
			Name:    "sortflow",
			Version: Version,
			GitSHA:  GitSHA,
		})
		schedPub = pub
	}
	s.Attach(cat, schedPub)

	if err := cat.StartRun(ctx, s.RunID()); err != nil {
		metrics.Get().IncCatalogErrors()
		log.Printf("[main] catalog: %v", err)
	}

	runErr := s.Execute(ctx)

	// record the outcome even when the run was interrupted
	finishCtx := context.WithoutCancel(ctx)
	if pub != nil {
		if err := pub.WriteManifest(finishCtx, s.RunID()); err != nil {
			log.Printf("[main] failed to write manifest: %v", err)
		}
	}
	if err := cat.FinishRun(finishCtx, s.RunID(), runErr); err != nil {
		metrics.Get().IncCatalogErrors()
		log.Printf("[main] catalog: %v", err)
	}

	if runErr == nil {
		log.Printf("[main] run %s finished cleanly", s.RunID())
	}
	return runErr
}

func dumpCommand() *cobra.Command {
	var (
		format string
		limit  int64
	)
	cmd := &cobra.Command{
		Use:   "dump FILE...",
		Short: "Print the records of output files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := record.ParseFormat(format)
			if err != nil {
				return err
			}
			for _, name := range args {
				if err := stream.Dump(os.Stdout, name, f, stream.DefaultDump, limit); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "prefix", "record format: line, prefix, fixed:N or delim:C")
	cmd.Flags().Int64Var(&limit, "limit", 0, "print at most this many records per file (0 prints all)")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sortflow %s (%s)\n", Version, GitSHA)
		},
	}
}
