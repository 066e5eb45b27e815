package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-sortflow/internal/config"
	"github.com/withObsrvr/obsrvr-sortflow/internal/logging"
	"github.com/withObsrvr/obsrvr-sortflow/internal/metrics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := config.MustLoad(os.Getenv("SORTFLOW_CONFIG"))
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	metrics.Init("sortflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("[main] metrics listening on %s", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[main] metrics server stopped: %v", err)
			}
		}()
	}

	root := &cobra.Command{
		Use:           "sortflow",
		Short:         "Sort, reduce and partition record files with a resumable task graph",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		pipelineCommand(cfg, ratingsPipeline()),
		pipelineCommand(cfg, tokensPipeline()),
		dumpCommand(),
		versionCommand(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Printf("[main] shutdown complete")
			return
		}
		log.Fatalf("[main] %v", err)
	}
}
