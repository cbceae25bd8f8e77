// mention-worker is a singleton batch job: one invocation performs one pass
// of the mention ingestion and alert delivery pipeline, then exits. It reads
// its configuration from the environment and takes no flags.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/signalze/mention-worker/internal/config"
	"github.com/signalze/mention-worker/internal/store"
	"github.com/signalze/mention-worker/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Str("event", "worker_failed").Err(err).Msg("invalid configuration")
		return 1
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error().Str("event", "worker_failed").Err(err).Msg("could not connect to database")
		return 1
	}
	defer st.Close()

	return worker.New(cfg, st, logger).RunOnce(ctx)
}
