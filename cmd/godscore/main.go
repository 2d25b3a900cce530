package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/foundersignal/godscore/internal/cache"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/metrics"
	"github.com/foundersignal/godscore/internal/persistence/postgres"
	"github.com/foundersignal/godscore/internal/readmodel"
	"github.com/foundersignal/godscore/internal/snapshot"
	"github.com/foundersignal/godscore/internal/verification"
)

const (
	appName = "godscore"
	version = "v0.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Evidence-weighted startup scoring engine",
		Version: version,
		Long: `godscore maintains two scores per startup subject: a fast Signal score
recomputed from evidence-weighted, freshness-decayed features, and a slow
Canonical score that moves only on verified events. Every recomputation
appends an immutable snapshot with a full delta decomposition.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to scoring config YAML")

	rootCmd.AddCommand(
		newMigrateCmd(ctx),
		newHealthCmd(ctx),
		newRecomputeCmd(ctx),
		newScoreCmd(ctx),
		newHistoryCmd(ctx),
		newActionCmd(ctx),
		newEvidenceCmd(ctx),
		newResolveCmd(ctx),
		newUpgradeCmd(ctx),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// app wires the engine stack for one command invocation.
type app struct {
	store     *postgres.Store
	orch      *verification.Orchestrator
	reads     *readmodel.Service
	snapshots *snapshot.Store
}

func buildApp(ctx context.Context) (*app, func(), error) {
	store, err := postgres.Open(ctx, postgres.DefaultConfig().FromEnv())
	if err != nil {
		return nil, nil, err
	}

	provider := engine.NewProvider(func() (engine.Config, error) {
		return engine.Load(configPath)
	})
	set := metrics.New(nil)

	snapshots := snapshot.NewStore(store, provider, snapshot.WithMetrics(set))
	orch := verification.New(store, snapshots, provider, verification.WithMetrics(set))
	reads := readmodel.New(store, cache.NewAuto())

	return &app{
		store:     store,
		orch:      orch,
		reads:     reads,
		snapshots: snapshots,
	}, func() { store.Close() }, nil
}
