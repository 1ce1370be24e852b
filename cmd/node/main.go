// Command node runs a simulated validator network through a protocol
// upgrade that reshards the state, optionally serving the query API
// for the first node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/sharding-experiment/resharding/config"
	"github.com/sharding-experiment/resharding/internal/chain"
	"github.com/sharding-experiment/resharding/internal/layout"
	"github.com/sharding-experiment/resharding/internal/simulator"
)

func main() {
	configPath := flag.String("config", "", "Path to config.json (empty = built-in defaults)")
	heights := flag.Uint64("heights", 30, "Number of block heights to produce")
	upgradeHeight := flag.Uint64("upgrade-height", 0, "Height from which blocks advertise the new protocol version (0 = second epoch boundary)")
	seed := flag.Int64("seed", 42, "Simulation RNG seed")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}

	// Environment overrides for container deployments.
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if v := os.Getenv("NUM_VALIDATORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumValidators = n
		}
	}

	if *upgradeHeight == 0 {
		*upgradeHeight = 2 * cfg.EpochLength
	}

	env, err := buildEnv(log, cfg, *upgradeHeight, *seed)
	if err != nil {
		log.Fatal().Err(err).Msg("build simulation")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HTTPAddr != "" {
		srv := chain.NewServer(log, env.Client(0), cfg.HTTPAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("http server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("http shutdown")
			}
		}()
	}

	log.Info().
		Int("validators", cfg.NumValidators).
		Uint64("epoch_length", cfg.EpochLength).
		Uint64("upgrade_height", *upgradeHeight).
		Msg("starting simulation")

	for env.Height() < *heights {
		if ctx.Err() != nil {
			log.Info().Uint64("height", env.Height()).Msg("interrupted")
			return
		}
		if env.Height()%3 == 0 {
			env.SubmitTransfer("alice", "zed", 10)
		}
		if err := env.Step(ctx); err != nil {
			log.Fatal().Err(err).Uint64("height", env.Height()).Msg("simulation failed")
		}
	}

	lay := env.Client(0).ActiveLayout(env.Height())
	log.Info().
		Uint64("height", env.Height()).
		Uint32("layout_version", uint32(lay.Version())).
		Uint64("shards", lay.NumShards()).
		Msg("simulation complete")
}

// buildEnv wires the simulator: a single-shard genesis layout, the
// post-upgrade layout from the configured boundary accounts, and a
// handful of funded test accounts.
func buildEnv(log zerolog.Logger, cfg *config.Config, upgradeHeight uint64, seed int64) (*simulator.Env, error) {
	old, err := layout.NewRanged(1, nil, nil)
	if err != nil {
		return nil, err
	}
	splitFrom := map[layout.ShardID][]layout.ShardID{0: {}}
	for i := 0; i <= len(cfg.BoundaryAccounts); i++ {
		splitFrom[0] = append(splitFrom[0], layout.ShardID(i))
	}
	next, err := layout.NewRanged(2, cfg.BoundaryAccounts, splitFrom)
	if err != nil {
		return nil, err
	}

	balances := map[string]*uint256.Int{
		"alice":  uint256.NewInt(1_000_000),
		"bob":    uint256.NewInt(1_000_000),
		"greg":   uint256.NewInt(1_000_000),
		"test0a": uint256.NewInt(1_000_000),
		"zed":    uint256.NewInt(1_000_000),
	}

	return simulator.New(log, simulator.Config{
		EpochLength:          cfg.EpochLength,
		GasLimit:             cfg.GasLimit,
		NumClients:           cfg.NumValidators,
		UpgradeVersion:       cfg.UpgradeProtocolVersion,
		UpgradeHeight:        upgradeHeight,
		CatchupProbability:   cfg.CatchupProbability,
		RedeliverProbability: 0.1,
		Seed:                 seed,
	}, old, next, balances)
}
