package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anvilworks/anvil/pkg/config"
	"github.com/anvilworks/anvil/pkg/coordinator"
	"github.com/anvilworks/anvil/pkg/eventstore"
	"github.com/anvilworks/anvil/pkg/integrity"
	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/metrics"
	"github.com/anvilworks/anvil/pkg/retry"
	"github.com/anvilworks/anvil/pkg/saga"
	"github.com/anvilworks/anvil/pkg/sandbox"
	"github.com/anvilworks/anvil/pkg/server"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/anvilworks/anvil/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - durable tool-serving runtime",
	Long: `Anvil is a tool-serving runtime for developer assistants: it accepts
line-delimited JSON-RPC requests on stdio, dispatches each tool call to
an isolated worker process, and records every state transition in a
tamper-evident append-only event log so in-flight workflows survive
crashes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Anvil version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(sealCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Anvil server on stdio",
	Long: `Serve reads JSON-RPC requests from stdin and writes responses to
stdout, one object per line. Workers declared in the configuration are
spawned as child processes; logs go to stderr.

Exits 0 on graceful shutdown and 1 on a startup failure, including a
failed integrity check in strict mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process on stdio",
	Long: `Worker speaks the coordinator's line-delimited JSON protocol on
stdio: it registers the built-in tool set (echo, hash.sha256, parse,
sleep, js.eval), executes one task at a time, and answers pings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		poolSize, _ := cmd.Flags().GetInt("sandbox-pool")
		memoryMB, _ := cmd.Flags().GetInt("sandbox-memory-mb")
		timeoutMS, _ := cmd.Flags().GetInt64("sandbox-timeout-ms")
		maxSteps, _ := cmd.Flags().GetInt64("sandbox-max-steps")

		pool := sandbox.NewPool(poolSize, sandbox.Limits{
			MemoryLimitMB: memoryMB,
			TimeoutMS:     timeoutMS,
			MaxSteps:      maxSteps,
		})
		defer pool.Close()

		rt := worker.New(worker.Options{Languages: []string{"javascript"}})
		if err := worker.RegisterBuiltins(rt, pool); err != nil {
			return err
		}
		return rt.RunStdio(cmd.Context())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity chain of an event database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		store, err := eventstore.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := integrity.NewChain(store).Verify()
		if err != nil {
			return err
		}
		if !result.Valid {
			fmt.Printf("INVALID: block %s: %s\n", result.FailedBlockID, result.Reason)
			os.Exit(1)
		}
		fmt.Printf("OK: %d blocks verified\n", result.BlocksChecked)
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal unsealed events into a new integrity block",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch-size")
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		store, err := eventstore.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		chain := integrity.NewChain(store)
		sealed := 0
		for {
			block, err := chain.Seal(batch)
			if err != nil {
				return err
			}
			if block == nil {
				break
			}
			sealed++
			fmt.Printf("sealed block %s (%d events)\n", block.ID, block.EventCount)
		}
		if sealed == 0 {
			fmt.Println("nothing to seal")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Config file path (YAML)")

	workerCmd.Flags().Int("sandbox-pool", 4, "Sandbox pool size")
	workerCmd.Flags().Int("sandbox-memory-mb", 64, "Sandbox memory limit (MB)")
	workerCmd.Flags().Int64("sandbox-timeout-ms", 5000, "Sandbox wall-clock timeout (ms)")
	workerCmd.Flags().Int64("sandbox-max-steps", 1_000_000, "Sandbox step limit")

	sealCmd.Flags().Int("batch-size", integrity.DefaultBatchSize, "Events per block")
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("serve")

	store, err := eventstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	chain := integrity.NewChain(store)
	verification, err := chain.Verify()
	if err != nil {
		return fmt.Errorf("verify integrity chain: %w", err)
	}
	if !verification.Valid {
		if cfg.StrictIntegrity {
			return fmt.Errorf("integrity chain broken at block %s: %s", verification.FailedBlockID, verification.Reason)
		}
		logger.Error().
			Str("block_id", verification.FailedBlockID).
			Str("reason", verification.Reason).
			Msg("Integrity chain verification failed; continuing without strict mode")
	} else {
		logger.Info().Int("blocks", verification.BlocksChecked).Msg("Integrity chain verified")
	}

	dlq, err := retry.NewDLQ(store)
	if err != nil {
		return err
	}

	engine := saga.NewEngine(store)
	if _, err := engine.ResumeIncomplete(ctx); err != nil {
		logger.Error().Err(err).Msg("Saga resume scan failed")
	}

	pool := coordinator.New(coordinator.Config{
		MaxQueueSize: cfg.MaxQueueSize,
		MaxLineBytes: cfg.MaxLineBytes,
	})
	pool.Start()
	defer pool.Shutdown()

	for _, spec := range cfg.Workers {
		replicas := spec.Replicas
		if replicas <= 0 {
			replicas = 1
		}
		for i := 0; i < replicas; i++ {
			id, err := pool.SpawnWorker(spec.Command, spec.Args)
			if err != nil {
				return fmt.Errorf("spawn worker %s: %w", spec.Command, err)
			}
			logger.Info().Str("worker_id", id).Str("command", spec.Command).Msg("Worker spawned")
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics listening")
	}

	gate, err := server.NewGate(server.GateConfig{
		Allowlist:       cfg.ToolAllowlist,
		Denylist:        cfg.ToolDenylist,
		GlobalPerMinute: cfg.RateLimitPerMin,
		PerToolPerMin:   cfg.ToolRateLimits,
	})
	if err != nil {
		return err
	}

	srv := server.New(pool, server.Options{
		Info:         server.Info{Name: "anvil", Version: Version},
		Gate:         gate,
		MaxLineBytes: cfg.MaxLineBytes,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
		// Unblock the stdin read by closing it at the OS level.
		os.Stdin.Close()
	}()

	runtimeEntity := types.NewEntityID(types.KindWorkspace)
	bootPayload, _ := json.Marshal(map[string]string{"version": Version, "db": cfg.DBPath})
	if _, err := store.Append(runtimeEntity, "server.started", bootPayload); err != nil {
		return fmt.Errorf("record boot: %w", err)
	}

	logger.Info().Str("db", cfg.DBPath).Msg("Anvil serving on stdio")
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	if _, err := store.Append(runtimeEntity, "server.stopped", nil); err != nil {
		logger.Error().Err(err).Msg("Failed to record shutdown")
	}

	// Seal whatever this run appended before closing down; a flaky
	// disk gets a few attempts and then a dead-letter record.
	sealErr := dlq.Run(ctx, runtimeEntity, "integrity.seal", nil, func() error {
		_, err := chain.Seal(0)
		return err
	}, retry.DefaultConfig())
	if sealErr != nil {
		logger.Error().Err(sealErr).Msg("Final seal failed")
	}
	stats, err := store.Stats()
	if err == nil {
		logger.Info().Interface("stats", stats).Msg("Event store at shutdown")
	}

	// Watchdog for the deferred pool and store teardown; the process
	// exits normally before it fires.
	time.AfterFunc(30*time.Second, func() {
		logger.Error().Msg("Forced exit: shutdown deadline reached")
		os.Exit(1)
	})
	return nil
}
