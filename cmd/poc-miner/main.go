// PoC Miner - proof-of-capacity plot miner for Burst style pools
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/tos-network/poc-miner/internal/api"
	"github.com/tos-network/poc-miner/internal/config"
	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/hash"
	"github.com/tos-network/poc-miner/internal/miner"
	"github.com/tos-network/poc-miner/internal/newrelic"
	"github.com/tos-network/poc-miner/internal/notify"
	"github.com/tos-network/poc-miner/internal/plot"
	"github.com/tos-network/poc-miner/internal/profiling"
	"github.com/tos-network/poc-miner/internal/round"
	"github.com/tos-network/poc-miner/internal/rpc"
	"github.com/tos-network/poc-miner/internal/storage"
	"github.com/tos-network/poc-miner/internal/submit"
	"github.com/tos-network/poc-miner/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PoC Miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("PoC Miner v%s starting", version)

	fs := afero.NewOsFs()

	engine, err := hash.NewEngine(cfg.Plots.HashEngine)
	if err != nil {
		util.Fatalf("Invalid hash engine: %v", err)
	}

	pool := rpc.NewPoolClient(cfg.Pool.URL, cfg.MiningInfoURL(), cfg.Pool.Passphrase, cfg.Pool.Timeout)

	walletURL := cfg.Pool.WalletURL
	if walletURL == "" {
		walletURL = cfg.Pool.URL
	}
	wallet := rpc.NewWalletClient(walletURL, cfg.Pool.Timeout)

	// Optional Redis persistence
	var redis *storage.RedisClient
	var accountCache round.AccountCache
	if cfg.Redis.Enabled {
		redis, err = storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			util.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		redis.SetAccountTTL(cfg.Accounts.CacheTTL)
		accountCache = redis
	}

	bus := events.NewBus()
	accounts := round.NewAccounts(wallet, accountCache, cfg.Accounts.Persistent)
	state := round.NewState(accounts, bus, cfg.Mining.LogNonceFound)

	var auditor submit.Auditor
	if cfg.Mining.ConfirmedDeadlinesLog != "" {
		audit, err := storage.OpenAuditLog(fs, cfg.Mining.ConfirmedDeadlinesLog)
		if err != nil {
			util.Fatalf("Failed to open confirmed deadlines log: %v", err)
		}
		defer audit.Close()
		auditor = audit
	}

	submitter := submit.NewSubmitter(submit.Options{
		TargetDeadline:     cfg.Mining.TargetDeadlineSeconds,
		SubmissionMaxRetry: cfg.Mining.SubmissionMaxRetry,
		SendMaxRetry:       cfg.Mining.SendMaxRetry,
		ReceiveMaxRetry:    cfg.Mining.ReceiveMaxRetry,
		SendTimeout:        cfg.Mining.SendTimeout,
		ReceiveTimeout:     cfg.Mining.ReceiveTimeout,
		RetryDelay:         cfg.Mining.RetryDelay,
		MaxThreads:         cfg.Mining.MaxSubmitThreads,
	}, state, submit.PoolSender(pool), auditor, bus)

	m := miner.New(cfg, miner.Deps{
		Fs:        fs,
		Pool:      pool,
		Wallet:    wallet,
		State:     state,
		Submitter: submitter,
		Engine:    engine,
		Bus:       bus,
	})

	// New Relic APM
	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}

	reporterOpts := miner.ReporterOptions{
		HistorySize:   int64(cfg.Redis.HistorySize),
		ConfirmedKeep: int64(cfg.Redis.ConfirmedKeep),
		PlotBytes: func() int64 {
			if idx := m.Plots(); idx != nil {
				return idx.TotalSize()
			}
			return 0
		},
	}
	if redis != nil {
		reporterOpts.Recorder = redis
	}
	notifier := notify.NewNotifier(&cfg.Notify)
	if notifier.Enabled() {
		reporterOpts.Notifier = notifier
	}
	if agent.IsEnabled() {
		reporterOpts.Telemetry = agent
	}
	reporter := miner.NewReporter(reporterOpts, state, bus)
	reporter.Start()

	// Profiling server
	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	// Status API
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(&cfg.API, state, bus)
		if redis != nil {
			apiServer.SetStore(redis)
		}
		apiServer.SetPlotsFunc(func() *plot.Index { return m.Plots() })
		apiServer.SetStatusFunc(func() api.MinerStatus {
			st := m.Status()
			sub := submitter.Stats()
			return api.MinerStatus{
				PoolHealthy:    st.PoolHealthy && pool.IsHealthy(),
				Scanning:       st.Scanning,
				ScanPercent:    st.ScanPercent,
				BufferInUse:    st.BufferInUse,
				BufferCapacity: st.BufferCapacity,
				SubmitActive:   int64(sub.Active),
				SubmitShed:     sub.Shed,
				VerifierDrops:  uint64(st.Verifier.Dropped),
			}
		})
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	if err := m.Start(); err != nil {
		util.Fatalf("Failed to start miner: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Miner started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	m.Stop()
	submitter.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	reporter.Stop()
	notifier.Wait()
	profiler.Stop()
	agent.Stop()

	util.Info("Miner stopped")
}
