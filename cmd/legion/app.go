package main

import (
	"context"
	"errors"
	"fmt"

	"legion/internal/config"
	"legion/internal/logging"
	"legion/internal/mcp"
	"legion/internal/orchestrator"
	"legion/internal/perception"
	"legion/internal/quota"
	"legion/internal/scheduler"
	"legion/internal/store"
	"legion/internal/turn"
	"legion/internal/types"
	"legion/internal/usage"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// app holds the wired components for one CLI invocation. Read-only
// commands use openReader; commands that write use openStore, which also
// claims the data directory; conversational commands use openRuntime, which
// adds the model client, tool bridge, orchestrator and background jobs.
type app struct {
	cfg  *config.Config
	lock *store.DirLock
	kv   *store.SQLiteKV
	repo *store.Repository

	ledger  *quota.Ledger
	alloc   *quota.Allocator
	tools   *mcp.Manager
	tracker *usage.Tracker
	engine  *turn.Engine
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler

	flusher *quota.Flusher
	watcher *config.Watcher
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Logging.Options()); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	}
	return cfg, nil
}

// openReader opens the database without claiming the data directory.
// Callers must not write.
func openReader(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openDatabase(cfg, nil)
}

// openStore claims the data directory and opens the database. Only one
// process may write at a time: message logs, channel records and the quota
// ledger are read-modify-write.
func openStore(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lock, err := store.LockDataDir(ctx, cfg.DataDir)
	if errors.Is(err, store.ErrDataDirBusy) {
		return nil, fmt.Errorf("%w (%s); stop the other legion command first", err, cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}
	return openDatabase(cfg, lock)
}

func openDatabase(cfg *config.Config, lock *store.DirLock) (*app, error) {
	kv, err := store.OpenSQLiteKV(cfg.DatabaseFile())
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	logger.Debug("Opened database", zap.String("path", kv.Path()), zap.Bool("writer", lock != nil))
	return &app{cfg: cfg, lock: lock, kv: kv, repo: store.NewRepository(kv)}, nil
}

// openRuntime wires every component and starts the background jobs.
func openRuntime(ctx context.Context) (*app, error) {
	a, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	if err := a.ensureSystemLog(ctx); err != nil {
		return err
	}

	a.ledger = quota.NewLedger(cfg.Quotas)
	if err := a.ledger.Load(ctx, a.kv); err != nil {
		logger.Warn("Starting with empty quota ledger", zap.Error(err))
	}
	keys, err := a.allKeys(ctx, cfg)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		logger.Warn("No API keys configured; set GEMINI_API_KEY or add one with 'legion key add'")
	}
	a.alloc = quota.NewAllocator(a.ledger, keys)

	a.tracker, err = usage.NewTracker(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open usage tracker: %w", err)
	}

	a.tools = mcp.NewManager(cfg.MCPServers, a.kv)
	a.tools.SetOnServerStatus(func(id string, status mcp.ServerStatus) {
		logger.Debug("Tool server status", zap.String("server", id), zap.String("status", string(status)))
	})
	if err := a.tools.ConnectAll(ctx); err != nil {
		logger.Warn("Some tool servers are unavailable", zap.Error(err))
	}

	model := perception.NewGeminiClient(perception.GeminiConfig{
		Timeout:     cfg.GetLLMTimeout(),
		ChunkBuffer: cfg.Turn.ChunkBuffer,
	})

	a.engine = turn.NewEngine(turn.Config{
		MaxToolIterations: cfg.Turn.MaxToolIterations,
		ToolTimeout:       cfg.GetToolTimeout(),
		ShowToolMessages:  cfg.Turn.ShowToolMessages,
		Bands:             cfg.OpinionBands,
		CommanderName:     cfg.CommanderName,
	}, model, a.alloc, a.tools, a.tracker)

	a.orch = orchestrator.New(orchestrator.Config{
		HistoryWindow:      cfg.Turn.HistoryWindow,
		RegulatorWindow:    cfg.Turn.RegulatorWindow,
		BusyPolicy:         cfg.Turn.BusyPolicy,
		MaxConcurrentTurns: cfg.Turn.MaxConcurrentTurns,
		CommanderName:      cfg.CommanderName,
	}, a.repo, a.engine)

	a.sched = scheduler.New(a.orch, a.repo,
		scheduler.WithDefaultDelay(cfg.Autonomous.DefaultDelay),
		scheduler.WithCycleHook(func(channelID string, res *orchestrator.CycleResult, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Autonomous cycle failed", zap.String("channel", channelID), zap.Error(err))
				return
			}
			if res != nil {
				logger.Debug("Autonomous cycle",
					zap.String("channel", channelID),
					zap.Int("turns", len(res.Turns)),
					zap.Int("spoke", res.Spoke()))
			}
		}),
	)

	a.flusher = quota.NewFlusher(cfg.Persistence.FlushSchedule)
	a.flusher.Add("quota", func(ctx context.Context) error { return a.ledger.Save(ctx, a.kv) })
	a.flusher.Add("usage", a.tracker.Save)
	if err := a.flusher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start flusher: %w", err)
	}

	w, err := config.NewWatcher(configPath, a.reload)
	if err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
		w.Stop()
		return nil
	}
	a.watcher = w
	return nil
}

// reload applies the parts of a changed config that are safe to swap live:
// quota ceilings and the configured key set.
func (a *app) reload(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logger.Warn("Ignoring invalid config change", zap.Error(err))
		return
	}
	a.ledger.SetLimits(cfg.Quotas)
	keys, err := a.allKeys(context.Background(), cfg)
	if err != nil {
		logger.Warn("Failed to reload API keys", zap.Error(err))
		return
	}
	a.alloc.SetKeys(keys)
	logger.Info("Config reloaded", zap.Int("keys", len(keys)), zap.Int("quotas", len(cfg.Quotas)))
}

// allKeys merges config keys with stored keys. Config wins on ID clashes.
func (a *app) allKeys(ctx context.Context, cfg *config.Config) ([]types.ApiKey, error) {
	stored, err := a.repo.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load API keys: %w", err)
	}
	seen := make(map[string]bool, len(cfg.APIKeys))
	out := make([]types.ApiKey, 0, len(cfg.APIKeys)+len(stored))
	for _, k := range cfg.APIKeys {
		seen[k.ID] = true
		out = append(out, k)
	}
	for _, k := range stored {
		if !seen[k.ID] {
			out = append(out, k)
		}
	}
	return out, nil
}

// ensureSystemLog creates the system-log channel on first run.
func (a *app) ensureSystemLog(ctx context.Context) error {
	_, err := a.repo.SystemLogChannel(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	_, err = a.repo.CreateChannel(ctx, &types.Channel{Name: "system-log", Type: types.ChannelSystemLog})
	return err
}

// Close stops background work, flushes state and closes the database.
func (a *app) Close() error {
	var errs error
	if a.sched != nil {
		a.sched.Disable()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.flusher != nil {
		errs = multierr.Append(errs, a.flusher.Stop())
	}
	if a.tools != nil {
		errs = multierr.Append(errs, a.tools.Close())
	}
	if a.kv != nil {
		errs = multierr.Append(errs, a.kv.Close())
	}
	errs = multierr.Append(errs, a.lock.Release())
	logging.CloseAudit()
	logging.CloseAll()
	return errs
}
