package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pigeon/config"
	"pigeon/crypto"
	"pigeon/logging"
	"pigeon/orchestrator"
	"pigeon/relay"
	"pigeon/replog"
	"pigeon/storage"
)

var (
	_ orchestrator.Log    = (*replog.Client)(nil)
	_ orchestrator.Relay  = (*relay.Client)(nil)
	_ orchestrator.Crypto = (*crypto.Service)(nil)
)

// app holds everything one CLI invocation wires together.
type app struct {
	cfg      *config.Config
	cfgPath  string
	logger   *zap.Logger
	identity *crypto.Identity
	store    *storage.Store
	relay    *relay.Client
	log      *replog.Client
	orch     *orchestrator.Orchestrator
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		if err := config.EnsureDataDirectories(cfg.DataDir); err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	return config.LoadOrCreate()
}

// newApp loads configuration, the identity and the store. Network clients are
// built but not connected.
func newApp(opts *rootOptions) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Handle != "" {
		cfg.Handle = opts.Handle
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	identity, err := crypto.EnsureIdentity(config.KeysDir(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("prepare identity: %w", err)
	}
	resolver, err := cfg.MetadataResolver()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		identity: identity,
		store: storage.New(storage.Options{
			DataDir:  cfg.DataDir,
			Logger:   logger,
			Resolver: resolver,
		}),
		relay: relay.New(relay.Options{
			URL:           cfg.Relay.URL,
			SubjectPrefix: cfg.Relay.SubjectPrefix,
			Token:         cfg.Relay.Token,
			ReconnectWait: cfg.Relay.ReconnectWait,
			MaxReconnects: cfg.Relay.MaxReconnects,
			Logger:        logger,
		}),
	}

	var logClient orchestrator.Log
	if cfg.Replog.WorkerPath != "" {
		a.log = replog.New(replog.Options{
			Dial: replog.NewWorkerDialer(replog.WorkerConfig{
				Path:   cfg.Replog.WorkerPath,
				Args:   cfg.Replog.WorkerArgs,
				Logger: logger,
			}),
			Logger:         logger,
			CommandTimeout: cfg.Replog.CommandTimeout,
		})
		logClient = a.log
	} else {
		logger.Info("no log worker configured, running relay-only")
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:            a.store,
		Log:              logClient,
		Relay:            a.relay,
		Crypto:           crypto.NewService(identity),
		Logger:           logger,
		RelayAuthTimeout: cfg.Relay.AuthTimeout,
		SyncInterval:     cfg.Replog.SyncInterval,
		Debounce:         cfg.Sync.Debounce,
		Resolver:         resolver,
		TypingRate:       rate.Limit(cfg.Typing.Rate),
		TypingBurst:      cfg.Typing.Burst,
	})
	if err != nil {
		return nil, err
	}
	a.orch = orch
	return a, nil
}

func (a *app) handle() (string, error) {
	handle := strings.TrimSpace(a.cfg.Handle)
	if handle == "" {
		return "", fmt.Errorf("no handle configured: pass --handle or set handle in %s", a.cfgPath)
	}
	return handle, nil
}

// start opens a full session for the configured handle.
func (a *app) start(ctx context.Context) error {
	handle, err := a.handle()
	if err != nil {
		return err
	}
	return a.orch.StartSession(ctx, handle)
}

func (a *app) close() {
	a.orch.EndSession()
	a.store.Close()
	_ = a.logger.Sync()
}
