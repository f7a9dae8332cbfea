package cmd

import (
	"context"
	"time"

	"github.com/theirongolddev/burnline/internal/learning"
	"github.com/theirongolddev/burnline/internal/mirror"
	"github.com/theirongolddev/burnline/internal/stats"
	"github.com/theirongolddev/burnline/internal/store"
	"github.com/theirongolddev/burnline/internal/syncer"

	"go.uber.org/zap"
)

// app wires the components one command needs. store is nil when the JSON
// backend is configured.
type app struct {
	store      *store.Store
	mirror     *mirror.File
	aggregator *stats.Aggregator
	engine     *learning.Engine
	resolver   learning.Resolver
	deviceID   string
}

func storeOptions() store.Options {
	return store.Options{
		BusyTimeout:      cfg.BusyTimeout(),
		MaxOpenConns:     cfg.Storage.MaxOpenConns,
		Location:         time.Local,
		LegacyMirrorPath: cfg.MirrorPath(),
		Logger:           logger,
	}
}

func openApp(ctx context.Context) (*app, error) {
	a := &app{resolver: learning.Resolver{Config: cfg.Context}}

	device, err := cfg.DeviceID()
	if err != nil {
		logger.Warn("device id unavailable", zap.Error(err))
	}
	a.deviceID = device

	mf := &mirror.File{Path: cfg.MirrorPath(), Logger: logger}

	opts := stats.Options{
		Location:      time.Local,
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Storage.RetryBackoffMs) * time.Millisecond,
		Logger:        logger,
	}

	if cfg.Storage.Backend == "json" {
		opts.Backend = stats.NewMirrorBackend(mf, nil)
		opts.StorePath = mf.Path
		a.mirror = mf
		a.aggregator = stats.New(opts)
		return a, nil
	}

	st, err := store.Open(ctx, cfg.StorePath(), storeOptions())
	if err != nil {
		return nil, err
	}
	a.store = st
	a.resolver.Learned = st

	opts.Backend = stats.StoreBackend{Store: st}
	opts.StorePath = st.Path()
	if cfg.Storage.MirrorEnabled {
		opts.Mirror = mf
		a.mirror = mf
	}
	if cfg.Context.LearningEnabled {
		a.engine = learning.NewEngine(st, learning.OptionsFromConfig(cfg.Context, logger))
		opts.Observer = a.engine
	}
	a.aggregator = stats.New(opts)
	return a, nil
}

// requireStore opens the app and fails when the SQLite store is not in use.
func requireStore(ctx context.Context) (*app, error) {
	a, err := openApp(ctx)
	if err != nil {
		return nil, err
	}
	if a.store == nil {
		a.Close()
		return nil, errJSONBackend
	}
	return a, nil
}

func (a *app) syncer(ctx context.Context) (*syncer.Syncer, func(), error) {
	if !cfg.Sync.Enabled {
		return nil, nil, errSyncDisabled
	}
	remote, err := syncer.NewRedisRemote(ctx, syncer.RedisConfig{
		Addr:     cfg.Sync.RedisAddr,
		Password: cfg.SyncPassword(),
		DB:       cfg.Sync.DB,
		Prefix:   cfg.Sync.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return syncer.New(a.store, remote, a.deviceID, logger), func() { _ = remote.Close() }, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}
