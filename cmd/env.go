package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/windworldwire/newsbot/internal/fetcher"
	"github.com/windworldwire/newsbot/internal/resilience"
	"github.com/windworldwire/newsbot/internal/store"
	"github.com/windworldwire/newsbot/internal/topic"
	"github.com/windworldwire/newsbot/internal/trender"
)

// env bundles the collaborators every pipeline command needs.
type env struct {
	Store    store.Store
	Pipeline *trender.Pipeline
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv opens the store, builds the fetcher from config and loads the
// topic definitions. A missing topics file is not fatal; the pipeline
// runs with global selection only.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	f := fetcher.New(fetcher.Options{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.Fetch.Timeout(),
		Retry: resilience.FromRetryConfig(
			cfg.Fetch.MaxRetries, cfg.Fetch.InitialBackoffMs, cfg.Fetch.MaxBackoffMs,
			cfg.Fetch.BackoffMult, cfg.Fetch.JitterFraction),
		Breaker: resilience.FromCircuitConfig(
			cfg.Fetch.BreakerThreshold, cfg.Fetch.BreakerResetSecs),
		PerHostRate:  rate.Limit(cfg.Fetch.PerHostRate),
		PerHostBurst: cfg.Fetch.PerHostBurst,
	})

	var topics []topic.Topic
	if _, statErr := os.Stat(cfg.Topics.Path); statErr == nil {
		topics, err = topic.Load(cfg.Topics.Path)
		if err != nil {
			st.Close()
			return nil, eris.Wrap(err, "load topics")
		}
		zap.L().Info("topics loaded",
			zap.String("path", cfg.Topics.Path),
			zap.Int("count", len(topics)))
	} else {
		zap.L().Warn("topics file not found, running without topics",
			zap.String("path", cfg.Topics.Path))
	}

	return &env{
		Store:    st,
		Pipeline: trender.New(cfg, st, f, topics),
	}, nil
}
