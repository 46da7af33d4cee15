package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/acquire"
	"github.com/sells-group/consensus-cli/internal/cache"
	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/consensus"
	"github.com/sells-group/consensus-cli/internal/delta"
	"github.com/sells-group/consensus-cli/internal/governor"
	"github.com/sells-group/consensus-cli/internal/housekeeping"
	"github.com/sells-group/consensus-cli/internal/industry"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/pipeline"
	"github.com/sells-group/consensus-cli/internal/source"
	"github.com/sells-group/consensus-cli/internal/store"
	"github.com/sells-group/consensus-cli/internal/validate"
)

// appEnv holds every component the commands share.
type appEnv struct {
	Store        store.Store // nil with the memory driver
	Redis        *redis.Client
	Registry     *source.Registry
	Governor     *governor.Governor
	Ledger       *ledger.Ledger
	Resolver     *industry.Resolver
	Builder      *consensus.Builder
	Cache        *cache.Manager
	Deltas       *delta.Tracker
	Pipeline     *pipeline.Pipeline
	Housekeeping *housekeeping.Runner
	// WindowHours is the default stats window.
	WindowHours int
}

// Close releases the store and Redis connections.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv builds the environment from the loaded configuration. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	return newEnv(ctx, cfg)
}

func newEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	metrics.Register()
	log := zap.L().With(zap.String("component", "env"))

	env := &appEnv{WindowHours: c.Ledger.WindowHours}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env.Store = st
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			return nil, eris.Wrap(err, "migrate store")
		}
	} else {
		log.Info("no persistent store configured, running in memory")
	}

	if c.Redis.Addr != "" {
		env.Redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := env.Redis.Ping(ctx).Err(); err != nil {
			return nil, eris.Wrapf(err, "redis ping %s", c.Redis.Addr)
		}
	}

	reg, err := source.Build(c)
	if err != nil {
		return nil, err
	}
	env.Registry = reg
	if st != nil {
		states, err := st.LoadSourceStates(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "load source states")
		}
		reg.Restore(states)
	}
	for _, d := range reg.List() {
		metrics.SourceEnabled.WithLabelValues(d.Name).Set(gauge(d.Active()))
	}
	reg.OnChange(func(s source.State) {
		metrics.SourceEnabled.WithLabelValues(s.Name).Set(gauge(s.Enabled && !s.AutoDisabled))
		if st == nil {
			return
		}
		if err := st.SaveSourceStates(context.Background(), []source.State{s}); err != nil {
			log.Warn("persist source state failed", zap.String("source", s.Name), zap.Error(err))
		}
	})

	var govOpts []governor.Option
	if env.Redis != nil {
		govOpts = append(govOpts, governor.WithCounter(governor.NewRedisCounter(env.Redis, c.Redis.KeyPrefix)))
	}
	env.Governor = governor.New(govOpts...)
	env.Governor.RegisterDescriptors(reg.List())

	var ledOpts []ledger.Option
	if st != nil {
		ledOpts = append(ledOpts, ledger.WithSink(st))
	}
	env.Ledger = ledger.New(ledger.ConfigFrom(c.Ledger), reg, ledOpts...)
	if st != nil {
		if err := env.Ledger.Warm(ctx, st); err != nil {
			log.Warn("ledger warm-up failed, starting empty", zap.Error(err))
		}
	}

	env.Resolver, err = industry.New(c.Industry)
	if err != nil {
		return nil, err
	}

	validator := validate.New(validate.ConfigFrom(c.Validation))
	env.Builder = consensus.NewBuilder(consensus.ConfigFrom(c.Consensus, c.Cache), env.Ledger, validator)

	env.Cache = cache.New(cacheBackend(env.Redis, c.Redis.KeyPrefix, st), c.Cache.TTL())

	var deltaOpts []delta.Option
	if st != nil {
		deltaOpts = append(deltaOpts, delta.WithSink(st))
	}
	env.Deltas = delta.New(delta.ConfigFrom(c.Delta), env.Cache, deltaOpts...)

	deps := pipeline.Deps{
		Acquirer:   acquire.New(reg, env.Governor, env.Ledger, acquire.WithTimeout(c.Acquire.FetchTimeout())),
		Builder:    env.Builder,
		Cache:      env.Cache,
		Deltas:     env.Deltas,
		Classifier: env.Resolver,
		Validator:  validator,
		Tuner:      env.Ledger,
	}
	if st != nil {
		deps.History = st
	}
	env.Pipeline = pipeline.New(deps,
		pipeline.WithDefaultPeriod(c.Consensus.DefaultPeriod),
		pipeline.WithHistoryDepth(c.Validation.HistoryDepth),
	)

	var hkOpts []housekeeping.Option
	if st != nil {
		hkOpts = append(hkOpts, housekeeping.WithRetention(st))
	}
	if c.Housekeeping.AlertWebhookURL != "" {
		hkOpts = append(hkOpts, housekeeping.WithAlerter(housekeeping.NewAlerter(c.Housekeeping.AlertWebhookURL)))
	}
	env.Housekeeping = housekeeping.New(housekeeping.ConfigFrom(c.Housekeeping), env.Ledger, env.Cache, hkOpts...)

	log.Info("environment ready",
		zap.String("store", c.Store.Driver),
		zap.Bool("redis", env.Redis != nil),
		zap.Int("sources", len(reg.List())),
	)
	ok = true
	return env, nil
}

// cacheBackend stacks memory over Redis over the store, skipping the tiers
// that are not configured. The store, when present, is always the last tier
// so consensus_records and consensus_history are written on every Put.
func cacheBackend(rdb *redis.Client, prefix string, st store.Store) cache.Backend {
	var backend cache.Backend
	if st != nil {
		backend = cache.NewStoreBackend(st)
	}
	if rdb != nil {
		rb := cache.NewRedisBackend(rdb, prefix, 0)
		if backend == nil {
			backend = rb
		} else {
			backend = cache.NewTiered(rb, backend)
		}
	}
	if backend == nil {
		return cache.NewMemoryBackend()
	}
	return cache.NewTiered(cache.NewMemoryBackend(), backend)
}

func gauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
