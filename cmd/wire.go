package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/example/tatkal-scheduler/internal/cache"
	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/config"
	"github.com/example/tatkal-scheduler/internal/crypto"
	"github.com/example/tatkal-scheduler/internal/db"
	"github.com/example/tatkal-scheduler/internal/kafka"
	"github.com/example/tatkal-scheduler/internal/migrate"
	"github.com/example/tatkal-scheduler/internal/notify"
	"github.com/example/tatkal-scheduler/internal/store"
)

// backend is an opened store plus its /healthz check.
type backend struct {
	store.Backend
	health healthCheck
}

func openBackend(ctx context.Context, cfg config.Config, c clock.Clock, migrateUp bool) (*backend, error) {
	key, err := cfg.PaymentSealKey()
	if err != nil {
		return nil, err
	}
	var sealer store.Sealer
	if key != nil {
		a, err := crypto.New(key)
		if err != nil {
			return nil, fmt.Errorf("payment key: %w", err)
		}
		sealer = a
	}

	switch cfg.StoreDriver {
	case "postgres":
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if migrateUp {
			if err := migrate.Up(ctx, d); err != nil {
				d.Close()
				return nil, err
			}
		}
		pg := store.NewPostgres(d, c)
		if sealer != nil {
			pg.WithSealer(sealer)
		}
		return &backend{Backend: pg, health: d.Ping}, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath, c)
		if err != nil {
			return nil, err
		}
		if sealer != nil {
			s.WithSealer(sealer)
		}
		return &backend{Backend: s}, nil
	case "memory":
		log.Printf("store: using in-memory store, intents will not survive a restart")
		return &backend{Backend: store.NewMemory(c)}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// healthCheck reports whether a dependency is reachable.
type healthCheck func(ctx context.Context) error

// allHealthy runs checks in order and returns the first failure. Nil checks
// are skipped.
func allHealthy(checks ...healthCheck) healthCheck {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// outcomes builds the notifier: Kafka when brokers are configured, else the
// log, deduplicated through Redis when it is configured. The returned check
// pings whichever of the two is in use.
func outcomes(cfg config.Config) (*notify.Notifier, healthCheck, func()) {
	var (
		transport notify.Transport = notify.LogTransport{}
		dedupe    notify.Deduper
		checks    []healthCheck
		closers   []func() error
	)
	if len(cfg.Kafka.Brokers) > 0 {
		p := kafka.NewProducer(cfg.Kafka.Brokers)
		transport = kafka.NewOutcomeTransport(p, cfg.Kafka.OutcomesTopic)
		checks = append(checks, p.CheckConnection)
		closers = append(closers, p.Close)
	}
	if cfg.Redis.Addr != "" {
		r := cache.NewRedisDeduper(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cache.DefaultDedupeTTL)
		dedupe = r
		checks = append(checks, r.Ping)
		closers = append(closers, r.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("notify: close: %v", err)
			}
		}
	}
	return notify.New(transport, dedupe), allHealthy(checks...), closeAll
}
