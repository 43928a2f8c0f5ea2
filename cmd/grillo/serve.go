package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/grillo/pkg/config"
	"github.com/go-go-golems/grillo/pkg/engine"
	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/metrics"
	"github.com/go-go-golems/grillo/pkg/orchestrator"
	"github.com/go-go-golems/grillo/pkg/persistence/audiostore"
	"github.com/go-go-golems/grillo/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grillo/pkg/redisstream"
	"github.com/go-go-golems/grillo/pkg/report"
	"github.com/go-go-golems/grillo/pkg/webinterview"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the interview HTTP API",
		Annotations: map[string]string{
			"server.addr":             "addr",
			"store.backend":           "store",
			"store.redis-addr":        "redis-addr",
			"store.sqlite-path":       "sqlite-path",
			"store.require-redis":     "require-redis",
			"engine.provider":         "engine",
			"events.redis-enabled":    "redis-events",
			"server.idle-ttl":         "idle-ttl",
			"server.report-grace-ttl": "report-grace-ttl",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			srv, err := buildServer(cmd.Context(), s)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	d := config.Defaults()
	cmd.Flags().String("addr", d.Server.Addr, "HTTP listen address")
	cmd.Flags().String("store", d.Store.Backend, "session backend: memory, redis or sqlite")
	cmd.Flags().String("redis-addr", d.Store.RedisAddr, "redis address for the redis session backend")
	cmd.Flags().Bool("require-redis", d.Store.RequireRedis, "fail instead of falling back to memory when redis is unreachable")
	cmd.Flags().String("sqlite-path", d.Store.SQLitePath, "database file for the sqlite session backend")
	cmd.Flags().String("engine", d.Engine.Provider, "reasoning engine: scripted, openai or groq")
	cmd.Flags().Bool("redis-events", d.Events.Enabled, "publish lifecycle events on Redis Streams")
	cmd.Flags().Duration("idle-ttl", d.Server.IdleTTL, "expire sessions idle for this long")
	cmd.Flags().Duration("report-grace-ttl", d.Server.ReportGraceTTL, "keep reported sessions for this long")
	return cmd
}

// buildServer wires the configured backends into an HTTP server.
func buildServer(ctx context.Context, s config.Settings) (*webinterview.Server, error) {
	storeOpts := []sessionstore.Option{
		sessionstore.WithIdleTTL(s.Server.IdleTTL),
		sessionstore.WithReportedTTL(s.Server.ReportGraceTTL),
		sessionstore.WithPrefix(s.Store.Prefix),
	}

	var (
		store   sessionstore.Store
		evicter webinterview.Evicter
		locker  sessionstore.Locker
		audio   audiostore.Store
		closers []webinterview.Closer
	)
	backend := s.Store.Backend
	var rdb *redis.Client
	if backend == "redis" {
		client, err := connectRedis(ctx, s.Store)
		switch {
		case err == nil:
			rdb = client
		case s.Store.RequireRedis:
			return nil, err
		default:
			// Sessions then live only as long as this process.
			log.Warn().Err(err).Str("redis_addr", s.Store.RedisAddr).
				Msg("redis unreachable, falling back to the in-memory session store")
			backend = "memory"
		}
	}
	switch backend {
	case "redis":
		rs, err := sessionstore.NewRedisStore(rdb, storeOpts...)
		if err != nil {
			return nil, err
		}
		store = rs
		locker = sessionstore.NewRedisLocker(rdb, s.Store.Prefix, s.Store.LockLease)
		audio = audiostore.NewRedis(rdb, s.Store.Prefix, s.Server.AudioTTL)
	case "sqlite":
		dsn, err := sessionstore.SQLiteDSNForFile(s.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		ss, err := sessionstore.NewSQLiteStore(dsn, storeOpts...)
		if err != nil {
			return nil, err
		}
		store, evicter = ss, ss
	default:
		ms := sessionstore.NewInMemoryStore(storeOpts...)
		store, evicter = ms, ms
	}
	if locker == nil {
		locker = sessionstore.NewMemoryLocker()
	}
	if audio == nil {
		audio = audiostore.NewMemory(s.Server.AudioTTL)
	}

	m := metrics.New()
	svcOpts := []webinterview.ServiceOption{webinterview.WithMetrics(m)}

	var reasoner engine.Reasoner
	switch s.Engine.Provider {
	case "openai", "groq":
		oe, err := engine.NewOpenAIEngine(s.Engine.OpenAIConfig())
		if err != nil {
			return nil, err
		}
		reasoner = oe
		svcOpts = append(svcOpts, webinterview.WithTranscriber(oe))
		if s.Engine.SpeechEnabled() {
			svcOpts = append(svcOpts, webinterview.WithSpeaker(oe, audio))
		}
	default:
		log.Warn().Msg("using the scripted interviewer; voice answers need an openai or groq engine for transcription")
		reasoner = engine.NewScripted()
	}

	tr, err := redisstream.BuildTransport(s.Events)
	if err != nil {
		return nil, errors.Wrap(err, "build event transport")
	}
	bus := events.NewBus(tr)
	svcOpts = append(svcOpts, webinterview.WithEvents(bus, bus))
	closers = append(closers, bus, store)

	svc, err := webinterview.NewService(store, locker,
		orchestrator.New(reasoner, orchestrator.WithPolicy(s.Policy.ToPolicy())),
		report.New(reasoner),
		svcOpts...)
	if err != nil {
		return nil, err
	}

	handler := webinterview.NewHandler(svc, webinterview.HandlerOptions{
		Logger:         log.Logger.With().Str("component", "http").Logger(),
		MetricsHandler: m.Handler(),
	})

	log.Info().
		Str("addr", s.Server.Addr).
		Str("store", backend).
		Str("engine", s.Engine.Provider).
		Bool("redis_events", s.Events.Enabled).
		Msg("interview server configured")

	opts := []webinterview.ServerOption{webinterview.WithClosers(closers...)}
	if evicter != nil {
		opts = append(opts, webinterview.WithEviction(evicter, s.Server.EvictionInterval))
	}
	return webinterview.NewServer(s.Server.Addr, handler, opts...), nil
}

func connectRedis(ctx context.Context, st config.StoreSettings) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: st.RedisAddr, Password: st.RedisPassword, DB: st.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", st.RedisAddr)
	}
	return client, nil
}
