package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/streamhib/internal/api"
	"github.com/p-blackswan/streamhib/internal/config"
	"github.com/p-blackswan/streamhib/internal/health"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/notify"
	"github.com/p-blackswan/streamhib/internal/reconciler"
	"github.com/p-blackswan/streamhib/internal/retry"
	"github.com/p-blackswan/streamhib/internal/scheduler"
	"github.com/p-blackswan/streamhib/internal/session"
	"github.com/p-blackswan/streamhib/internal/store"
	"github.com/p-blackswan/streamhib/internal/supervisor"
)

// sessionStore is everything the daemon needs from a store backend.
type sessionStore interface {
	session.Store
	scheduler.Store
	reconciler.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	loc, _ := cfg.Location()
	platforms, err := config.LoadPlatforms(cfg.PlatformsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load platforms")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("timezone", loc.String()).
		Str("store", cfg.StoreDriver).
		Str("supervisor", cfg.SupervisorBackend).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("redis_enabled", cfg.RedisEnabled()).
		Msg("starting streamhib")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.MediaDir).Msg("failed to create media dir")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.LogDir).Msg("failed to create log dir")
	}

	// Store
	var st sessionStore
	switch cfg.StoreDriver {
	case "memory":
		st = store.NewMemory()
		logger.Warn().Msg("using in-memory store, state is lost on restart")
	default:
		sqlStore, err := store.New(cfg.DBPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open store")
		}
		st = sqlStore
	}
	defer st.Close()

	// Supervisor
	var sup supervisor.Client
	switch cfg.SupervisorBackend {
	case "kubernetes":
		mediaMount, _ := filepath.Abs(cfg.MediaDir)
		k8s, err := supervisor.NewKubernetes(supervisor.KubernetesConfig{
			KubeconfigPath: cfg.KubeConfig,
			Namespace:      cfg.KubeNamespace,
			Image:          cfg.KubeImage,
			FFmpegPath:     cfg.FFmpegPath,
			MediaPVC:       cfg.KubeMediaPVC,
			MediaMount:     mediaMount,
			StopTimeout:    cfg.SupervisorStopTimeout,
			QueryTimeout:   cfg.SupervisorQueryTimeout,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init kubernetes supervisor")
		}
		sup = k8s
	case "memory":
		sup = supervisor.NewMemory()
		logger.Warn().Msg("using in-memory supervisor, no streams will run")
	default:
		systemd, err := supervisor.NewSystemd(supervisor.SystemdConfig{
			UnitDir:      cfg.SystemdUnitDir,
			SystemctlBin: cfg.SystemctlBin,
			FFmpegPath:   cfg.FFmpegPath,
			LogDir:       cfg.LogDir,
			StopTimeout:  cfg.SupervisorStopTimeout,
			QueryTimeout: cfg.SupervisorQueryTimeout,
		}, nil, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init systemd supervisor")
		}
		sup = systemd
	}

	// Notifier
	notifier := notify.Fanout{notify.NewLog(logger)}
	var redisNotifier *notify.Redis
	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, events will be retried per publish")
		}
		pingCancel()
		redisNotifier = notify.NewRedis(client, cfg.RedisChannel, retry.PublishPolicy(), logger)
		notifier = append(notifier, redisNotifier)
		defer client.Close()
	} else {
		logger.Info().Msg("Redis not configured, events are logged only")
	}

	m := metrics.New()
	media := session.DirResolver{Dir: cfg.MediaDir}

	mgr := session.NewManager(st, sup, notifier, media, platforms, m, logger)

	sched := scheduler.New(st, mgr, notifier, media, platforms, m, scheduler.Options{
		Location:       loc,
		SweepSpec:      cfg.ExpirySweepSpec,
		MinBuffer:      cfg.ExpiryMinBuffer,
		TriggerTimeout: cfg.TriggerTimeout,
	}, logger)
	mgr.SetScheduleCanceller(sched)

	rec := reconciler.New(st, sup, mgr, notifier, m, reconciler.Options{
		HealthInterval:    cfg.HealthCheckInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		QueryTimeout:      cfg.SupervisorQueryTimeout,
		PurgeOrphans:      cfg.PurgeOrphans,
		InactiveRetention: cfg.InactiveRetention,
	}, logger)
	sched.SetGate(rec)

	// Health checks
	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st.Ping))
	checker.Register("supervisor", health.DegradedOnError(func(ctx context.Context) error {
		_, err := sup.ListRunningUnits(ctx)
		return err
	}))
	checker.Register("scheduler", health.FlagCheck(sched.Ready))

	// Schedules are re-armed before the API accepts requests.
	if err := sched.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("schedule recovery failed")
	}

	go rec.Run(ctx)

	server := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, mgr, sched, rec, checker, m, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("management API error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API shutdown error")
	}
	sched.Stop(shutdownCtx)
	if redisNotifier != nil {
		redisNotifier.Close()
	}

	logger.Info().Msg("shutdown complete")
}
