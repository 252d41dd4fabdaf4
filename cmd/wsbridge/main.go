// Command wsbridge is a reference host for the rws server. It runs a fixed
// tick loop that polls events, echoes messages back and optionally mirrors
// connections to Redis and events to NATS. Prometheus metrics are served on
// /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dwebble/rws"
	"github.com/dwebble/rws/internal/messaging"
	"github.com/dwebble/rws/internal/metrics"
	"github.com/dwebble/rws/internal/presence"
	"github.com/dwebble/rws/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("wsbridge failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []rws.Option{
		rws.WithLogger(logger),
		rws.WithMaxMessageSize(cfg.Server.MaxMessageSize),
		rws.WithShutdownGrace(cfg.Server.ShutdownGrace),
	}
	if cfg.Server.HeartbeatInterval > 0 {
		opts = append(opts, rws.WithHeartbeat(cfg.Server.HeartbeatInterval, cfg.Server.HeartbeatTimeout))
	}
	if cfg.Server.ReusePort {
		opts = append(opts, rws.WithReusePort())
	}

	// --- Redis ---
	var (
		redisClient *redis.Client
		limiter     *ratelimit.Limiter
		err         error
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = presence.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		if cfg.Redis.RateLimit {
			connect := ratelimit.RuleConnect
			connect.Limit, connect.Window = cfg.Redis.ConnectLimit, cfg.Redis.ConnectWindow
			limiter = ratelimit.NewLimiter(redisClient, connect, logger)
			opts = append(opts, rws.WithAdmission(limiter))
		}
	}

	h, st := rws.Create(rws.Config{
		Port:         cfg.Server.Port,
		BindAddress:  cfg.Server.Bind,
		Subprotocols: rws.ParseSubprotocols(cfg.Server.Subprotocols),
		TLSCertPath:  cfg.Server.TLSCert,
		TLSKeyPath:   cfg.Server.TLSKey,
	}, opts...)
	if st != rws.StatusOk {
		return errors.New("create server: " + st.String())
	}
	defer rws.Destroy(h)

	b := newBridge(h, logger, cfg.Echo)
	if limiter != nil {
		b.limiter = limiter
		b.msgRule = ratelimit.RuleMessage
		b.msgRule.Limit, b.msgRule.Window = cfg.Redis.MessageLimit, cfg.Redis.MessageWindow
	}
	if redisClient != nil {
		b.presence = presence.NewStore(redisClient, b.instance)
	}

	// --- NATS ---
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "rws-" + b.instance
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := nc.SubscribeCommands(b.instance, b.enqueueCommand); err != nil {
			return err
		}
		b.nats = nc
	}

	// --- Metrics ---
	var metricsServer *http.Server
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/connections", b.serveConnections)
		metricsServer = &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if st := rws.Start(h); st != rws.StatusOk {
		return errors.Join(errors.New("start server: "+st.String()), rws.LastError(h))
	}

	logger.Info("wsbridge started",
		zap.String("addr", rws.Info(h)),
		zap.String("instance", b.instance),
		zap.Duration("tick", cfg.Tick),
		zap.Bool("echo", cfg.Echo),
		zap.Bool("presence", b.presence != nil),
		zap.Bool("rate_limit", b.limiter != nil),
		zap.Bool("nats", b.nats != nil),
		zap.String("metrics", cfg.Metrics),
	)

	b.run(ctx, cfg.Tick)

	logger.Info("shutting down", zap.Duration("uptime", rws.Uptime(h)))
	if b.nats != nil {
		// No command may race the final drain.
		if err := b.nats.UnsubscribeCommands(b.instance); err != nil {
			logger.Warn("unsubscribe commands failed", zap.Error(err))
		}
	}
	rws.Stop(h)

	// Drain what Stop produced so presence entries are removed.
	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for b.tick(cleanup) > 0 {
	}
	if b.presence != nil {
		if n, err := b.presence.Count(cleanup); err == nil && n > 0 {
			logger.Warn("presence entries left after drain", zap.Int64("count", n))
		}
		if err := b.presence.Clear(cleanup); err != nil {
			logger.Warn("presence clear failed", zap.Error(err))
		}
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(cleanup)
	}
	return nil
}
