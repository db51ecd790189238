package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/internal/auth"
	"github.com/whisper/internal/bot"
	"github.com/whisper/internal/bus"
	"github.com/whisper/internal/callserver"
	"github.com/whisper/internal/config"
	"github.com/whisper/internal/handler"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/push"
	"github.com/whisper/internal/repository"
	"github.com/whisper/internal/service"
	"github.com/whisper/internal/startup"
	"github.com/whisper/internal/storage"
	"github.com/whisper/internal/storage/memory"
	redisstore "github.com/whisper/internal/storage/redis"
	"github.com/whisper/internal/sweeper"
	"github.com/whisper/internal/ws"
	"github.com/whisper/migrations"
)

const connectWait = 60 * time.Second

func main() {
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory presence (no external services required)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	logger.SetPrefix("api")
	metrics.Register()
	logger.Info("starting API service")

	if *dev {
		cfg.PresenceDriver = "memory"
		cfg.Bus.Driver = "none"
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	if err := run(cfg, *dev, *migrateOnly); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, dev, migrateOnly bool) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = 2

	pool, err := startup.ConnectDBWithRetry(poolCfg, connectWait, "")
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}
	if migrateOnly {
		return nil
	}
	logger.Info("database connected, migrations applied")

	store, redisCli, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	nodeID := uuid.NewString()
	eventBus, err := openBus(cfg, redisCli, nodeID)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	userRepo := repository.NewUserRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	callRepo := repository.NewCallRepository(pool)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	botUser, err := userRepo.EnsureBot(seedCtx, uuid.NewString(), bot.Phone, bot.Name)
	seedCancel()
	if err != nil {
		return fmt.Errorf("seed bot user: %w", err)
	}

	hub := ws.NewHub(store, userRepo, eventBus, cfg.MaxWSConnections)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)

	messaging := service.NewMessaging(convRepo, msgRepo, userRepo, hub)
	conversations := service.NewConversations(convRepo, msgRepo, userRepo, hub)
	users := service.NewUsers(userRepo, store, botUser.ID)
	authSvc := service.NewAuth(userRepo, store, nil, issuer, dev)

	relay := callserver.NewRelay(callRepo, userRepo, store, hub, cfg.CallRingTimeout)
	defer relay.Close()
	hub.SetHandler(ws.NewRouter(hub, messaging, relay))

	var assistant *bot.Bot
	if cfg.Bot.Enabled {
		assistant = bot.New(botUser.ID, messaging, newResponder(cfg.Bot), bot.Config{
			MinDelay: cfg.Bot.MinDelay,
			MaxDelay: cfg.Bot.MaxDelay,
		})
		messaging.AddObserver(assistant)
	}

	notifier := push.Setup(store, store, push.Settings{
		KeysFile:   cfg.Push.KeysFile,
		PublicKey:  cfg.Push.PublicKey,
		PrivateKey: cfg.Push.PrivateKey,
		Subject:    cfg.Push.Subject,
	})
	if notifier.Enabled() {
		messaging.AddObserver(notifier)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var bgWg sync.WaitGroup

	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()

	sweep := sweeper.New(msgRepo, hub, cfg.SweepInterval, cfg.SweepBatch)
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		sweep.Run(bgCtx)
	}()

	routes := handler.NewRouter(handler.Handlers{
		Auth:          handler.NewAuthHandler(authSvc),
		Users:         handler.NewUserHandler(users),
		Conversations: handler.NewConversationHandler(conversations, messaging),
		Messages:      handler.NewMessageHandler(messaging),
		Calls:         handler.NewCallHandler(callRepo),
		Push:          handler.NewPushHandler(store),
		Config:        handler.NewConfigHandler(cfg.CallICEServers, notifier.PublicKey()),
		WS: handler.NewWSHandler(hub, ws.Limits{
			WriteWait:      cfg.WSWriteTimeout,
			PongWait:       cfg.WSPongTimeout,
			MaxMessageSize: cfg.WSMaxMessageSize,
			SendBuffer:     cfg.WSSendBufferSize,
		}, cfg.CORSAllowedOrigins),
	}, handler.RouterOptions{
		Tokens:             issuer,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		InternalSecret:     cfg.InternalSecret,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Metrics:            promhttp.Handler(),
		Health:             healthHandler(pool),
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      routes,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s (node %s)", cfg.ServerAddr, nodeID)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")

	bgCancel()
	bgWg.Wait()
	logger.Info("hub and sweeper stopped")

	if assistant != nil {
		assistant.Close()
	}
	notifier.Close()
	logger.Info("observers drained")
	return nil
}

// openStore выбирает хранилище эфемерного состояния. Redis-клиент возвращается и для шины событий.
func openStore(cfg *config.Config) (storage.Store, *redis.Client, error) {
	if cfg.PresenceDriver == "memory" {
		logger.Info("presence: in-memory (single node)")
		return memory.New(), nil, nil
	}
	cli, err := startup.ConnectRedisWithRetry(cfg.RedisURL, connectWait, "")
	if err != nil {
		return nil, nil, err
	}
	return redisstore.NewFromClient(cli), cli, nil
}

func openBus(cfg *config.Config, redisCli *redis.Client, nodeID string) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "nats":
		nc, err := startup.ConnectNATSWithRetry(cfg.Bus.NATSURL, "whisper-api-"+nodeID, connectWait, "")
		if err != nil {
			return nil, err
		}
		logger.Infof("bus: nats subject=%s", cfg.Bus.Subject)
		return bus.NewNATS(nc, cfg.Bus.Subject, nodeID), nil
	case "redis":
		logger.Infof("bus: redis channel=%s", cfg.Bus.Subject)
		return bus.NewRedis(redisCli, cfg.Bus.Subject, nodeID), nil
	default:
		return bus.Local{}, nil
	}
}

func newResponder(cfg config.BotConfig) bot.Responder {
	fallback := bot.KeywordResponder{}
	if cfg.OpenAIKey == "" {
		return fallback
	}
	r, err := bot.NewOpenAIResponder(bot.OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.Model}, fallback)
	if err != nil {
		logger.Errorf("bot: %v (keyword replies only)", err)
		return fallback
	}
	return r
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			logger.Errorf("health: db ping: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func runMigrations(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := migrations.Apply(ctx, pool)
	if err != nil {
		return err
	}
	logger.Infof("migrations applied (%d files)", n)
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "whisper"
		password = "whisper_dev"
		database = "whisper"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "whisper-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
