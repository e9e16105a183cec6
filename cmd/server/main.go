package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/go-messenger/internal/api"
	"github.com/npezzotti/go-messenger/internal/bus"
	"github.com/npezzotti/go-messenger/internal/chat"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/relay"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/suggest"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	redisAddr      string
	suggestURL     string
	suggestKey     string
	sendRPS        float64
	sendBurst      int
	dev            bool
)

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	// a missing .env file is fine
	_ = godotenv.Load()

	var ec config.EnvConfig
	if err := env.Parse(&ec); err != nil {
		panic(err)
	}
	if ec.SigningKey == "" {
		ec.SigningKey = defaultSigningKey
	}
	allowedOrigins = ec.AllowedOrigins

	flag.StringVar(&addr, "addr", ec.Addr, "server address")
	flag.StringVar(&dsn, "dsn", ec.DSN, "database connection string")
	flag.StringVar(&signingKey, "signing-key", ec.SigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisAddr, "redis-addr", ec.RedisAddr, "redis address for the multi-instance event bus")
	flag.StringVar(&suggestURL, "suggest-url", ec.SuggestURL, "chat completions endpoint for message suggestions")
	flag.StringVar(&suggestKey, "suggest-key", ec.SuggestKey, "api key for the suggestion endpoint")
	flag.Float64Var(&sendRPS, "send-rps", ec.SendRPS, "messages per second allowed per user")
	flag.IntVar(&sendBurst, "send-burst", ec.SendBurst, "message burst allowed per user")
	flag.BoolVar(&dev, "dev", ec.Development, "development logging")
	flag.Parse()

	zl, err := newLogger(dev)
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := zl.Sugar().Named("messenger")

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins,
		config.WithRedis(redisAddr),
		config.WithSuggest(suggestURL, suggestKey),
		config.WithSendRate(sendRPS, sendBurst),
		config.WithDevelopment(dev),
	)
	if err != nil {
		logger.Fatalw("config", "error", err)
	}

	dbConn, err := database.NewPgGoChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalw("db open", "error", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Errorw("db close", "error", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatalw("db migrate", "error", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	var eventBus bus.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rb := bus.NewRedisBus(rdb, logger.Named("bus"))
		defer rb.Close()
		eventBus = rb
		logger.Infow("using redis event bus", "addr", cfg.RedisAddr)
	} else {
		eventBus = bus.NewLocalBus(logger.Named("bus"), 0)
	}

	svc := chat.NewService(logger.Named("chat"), dbConn, eventBus, statsUpdater)

	hub, err := relay.NewHub(logger.Named("relay"), svc, svc, statsUpdater)
	if err != nil {
		logger.Fatalw("new relay hub", "error", err)
	}
	go hub.Run()

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go func() {
		if err := eventBus.Run(busCtx, hub); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("event bus stopped", "error", err)
		}
	}()

	var opts []api.Option
	if cfg.SuggestURL != "" {
		opts = append(opts, api.WithSuggester(
			suggest.NewHTTPProvider(logger.Named("suggest"), cfg.SuggestURL, cfg.SuggestKey, cfg.SuggestTimeout),
		))
	}

	srv := api.NewGoChatApp(mux, logger.Named("api"), hub, svc, dbConn, cfg, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("server", "error", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down relay hub...")
	stopBus()
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("relay hub shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}
