package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/listenroom/server/internal/auth"
	"github.com/listenroom/server/internal/controller"
	"github.com/listenroom/server/internal/hub"
	"github.com/listenroom/server/internal/repository/presence/inmemory"
	roomRedis "github.com/listenroom/server/internal/repository/room/redis"
	"github.com/listenroom/server/internal/service/room"
	"github.com/listenroom/server/pkg/ctxlogger"
	"github.com/listenroom/server/pkg/redisclient"
	"github.com/redis/go-redis/v9"
)

type AppConfig struct {
	Secret        string        `json:"-"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	MembersLimit  int           `json:"members_limit"`
	QueueLimit    int           `json:"queue_limit"`
	RoomTTL       time.Duration `json:"room_ttl"`
	SendQueueSize int           `json:"send_queue_size"`
	LogLevel      string        `json:"log_level"`
	RedisPort     int           `json:"redis_port"`
	RedisHost     string        `json:"redis_host"`
	RedisPassword string        `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.Secret == "" {
		return errors.New("secret must not be empty")
	}
	if cfg.MembersLimit < 1 {
		return fmt.Errorf("members limit must be greater than 0")
	}
	if cfg.QueueLimit < 1 {
		return fmt.Errorf("queue limit must be greater than 0")
	}
	if cfg.RoomTTL <= 0 {
		return fmt.Errorf("room ttl must be positive")
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, err
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(&h), nil
}

// newHandler wires the store, presence, hub and controller on top of rc.
func newHandler(rc *redis.Client, cfg *AppConfig, logger *slog.Logger) (http.Handler, error) {
	verifier, err := auth.NewJWT(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	roomRepo := roomRedis.NewRepo(rc, cfg.RoomTTL, logger)
	presenceRepo := inmemory.NewRepo(logger)
	roomService := room.NewService(roomRepo, presenceRepo, logger, &room.Config{
		MembersLimit: cfg.MembersLimit,
		QueueLimit:   cfg.QueueLimit,
	})
	controller := controller.NewController(roomService, hub.New(logger), verifier, logger, &controller.Config{
		SendQueueSize: cfg.SendQueueSize,
	})

	return controller.GetMux(), nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	slog.SetDefault(logger)

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Port:     cfg.RedisPort,
		Host:     cfg.RedisHost,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer rc.Close()

	handler, err := newHandler(rc, cfg, logger)
	if err != nil {
		return err
	}
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: handler}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
