// follower joins a room and follows its playback with a logging player.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/listenroom/server/internal/auth"
	"github.com/listenroom/server/internal/client/api"
	"github.com/listenroom/server/internal/client/channel"
	"github.com/listenroom/server/internal/client/hint"
	"github.com/listenroom/server/internal/client/playback"
	"github.com/listenroom/server/internal/client/session"
	"github.com/listenroom/server/pkg/backoff"
	"github.com/listenroom/server/pkg/ctxlogger"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	serverURL = configVar[string]{
		envKey:       "FOLLOWER_SERVER_URL",
		flagKey:      "server-url",
		defaultValue: "http://localhost:80",
	}
	catalogURL = configVar[string]{
		envKey:       "FOLLOWER_CATALOG_URL",
		flagKey:      "catalog-url",
		defaultValue: "http://localhost:8081",
	}
	user = configVar[string]{
		envKey:       "FOLLOWER_USER",
		flagKey:      "user",
		defaultValue: "",
	}
	token = configVar[string]{
		envKey:       "FOLLOWER_TOKEN",
		flagKey:      "token",
		defaultValue: "",
	}
	secret = configVar[string]{
		envKey:       "SERVER_SECRET",
		flagKey:      "secret",
		defaultValue: "",
	}
	roomCode = configVar[string]{
		envKey:       "FOLLOWER_ROOM",
		flagKey:      "room",
		defaultValue: "",
	}
	roomSecret = configVar[string]{
		envKey:       "FOLLOWER_ROOM_SECRET",
		flagKey:      "room-secret",
		defaultValue: "",
	}
	hintPath = configVar[string]{
		envKey:       "FOLLOWER_HINT_PATH",
		flagKey:      "hint-path",
		defaultValue: filepath.Join(os.TempDir(), "listenroom", "last-room"),
	}
	logLevel = configVar[string]{
		envKey:       "FOLLOWER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
)

type config struct {
	ServerURL  string
	CatalogURL string
	User       string
	Token      string
	Secret     string
	RoomCode   string
	RoomSecret string
	HintPath   string
	LogLevel   string
}

func loadConfig() *config {
	pflag.String(serverURL.flagKey, serverURL.defaultValue, "Room server base URL")
	pflag.String(catalogURL.flagKey, catalogURL.defaultValue, "Track catalog base URL")
	pflag.String(user.flagKey, user.defaultValue, "User identity")
	pflag.String(token.flagKey, token.defaultValue, "Bearer token")
	pflag.String(secret.flagKey, secret.defaultValue, "Server signing secret, used to issue a token when none is given")
	pflag.String(roomCode.flagKey, roomCode.defaultValue, "Room code, defaults to the last joined room")
	pflag.String(roomSecret.flagKey, roomSecret.defaultValue, "Room secret")
	pflag.String(hintPath.flagKey, hintPath.defaultValue, "File remembering the last joined room")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	for _, v := range []configVar[string]{serverURL, catalogURL, user, token, secret, roomCode, roomSecret, hintPath, logLevel} {
		viper.BindEnv(v.flagKey, v.envKey)
		viper.SetDefault(v.flagKey, v.defaultValue)
	}

	return &config{
		ServerURL:  viper.GetString(serverURL.flagKey),
		CatalogURL: viper.GetString(catalogURL.flagKey),
		User:       viper.GetString(user.flagKey),
		Token:      viper.GetString(token.flagKey),
		Secret:     viper.GetString(secret.flagKey),
		RoomCode:   viper.GetString(roomCode.flagKey),
		RoomSecret: viper.GetString(roomSecret.flagKey),
		HintPath:   viper.GetString(hintPath.flagKey),
		LogLevel:   viper.GetString(logLevel.flagKey),
	}
}

func newLogger(level string) (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, err
	}

	return slog.New(ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}),
	}), nil
}

func run(ctx context.Context, cfg *config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if cfg.User == "" {
		return errors.New("user must not be empty")
	}

	bearer := cfg.Token
	if bearer == "" {
		if cfg.Secret == "" {
			return errors.New("either token or secret must be set")
		}
		issuer, err := auth.NewJWT(cfg.Secret)
		if err != nil {
			return err
		}
		if bearer, err = issuer.Issue(cfg.User, 24*time.Hour); err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
	}

	hints := hint.NewStore(afero.NewOsFs(), cfg.HintPath)
	code := cfg.RoomCode
	if code == "" {
		if code, err = hints.Load(); err != nil {
			return fmt.Errorf("no room given: %w", err)
		}
		logger.InfoContext(ctx, "rejoining last room", "room_code", code)
	}

	client := api.New(cfg.ServerURL, bearer, nil, logger)
	if _, err := client.Join(ctx, code, cfg.RoomSecret); err != nil && !errors.Is(err, api.ErrAlreadyMember) {
		if errors.Is(err, api.ErrNotFound) {
			if err := hints.Clear(); err != nil {
				logger.WarnContext(ctx, "failed to clear room hint", "error", err)
			}
		}
		return fmt.Errorf("failed to join room: %w", err)
	}

	ch := channel.NewSupervisor(channel.Config{
		URL:    client.ChannelURL(),
		Token:  bearer,
		Policy: backoff.Default(),
		OnState: func(s channel.State) {
			logger.Info("push channel", "state", s.String())
		},
	}, logger)

	s := session.New(client, ch, hints, playback.NewLogPlayer(logger), playback.CatalogURL{Base: cfg.CatalogURL}, logger, session.Config{
		RoomCode: code,
		User:     cfg.User,
		OnRoleChange: func(isHost bool) {
			logger.Info("role changed", "is_host", isHost)
		},
		OnMembers: func(host string, members []string) {
			logger.Info("members", "host", host, "members", members)
		},
		OnPollError: func(pe *session.PollError) {
			logger.Warn("room unreachable", "error", pe)
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
		case <-runCtx.Done():
			return
		}

		leaveCtx, c := context.WithTimeout(runCtx, 5*time.Second)
		defer c()
		if err := s.Leave(leaveCtx); err != nil {
			logger.Warn("failed to leave room", "error", err)
			cancel()
		}
	}()

	err = s.Run(runCtx)
	switch {
	case errors.Is(err, session.ErrRoomClosed):
		logger.Info("room closed")
		return nil
	case errors.Is(err, session.ErrEvicted):
		logger.Info("evicted from room")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func main() {
	if err := run(context.Background(), loadConfig()); err != nil {
		log.Fatal(err)
	}
}
