package room

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/listenroom/server/internal/repository/room"
	"github.com/listenroom/server/pkg/randstr"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrCodeTaken         = errors.New("room code already taken")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrWrongSecret       = errors.New("wrong secret")
	ErrAlreadyMember     = errors.New("already a member")
	ErrNotMember         = errors.New("not a member")
	ErrRoomFull          = errors.New("members limit reached")
	ErrQueueLimitReached = errors.New("queue limit reached")
	ErrCannotEvictSelf   = errors.New("cannot evict self")
	ErrTransient         = errors.New("temporarily unavailable")
)

type iRoomRepo interface {
	Get(ctx context.Context, code string) (room.Record, error)
	Create(ctx context.Context, rec *room.Record) error
	Update(ctx context.Context, code string, fn room.UpdateFunc) (room.Record, error)
	Delete(ctx context.Context, code string) error
}

type iPresenceRepo interface {
	Register(user, connID, roomCode string)
	Unregister(connID string) (string, error)
	UnregisterUser(user, roomCode string) (string, error)
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type Config struct {
	MembersLimit int
	QueueLimit   int
	CodeLength   int
}

type service struct {
	roomRepo     iRoomRepo
	presenceRepo iPresenceRepo
	generator    iGenerator
	locks        *roomLocks
	logger       *slog.Logger
	now          func() time.Time
	membersLimit int
	queueLimit   int
	codeLength   int
}

func NewService(roomRepo iRoomRepo, presenceRepo iPresenceRepo, logger *slog.Logger, cfg *Config) *service {
	codeLength := cfg.CodeLength
	if codeLength == 0 {
		codeLength = 6
	}

	return &service{
		roomRepo:     roomRepo,
		presenceRepo: presenceRepo,
		generator:    randstr.New([]byte("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")),
		locks:        newRoomLocks(),
		logger:       logger,
		now:          time.Now,
		membersLimit: cfg.MembersLimit,
		queueLimit:   cfg.QueueLimit,
		codeLength:   codeLength,
	}
}
