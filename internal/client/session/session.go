// Package session runs one client in one room: it follows the host as a
// guest, drives the room as the host, and stops for good when evicted.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/listenroom/server/internal/client/api"
	"github.com/listenroom/server/internal/client/channel"
	"github.com/listenroom/server/internal/client/playback"
	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/pkg/backoff"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrEvicted         = errors.New("evicted from room")
	ErrRoomClosed      = fmt.Errorf("room closed: %w", ErrEvicted)
	ErrCannotEvictSelf = errors.New("cannot evict self")
	ErrNotHost         = fmt.Errorf("not the host: %w", api.ErrPermissionDenied)
	ErrStopped         = errors.New("session stopped")

	errLeft = errors.New("left room")
)

const (
	defaultHostInterval         = 2 * time.Second
	defaultPollInterval         = 5 * time.Second
	defaultPollFailureThreshold = 3
	hostPollFactor              = 4
)

type iAPI interface {
	GetRoom(ctx context.Context, code string) (protocol.Room, error)
	SetPlayback(ctx context.Context, code string, snap protocol.Snapshot) (protocol.Room, error)
	Leave(ctx context.Context, code string) (protocol.LeaveResult, error)
	Evict(ctx context.Context, code, target string) (protocol.EvictResultPayload, error)
}

type iChannel interface {
	Run(ctx context.Context) error
	Bind(room, user string) error
	Unbind()
	Send(typ string, payload any) error
	Messages() <-chan protocol.Message
}

type iHint interface {
	Save(code string) error
	Clear() error
}

// Config callbacks run on the session goroutine and must not call back into
// the session synchronously.
type Config struct {
	RoomCode string
	User     string

	HostInterval time.Duration
	PollInterval time.Duration
	// HostPollInterval spaces polls while this client is the host. It only
	// refreshes membership. Defaults to four poll intervals.
	HostPollInterval     time.Duration
	PollFailureThreshold int

	OnRoleChange  func(isHost bool)
	OnMembers     func(host string, members []string)
	OnPollError   func(*PollError)
	OnEvictResult func(protocol.EvictResultPayload)
}

// PollError is reported once polling has failed PollFailureThreshold times
// in a row. Polling keeps going regardless.
type PollError struct {
	Failures int
	Err      error
	retry    chan<- struct{}
}

func (e *PollError) Error() string {
	return fmt.Sprintf("room polling failed %d times: %v", e.Failures, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// RetryNow asks for an immediate poll.
func (e *PollError) RetryNow() {
	select {
	case e.retry <- struct{}{}:
	default:
	}
}

// Status is a point in time view of the session.
type Status struct {
	IsHost   bool
	Host     string
	Members  []string
	Playback protocol.Snapshot
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

type pollResult struct {
	room protocol.Room
	err  error
}

type Session struct {
	api    iAPI
	ch     iChannel
	hint   iHint
	player playback.Player
	logger *slog.Logger
	cfg    Config

	host       *playback.Host
	reconciler *playback.Reconciler

	// owned by the loop goroutine
	isHost       bool
	hostId       string
	members      []string
	left         bool
	pollInFlight bool
	pollFailures int
	lastPoll     time.Time

	persistSem       *semaphore.Weighted
	persistBackoff   *backoff.Backoff
	persistNotBefore time.Time

	persistResults chan error
	pollResults    chan pollResult
	evictResults   chan protocol.EvictResultPayload
	retryPoll      chan struct{}
	cmds           chan command
	done           chan struct{}

	group *errgroup.Group
	now   func() time.Time
}

func New(
	apiClient iAPI,
	ch iChannel,
	hint iHint,
	player playback.Player,
	resolver playback.URLResolver,
	logger *slog.Logger,
	cfg Config,
) *Session {
	if cfg.HostInterval <= 0 {
		cfg.HostInterval = defaultHostInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HostPollInterval <= 0 {
		cfg.HostPollInterval = hostPollFactor * cfg.PollInterval
	}
	if cfg.PollFailureThreshold <= 0 {
		cfg.PollFailureThreshold = defaultPollFailureThreshold
	}

	persistPolicy := backoff.Default()
	persistPolicy.Initial = cfg.HostInterval

	logger = logger.With("room_code", cfg.RoomCode, "user", cfg.User)

	return &Session{
		api:            apiClient,
		ch:             ch,
		hint:           hint,
		player:         player,
		logger:         logger,
		cfg:            cfg,
		host:           playback.NewHost(player, resolver, logger),
		reconciler:     playback.NewReconciler(player, resolver, logger),
		persistSem:     semaphore.NewWeighted(1),
		persistBackoff: backoff.New(persistPolicy),
		persistResults: make(chan error, 1),
		pollResults:    make(chan pollResult, 1),
		evictResults:   make(chan protocol.EvictResultPayload, 4),
		retryPoll:      make(chan struct{}, 1),
		cmds:           make(chan command),
		done:           make(chan struct{}),
		now:            time.Now,
	}
}

// Run follows the room until ctx is done, the user leaves (nil), or the
// user is evicted (ErrEvicted) or the room is closed (ErrRoomClosed).
// A session runs once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		return s.ch.Run(gctx)
	})
	g.Go(func() error {
		return s.loop(gctx)
	})

	err := g.Wait()
	if errors.Is(err, errLeft) {
		return nil
	}
	return err
}

func (s *Session) loop(ctx context.Context) error {
	if err := s.hint.Save(s.cfg.RoomCode); err != nil {
		s.logger.WarnContext(ctx, "failed to save room hint", "error", err)
	}
	if err := s.ch.Bind(s.cfg.RoomCode, s.cfg.User); err != nil {
		s.logger.DebugContext(ctx, "room will be announced on connect", "error", err)
	}
	s.startPoll(ctx)

	hostTick := time.NewTicker(s.cfg.HostInterval)
	defer hostTick.Stop()
	pollTick := time.NewTicker(s.cfg.PollInterval)
	defer pollTick.Stop()

	for {
		var err error

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.ch.Messages():
			err = s.handleMessage(ctx, msg)
		case res := <-s.pollResults:
			err = s.handlePoll(ctx, res)
		case <-pollTick.C:
			if s.isHost && s.now().Sub(s.lastPoll) < s.cfg.HostPollInterval {
				break
			}
			s.startPoll(ctx)
		case <-s.retryPoll:
			s.startPoll(ctx)
		case perr := <-s.persistResults:
			err = s.handlePersist(ctx, perr)
		case res := <-s.evictResults:
			s.handleEvictResult(ctx, res)
		case <-hostTick.C:
			if s.isHost {
				s.publish(ctx)
			}
		case cmd := <-s.cmds:
			cmd.done <- cmd.fn(ctx)
			if s.left {
				return errLeft
			}
		}

		if err != nil {
			if errors.Is(err, ErrEvicted) {
				s.logger.InfoContext(ctx, "removed from room", "reason", err)
				s.cleanup(ctx)
			}
			return err
		}
	}
}

// cleanup forgets the room locally. Nothing room scoped is sent afterwards.
func (s *Session) cleanup(ctx context.Context) {
	if err := s.hint.Clear(); err != nil {
		s.logger.WarnContext(ctx, "failed to clear room hint", "error", err)
	}
	s.ch.Unbind()
	if err := s.player.Stop(); err != nil {
		s.logger.WarnContext(ctx, "failed to stop player", "error", err)
	}
}

// do runs fn on the session goroutine.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}

	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func(context.Context) error {
		st = Status{
			IsHost:  s.isHost,
			Host:    s.hostId,
			Members: slices.Clone(s.members),
		}
		if s.isHost {
			st.Playback = s.host.Snapshot()
		} else {
			st.Playback = s.reconciler.Current()
		}
		return nil
	})
	return st, err
}

// Leave removes the user from the room and ends Run.
func (s *Session) Leave(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.api.Leave(ctx, s.cfg.RoomCode)
		if err != nil && !errors.Is(err, api.ErrNotFound) && !errors.Is(err, api.ErrNotMember) {
			return fmt.Errorf("failed to leave room: %w", err)
		}

		s.cleanup(ctx)
		s.left = true
		return nil
	})
}

// Evict asks the server to remove target from the room. It does not wait
// for the outcome, which arrives through OnEvictResult.
func (s *Session) Evict(ctx context.Context, target string) error {
	if target == s.cfg.User {
		return ErrCannotEvictSelf
	}

	return s.do(ctx, func(ctx context.Context) error {
		if !s.isHost {
			return ErrNotHost
		}

		err := s.ch.Send(protocol.TypeEvictRequest, protocol.EvictRequestInput{
			RoomCode:           s.cfg.RoomCode,
			TargetUserIdentity: target,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, channel.ErrDisconnected) {
			return fmt.Errorf("failed to send evict request: %w", err)
		}

		s.logger.InfoContext(ctx, "push channel down, evicting over api", "target", target)
		s.group.Go(func() error {
			res, err := s.api.Evict(ctx, s.cfg.RoomCode, target)
			if err != nil {
				s.logger.WarnContext(ctx, "failed to evict member", "target", target, "error", err)
				return nil
			}
			select {
			case s.evictResults <- res:
			case <-ctx.Done():
			}
			return nil
		})
		return nil
	})
}

func (s *Session) handleEvictResult(ctx context.Context, res protocol.EvictResultPayload) {
	s.logger.InfoContext(ctx, "member evicted", "target", res.TargetUserIdentity, "connected", res.Connected)
	if s.cfg.OnEvictResult != nil {
		s.cfg.OnEvictResult(res)
	}
}
