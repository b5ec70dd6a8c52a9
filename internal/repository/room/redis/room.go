package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/listenroom/server/internal/repository/room"
	"github.com/redis/go-redis/v9"
)

type roomHash struct {
	Name      string  `redis:"name"`
	Host      string  `redis:"host"`
	Secret    string  `redis:"secret"`
	Theme     string  `redis:"theme"`
	TrackRef  string  `redis:"track_ref"`
	Position  float64 `redis:"position"`
	IsPlaying bool    `redis:"is_playing"`
	Version   int64   `redis:"version"`
	CreatedAt int64   `redis:"created_at"`
}

func (r repo) getRoomKey(code string) string {
	return "room:" + code
}

func (r repo) getMembersKey(code string) string {
	return "room:" + code + ":members"
}

func (r repo) getQueueKey(code string) string {
	return "room:" + code + ":queue"
}

func (r repo) getKeys(code string) []string {
	return []string{r.getRoomKey(code), r.getMembersKey(code), r.getQueueKey(code)}
}

type pipeliner interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

func (r repo) read(ctx context.Context, c pipeliner, code string) (room.Record, error) {
	var (
		roomCmd    *redis.MapStringStringCmd
		membersCmd *redis.StringSliceCmd
		queueCmd   *redis.StringSliceCmd
	)
	if _, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		roomCmd = pipe.HGetAll(ctx, r.getRoomKey(code))
		membersCmd = pipe.LRange(ctx, r.getMembersKey(code), 0, -1)
		queueCmd = pipe.LRange(ctx, r.getQueueKey(code), 0, -1)
		return nil
	}); err != nil {
		return room.Record{}, fmt.Errorf("failed to read room: %w", err)
	}

	if len(roomCmd.Val()) == 0 {
		return room.Record{}, room.ErrRoomNotFound
	}

	var h roomHash
	if err := roomCmd.Scan(&h); err != nil {
		return room.Record{}, fmt.Errorf("failed to scan room: %w", err)
	}

	rec := room.Record{
		Code:      code,
		Name:      h.Name,
		Host:      h.Host,
		Secret:    h.Secret,
		Theme:     h.Theme,
		Members:   membersCmd.Val(),
		Position:  h.Position,
		IsPlaying: h.IsPlaying,
		Queue:     queueCmd.Val(),
		Version:   h.Version,
		CreatedAt: time.UnixMilli(h.CreatedAt).UTC(),
	}
	if h.TrackRef != "" {
		ref := h.TrackRef
		rec.TrackRef = &ref
	}

	return rec, nil
}

// write replaces every key of the record and refreshes their expiry.
func (r repo) write(ctx context.Context, pipe redis.Pipeliner, rec *room.Record) error {
	roomKey := r.getRoomKey(rec.Code)
	membersKey := r.getMembersKey(rec.Code)
	queueKey := r.getQueueKey(rec.Code)

	h := roomHash{
		Name:      rec.Name,
		Host:      rec.Host,
		Secret:    rec.Secret,
		Theme:     rec.Theme,
		Position:  rec.Position,
		IsPlaying: rec.IsPlaying,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt.UnixMilli(),
	}
	if rec.TrackRef != nil {
		h.TrackRef = *rec.TrackRef
	}

	pipe.Del(ctx, roomKey, membersKey, queueKey)
	if err := r.HSetStruct(ctx, pipe, roomKey, h); err != nil {
		return fmt.Errorf("failed to write room hash: %w", err)
	}
	pipe.Expire(ctx, roomKey, r.expireDuration)

	if len(rec.Members) > 0 {
		pipe.RPush(ctx, membersKey, toArgs(rec.Members)...)
		pipe.Expire(ctx, membersKey, r.expireDuration)
	}

	if len(rec.Queue) > 0 {
		pipe.RPush(ctx, queueKey, toArgs(rec.Queue)...)
		pipe.Expire(ctx, queueKey, r.expireDuration)
	}

	return nil
}

func (r repo) Get(ctx context.Context, code string) (room.Record, error) {
	r.logger.DebugContext(ctx, "called", "room_code", code)
	rec, err := r.read(ctx, r.rc, code)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return room.Record{}, err
	}

	return rec, nil
}

func (r repo) Create(ctx context.Context, rec *room.Record) error {
	r.logger.DebugContext(ctx, "called", "room_code", rec.Code)
	roomKey := r.getRoomKey(rec.Code)

	err := r.rc.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, roomKey).Result()
		if err != nil {
			return err
		}

		if n > 0 {
			return room.ErrRoomExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, rec)
		})
		return err
	}, roomKey)
	if errors.Is(err, redis.TxFailedErr) {
		err = room.ErrRoomExists
	}
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	return nil
}

// Update runs fn as an optimistic read-modify-write of the whole record.
// A record left without members is deleted in the same transaction.
func (r repo) Update(ctx context.Context, code string, fn room.UpdateFunc) (room.Record, error) {
	r.logger.DebugContext(ctx, "called", "room_code", code)
	keys := r.getKeys(code)

	var updated room.Record
	err := r.rc.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.read(ctx, tx, code)
		if err != nil {
			return err
		}

		if err := fn(&rec); err != nil {
			return err
		}
		rec.Version++

		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(rec.Members) == 0 {
				pipe.Del(ctx, keys...)
				return nil
			}

			return r.write(ctx, pipe, &rec)
		}); err != nil {
			return err
		}

		updated = rec
		return nil
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		err = room.ErrTxConflict
	}
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return room.Record{}, err
	}

	return updated, nil
}

func (r repo) Delete(ctx context.Context, code string) error {
	r.logger.DebugContext(ctx, "called", "room_code", code)
	res, err := r.rc.Del(ctx, r.getKeys(code)...).Result()
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to delete room: %w", err)
	}

	if res == 0 {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.ErrRoomNotFound
	}

	return nil
}
