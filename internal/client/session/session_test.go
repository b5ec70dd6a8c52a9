package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/listenroom/server/internal/client/api"
	"github.com/listenroom/server/internal/client/channel"
	"github.com/listenroom/server/internal/client/playback"
	"github.com/listenroom/server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeAPI struct {
	mu          sync.Mutex
	room        protocol.Room
	getErr      error
	getCalls    int
	persisted   []protocol.Snapshot
	persistHook func()
	inFlight    int32
	maxInFlight int32
	left        bool
	evicted     []string
}

func (f *fakeAPI) setRoom(rm protocol.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = rm
}

func (f *fakeAPI) GetRoom(ctx context.Context, code string) (protocol.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return protocol.Room{}, f.getErr
	}
	return f.room, nil
}

func (f *fakeAPI) SetPlayback(ctx context.Context, code string, snap protocol.Snapshot) (protocol.Room, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxInFlight, m, n) {
			break
		}
	}

	f.mu.Lock()
	hook := f.persistHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, snap)
	return f.room, nil
}

func (f *fakeAPI) Leave(ctx context.Context, code string) (protocol.LeaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return protocol.LeaveResult{Deleted: true}, nil
}

func (f *fakeAPI) Evict(ctx context.Context, code, target string) (protocol.EvictResultPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, target)
	return protocol.EvictResultPayload{RoomCode: code, TargetUserIdentity: target}, nil
}

func (f *fakeAPI) snapshot() (persisted []protocol.Snapshot, getCalls int, evicted []string, left bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Snapshot(nil), f.persisted...), f.getCalls, append([]string(nil), f.evicted...), f.left
}

type sent struct {
	typ     string
	payload any
}

type fakeChannel struct {
	mu           sync.Mutex
	messages     chan protocol.Message
	sent         []sent
	bound        string
	disconnected bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{messages: make(chan protocol.Message, 16)}
}

func (f *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Bind(room, user string) error {
	f.mu.Lock()
	f.bound = room
	f.mu.Unlock()
	return f.Send(protocol.TypeJoinRoom, protocol.JoinRoomInput{RoomCode: room, UserIdentity: user})
}

func (f *fakeChannel) Unbind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = ""
}

func (f *fakeChannel) Send(typ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return channel.ErrDisconnected
	}
	f.sent = append(f.sent, sent{typ: typ, payload: payload})
	return nil
}

func (f *fakeChannel) Messages() <-chan protocol.Message {
	return f.messages
}

func (f *fakeChannel) push(t *testing.T, typ string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.messages <- protocol.Message{Type: typ, Payload: data}
}

func (f *fakeChannel) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.typ == typ {
			n++
		}
	}
	return n
}

func (f *fakeChannel) boundRoom() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound
}

type fakeHint struct {
	mu   sync.Mutex
	code string
}

func (f *fakeHint) Save(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = code
	return nil
}

func (f *fakeHint) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = ""
	return nil
}

func (f *fakeHint) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

type fakePlayer struct {
	mu       sync.Mutex
	url      string
	position float64
	playing  bool
	stopped  int
}

func (p *fakePlayer) Load(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url, p.position, p.playing = url, 0, false
	return nil
}

func (p *fakePlayer) Seek(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = seconds
	return nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url, p.position, p.playing = "", 0, false
	p.stopped++
	return nil
}

func (p *fakePlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePlayer) state() (string, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, p.position, p.playing
}

type harness struct {
	api    *fakeAPI
	ch     *fakeChannel
	hint   *fakeHint
	player *fakePlayer
	s      *Session
	cancel context.CancelFunc
	done   chan error
}

var resolver = playback.CatalogURL{Base: "http://catalog"}

func streamURL(ref string) string {
	return resolver.StreamURL(ref)
}

func newRoom(host string, members ...string) protocol.Room {
	return protocol.Room{
		Code:     "ABC123",
		Host:     host,
		Members:  append([]string{host}, members...),
		Playback: protocol.Snapshot{Queue: []string{}},
	}
}

func start(t *testing.T, user string, rm protocol.Room, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		api:    &fakeAPI{room: rm},
		ch:     newFakeChannel(),
		hint:   &fakeHint{},
		player: &fakePlayer{},
		done:   make(chan error, 1),
	}

	cfg := Config{
		RoomCode:     "ABC123",
		User:         user,
		HostInterval: 20 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.s = New(h.api, h.ch, h.hint, h.player, resolver, slog.Default(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- h.s.Run(ctx) }()

	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
		return nil
	}
}

func (h *harness) waitHost(t *testing.T, isHost bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.s.Status(context.Background())
		return err == nil && st.IsHost == isHost
	}, waitFor, tick)
}

func TestGuestFollowsPollAndPush(t *testing.T) {
	rm := newRoom("alice", "bob")
	rm.Playback = protocol.Snapshot{TrackRef: protocol.TrackRef("T1"), PositionSeconds: 10, IsPlaying: true, Queue: []string{}}
	h := start(t, "bob", rm, nil)

	require.Eventually(t, func() bool {
		url, pos, playing := h.player.state()
		return url == streamURL("T1") && pos == 10 && playing
	}, waitFor, tick)
	assert.Equal(t, "ABC123", h.hint.get())
	assert.Equal(t, "ABC123", h.ch.boundRoom())

	next := protocol.Snapshot{TrackRef: protocol.TrackRef("T2"), PositionSeconds: 3, IsPlaying: false, Queue: []string{}}
	rm.Playback = next
	h.api.setRoom(rm)
	h.ch.push(t, protocol.TypePlayback, next)
	require.Eventually(t, func() bool {
		url, pos, playing := h.player.state()
		return url == streamURL("T2") && pos == 3 && !playing
	}, waitFor, tick)

	st, err := h.s.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.IsHost)
	assert.Equal(t, "alice", st.Host)
	assert.Equal(t, []string{"alice", "bob"}, st.Members)
}

func TestGuestCannotWritePlayback(t *testing.T) {
	h := start(t, "bob", newRoom("alice", "bob"), nil)
	h.waitHost(t, false)

	err := h.s.Play(context.Background())
	assert.ErrorIs(t, err, ErrNotHost)
	assert.ErrorIs(t, err, api.ErrPermissionDenied)

	err = h.s.Evict(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotHost)
	assert.Zero(t, h.ch.count(protocol.TypeHostPlayback))
}

func TestHostPublishesAndPersists(t *testing.T) {
	h := start(t, "alice", newRoom("alice", "bob"), nil)
	h.waitHost(t, true)

	require.NoError(t, h.s.Enqueue(context.Background(), "T1"))
	require.NoError(t, h.s.Seek(context.Background(), 120))
	require.NoError(t, h.s.Enqueue(context.Background(), "T2"))

	require.Eventually(t, func() bool {
		persisted, _, _, _ := h.api.snapshot()
		if len(persisted) == 0 {
			return false
		}
		last := persisted[len(persisted)-1]
		return last.TrackRef != nil && *last.TrackRef == "T1" && last.PositionSeconds == 120 &&
			len(last.Queue) == 1 && last.Queue[0] == "T2"
	}, waitFor, tick)

	// the ticker keeps broadcasting without actions
	n := h.ch.count(protocol.TypeHostPlayback)
	require.Eventually(t, func() bool {
		return h.ch.count(protocol.TypeHostPlayback) >= n+3
	}, waitFor, tick)
}

func TestHostPersistSingleFlight(t *testing.T) {
	h := start(t, "alice", newRoom("alice"), nil)
	release := make(chan struct{})
	h.api.mu.Lock()
	h.api.persistHook = func() { <-release }
	h.api.mu.Unlock()
	h.waitHost(t, true)

	require.NoError(t, h.s.SelectTrack(context.Background(), "T1"))
	for i := 0; i < 5; i++ {
		require.NoError(t, h.s.Seek(context.Background(), float64(i)))
	}
	time.Sleep(100 * time.Millisecond)
	close(release)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.api.maxInFlight))
	assert.GreaterOrEqual(t, h.ch.count(protocol.TypeHostPlayback), 6)
}

func TestRoleHandoff(t *testing.T) {
	roles := make(chan bool, 4)
	h := start(t, "bob", newRoom("alice", "bob"), func(cfg *Config) {
		cfg.OnRoleChange = func(isHost bool) { roles <- isHost }
	})
	h.waitHost(t, false)

	h.api.setRoom(newRoom("bob"))
	h.ch.push(t, protocol.TypeMembersUpdated, protocol.MembersUpdatedPayload{
		RoomCode: "ABC123",
		Host:     "bob",
		Members:  []string{"bob"},
	})
	h.waitHost(t, true)
	assert.True(t, <-roles)

	n := h.ch.count(protocol.TypeHostPlayback)
	require.Eventually(t, func() bool {
		return h.ch.count(protocol.TypeHostPlayback) > n
	}, waitFor, tick)

	// pushes are ignored while host
	h.ch.push(t, protocol.TypePlayback, protocol.Snapshot{TrackRef: protocol.TrackRef("T9"), Queue: []string{}})
	time.Sleep(50 * time.Millisecond)
	st, err := h.s.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Playback.TrackRef)
	url, _, _ := h.player.state()
	assert.Empty(t, url)
}

func TestForceLeaveIsTerminal(t *testing.T) {
	tests := []struct {
		reason string
		want   error
	}{
		{protocol.ReasonKicked, ErrEvicted},
		{protocol.ReasonClosed, ErrRoomClosed},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			rm := newRoom("alice", "bob")
			rm.Playback = protocol.Snapshot{TrackRef: protocol.TrackRef("T1"), IsPlaying: true, Queue: []string{}}
			h := start(t, "bob", rm, nil)
			h.waitHost(t, false)

			h.ch.push(t, protocol.TypeForceLeave, protocol.ForceLeavePayload{RoomCode: "ABC123", Reason: tt.reason})
			err := h.wait(t)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrEvicted)

			assert.Empty(t, h.hint.get())
			assert.Empty(t, h.ch.boundRoom())
			url, _, playing := h.player.state()
			assert.Empty(t, url)
			assert.False(t, playing)

			_, calls, _, _ := h.api.snapshot()
			time.Sleep(120 * time.Millisecond)
			_, callsLater, _, _ := h.api.snapshot()
			assert.Equal(t, calls, callsLater, "no polling after eviction")

			assert.ErrorIs(t, h.s.Play(context.Background()), ErrStopped)
		})
	}
}

func TestForceLeaveForOtherRoomIgnored(t *testing.T) {
	h := start(t, "bob", newRoom("alice", "bob"), nil)
	h.waitHost(t, false)

	h.ch.push(t, protocol.TypeForceLeave, protocol.ForceLeavePayload{RoomCode: "OTHER1", Reason: protocol.ReasonKicked})
	_, err := h.s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABC123", h.hint.get())
}

func TestPollDiscoversEviction(t *testing.T) {
	h := start(t, "bob", newRoom("alice", "bob"), nil)
	h.waitHost(t, false)

	h.api.setRoom(newRoom("alice"))
	assert.ErrorIs(t, h.wait(t), ErrEvicted)
	assert.Empty(t, h.hint.get())
}

func TestEvictSelfRejectedLocally(t *testing.T) {
	h := start(t, "alice", newRoom("alice", "bob"), nil)
	h.waitHost(t, true)

	assert.ErrorIs(t, h.s.Evict(context.Background(), "alice"), ErrCannotEvictSelf)
	assert.Zero(t, h.ch.count(protocol.TypeEvictRequest))
	_, _, evicted, _ := h.api.snapshot()
	assert.Empty(t, evicted)
}

func TestEvictOverChannelOrApi(t *testing.T) {
	results := make(chan protocol.EvictResultPayload, 1)
	h := start(t, "alice", newRoom("alice", "bob", "carol"), func(cfg *Config) {
		cfg.OnEvictResult = func(res protocol.EvictResultPayload) { results <- res }
	})
	h.waitHost(t, true)

	require.NoError(t, h.s.Evict(context.Background(), "bob"))
	assert.Equal(t, 1, h.ch.count(protocol.TypeEvictRequest))

	h.ch.mu.Lock()
	h.ch.disconnected = true
	h.ch.mu.Unlock()

	require.NoError(t, h.s.Evict(context.Background(), "carol"))
	select {
	case res := <-results:
		assert.Equal(t, "carol", res.TargetUserIdentity)
	case <-time.After(waitFor):
		t.Fatal("no evict result")
	}
	_, _, evicted, _ := h.api.snapshot()
	assert.Equal(t, []string{"carol"}, evicted)
}

func TestPollFailureThreshold(t *testing.T) {
	var reported atomic.Int32
	errs := make(chan *PollError, 4)

	rm := newRoom("alice", "bob")
	a := &fakeAPI{room: rm, getErr: fmt.Errorf("%w: connection refused", api.ErrTransient)}
	h := &harness{api: a, ch: newFakeChannel(), hint: &fakeHint{}, player: &fakePlayer{}, done: make(chan error, 1)}
	h.s = New(a, h.ch, h.hint, h.player, resolver, slog.Default(), Config{
		RoomCode:     "ABC123",
		User:         "bob",
		HostInterval: 20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		OnPollError: func(pe *PollError) {
			reported.Add(1)
			errs <- pe
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { h.done <- h.s.Run(ctx) }()

	var pe *PollError
	select {
	case pe = <-errs:
	case <-time.After(waitFor):
		t.Fatal("poll error not reported")
	}
	assert.Equal(t, 3, pe.Failures)
	assert.ErrorIs(t, pe, api.ErrTransient)

	// keeps polling but reports once per streak
	_, calls, _, _ := a.snapshot()
	require.Eventually(t, func() bool {
		_, n, _, _ := a.snapshot()
		return n > calls+3
	}, waitFor, tick)
	assert.Equal(t, int32(1), reported.Load())

	// recovery resets the streak
	a.mu.Lock()
	a.getErr = nil
	a.mu.Unlock()
	pe.RetryNow()
	require.Eventually(t, func() bool {
		st, err := h.s.Status(ctx)
		return err == nil && st.Host == "alice"
	}, waitFor, tick)

	a.mu.Lock()
	a.getErr = errors.New("boom")
	a.mu.Unlock()
	require.Eventually(t, func() bool { return reported.Load() == 2 }, waitFor, tick)
}

func TestPollRoomGone(t *testing.T) {
	h := start(t, "bob", newRoom("alice", "bob"), nil)
	h.waitHost(t, false)

	h.api.mu.Lock()
	h.api.getErr = &api.Error{Status: 404, Code: protocol.CodeNotFound}
	h.api.mu.Unlock()

	assert.ErrorIs(t, h.wait(t), ErrRoomClosed)
}

func TestLeave(t *testing.T) {
	h := start(t, "bob", newRoom("alice", "bob"), nil)
	h.waitHost(t, false)

	require.NoError(t, h.s.Leave(context.Background()))
	assert.NoError(t, h.wait(t))

	_, _, _, left := h.api.snapshot()
	assert.True(t, left)
	assert.Empty(t, h.hint.get())
	assert.Empty(t, h.ch.boundRoom())
}

func TestHostPollsLessOften(t *testing.T) {
	h := start(t, "alice", newRoom("alice", "bob"), func(cfg *Config) {
		cfg.PollInterval = 10 * time.Millisecond
		cfg.HostPollInterval = time.Hour
	})
	h.waitHost(t, true)

	_, calls, _, _ := h.api.snapshot()
	time.Sleep(100 * time.Millisecond)
	_, later, _, _ := h.api.snapshot()
	assert.Equal(t, calls, later, "host keeps to its own poll interval")

	// a guest polls on every tick
	g := start(t, "bob", newRoom("alice", "bob"), func(cfg *Config) {
		cfg.PollInterval = 10 * time.Millisecond
		cfg.HostPollInterval = time.Hour
	})
	g.waitHost(t, false)
	_, calls, _, _ = g.api.snapshot()
	require.Eventually(t, func() bool {
		_, n, _, _ := g.api.snapshot()
		return n >= calls+3
	}, waitFor, tick)
}
