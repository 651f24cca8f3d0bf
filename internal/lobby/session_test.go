package lobby

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gpose-together/internal/apply"
	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

var errNoSuchLobby = errors.New("no such lobby")

var (
	alice = chara.UserID{UID: "u-alice", Alias: "Alice"}
	bob   = chara.UserID{UID: "u-bob", Alias: "Bob"}
	carol = chara.UserID{UID: "u-carol", Alias: "Carol"}
)

type fakeTransport struct {
	events chan Event // unbuffered: a send returns once the loop has taken it

	mu        sync.Mutex
	lobbies   map[string][]chara.UserID
	created   string
	sent      []protocol.Update
	failSends int
	leaves    []string
	gate      chan struct{}

	attempts atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan Event),
		lobbies: map[string][]chara.UserID{"L1": {alice, bob}},
		created: "NEW1",
	}
}

func (f *fakeTransport) CreateLobby(ctx context.Context) (string, error) {
	return f.created, nil
}

func (f *fakeTransport) JoinLobby(ctx context.Context, id string) ([]chara.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.lobbies[id]
	if !ok {
		return nil, errNoSuchLobby
	}
	return append(slices.Clone(members), alice), nil
}

func (f *fakeTransport) LeaveLobby(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, id)
	return nil
}

func (f *fakeTransport) SendUpdate(ctx context.Context, id string, u protocol.Update) error {
	f.attempts.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return errors.New("connection reset")
	}
	f.sent = append(f.sent, u)
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) sentUpdates() []protocol.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Update(nil), f.sent...)
}

func (f *fakeTransport) leftLobbies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leaves...)
}

type fakeSelf struct {
	mu     sync.Mutex
	snap   world.Snapshot
	posing bool
}

func (f *fakeSelf) CurrentWorldSnapshot() world.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSelf) IsInPosingMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posing
}

type hints struct {
	mu   sync.Mutex
	last string
}

func (h *hints) SaveLastLobbyID(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = id
	return nil
}

func (h *hints) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

type notes map[string]string

func (n notes) NoteFor(uid string) (string, bool) {
	v, ok := n[uid]
	return v, ok
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingPoser struct {
	poses      atomic.Int32
	transforms atomic.Int32
	spawns     atomic.Int32

	failTransforms atomic.Bool
}

func (p *countingPoser) Available() bool { return true }

func (p *countingPoser) SpawnProxy(ctx context.Context) (chara.EntityHandle, error) {
	p.spawns.Add(1)
	return 900, nil
}

func (p *countingPoser) ApplyPose(ctx context.Context, h chara.EntityHandle, pl chara.Payload) error {
	p.poses.Add(1)
	return nil
}

func (p *countingPoser) ApplyFullTransform(ctx context.Context, h chara.EntityHandle, w world.Snapshot, pl chara.Payload) error {
	p.transforms.Add(1)
	if p.failTransforms.Load() {
		return errors.New("transform rejected")
	}
	return nil
}

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func at(x, z float64, mapID, serverID, instanceID uint32) world.Snapshot {
	return world.New(mgl64.Vec3{x, 0, z}, 0, mapID, serverID, instanceID, epoch)
}

type harness struct {
	s     *Session
	tr    *fakeTransport
	self  *fakeSelf
	hints *hints
	clock *clock
	poser *countingPoser
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		tr:    newFakeTransport(),
		self:  &fakeSelf{snap: at(0, 0, 132, 40, 1), posing: true},
		hints: &hints{},
		clock: &clock{t: epoch},
		poser: &countingPoser{},
	}
	cfg := Config{
		Self:         alice,
		Transport:    h.tr,
		SelfState:    h.self,
		Hints:        h.hints,
		Applier:      apply.NewCoordinator(h.poser, nil),
		PushInterval: time.Hour,
		StaleAfter:   time.Minute,
		Now:          h.clock.now,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.s = NewSession(ctx, cfg)
	t.Cleanup(func() {
		h.s.Close()
		cancel()
	})
	return h
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) view(t *testing.T) View {
	t.Helper()
	v, err := h.s.View(ctxT(t))
	require.NoError(t, err)
	return v
}

func (h *harness) member(t *testing.T, uid string) MemberView {
	t.Helper()
	m, ok := h.view(t).Member(uid)
	require.True(t, ok, "member %s missing", uid)
	return m
}

// deliver hands one event to the loop. Because the channel is unbuffered the
// next inbox message is processed after it.
func (h *harness) deliver(t *testing.T, ev Event) {
	t.Helper()
	select {
	case h.tr.events <- ev:
	case <-time.After(time.Second):
		t.Fatalf("loop did not take event %+v", ev)
	}
}

func (h *harness) update(t *testing.T, from chara.UserID, version uint64, data string, w *world.Snapshot) {
	t.Helper()
	u := protocol.Update{Version: version, World: w}
	if data != "" {
		p := chara.NewPayload(from, version, []byte(data))
		u.Payload = &p
	}
	h.deliver(t, Event{Kind: EventUpdate, Lobby: "L1", User: from, Update: u})
}

func TestSession_CreateHasOnlySelf(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Create(ctxT(t)))

	v := h.view(t)
	assert.Equal(t, StateActive, v.State)
	assert.Equal(t, "NEW1", v.LobbyID)
	require.Len(t, v.Members, 1)
	assert.True(t, v.Members[0].IsSelf)
	assert.Empty(t, v.Others())

	// becoming active pushes right away
	require.Eventually(t, func() bool { return len(h.tr.sentUpdates()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, h.tr.sentUpdates()[0].World)
}

func TestSession_JoinUnknownLobbyStaysIdle(t *testing.T) {
	h := newHarness(t, nil)

	err := h.s.Join(ctxT(t), "nope")
	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "nope", je.LobbyID)
	assert.ErrorIs(t, err, errNoSuchLobby)

	v := h.view(t)
	assert.Equal(t, StateIdle, v.State)
	assert.Empty(t, v.Members)
}

func TestSession_JoinValidation(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.s.Join(ctxT(t), "   "), ErrEmptyLobbyID)
	assert.ErrorIs(t, h.s.Rejoin(ctxT(t)), ErrNoLastLobby)

	require.NoError(t, h.s.Join(ctxT(t), " L1 "))
	assert.ErrorIs(t, h.s.Create(ctxT(t)), ErrNotIdle)
	assert.ErrorIs(t, h.s.Join(ctxT(t), "L1"), ErrNotIdle)
}

func TestSession_JoinListsSelfAndOthers(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	v := h.view(t)
	require.Len(t, v.Members, 2)
	assert.True(t, v.Members[0].IsSelf, "self sorts first")
	assert.Equal(t, bob.UID, v.Members[1].User.UID)
}

func TestSession_OlderUpdateNeverReplacesNewer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	w2 := at(5, 0, 132, 40, 1)
	w1 := at(99, 0, 132, 40, 1)
	h.update(t, bob, 2, "v2", &w2)
	h.update(t, bob, 1, "v1", &w1)

	m := h.member(t, bob.UID)
	assert.True(t, m.HasPayload)
	assert.EqualValues(t, 2, m.PayloadVersion)
	require.NotNil(t, m.World)
	assert.InDelta(t, 5.0, m.World.Position.X(), 1e-9)
	assert.InDelta(t, 5.0, m.Distance, 1e-9)
}

func TestSession_AnyDeliveryOrderConverges(t *testing.T) {
	perms := [][]uint64{{1, 2, 3}, {1, 3, 2}, {2, 1, 3}, {2, 3, 1}, {3, 1, 2}, {3, 2, 1}}

	for _, order := range perms {
		h := newHarness(t, nil)
		require.NoError(t, h.s.Join(ctxT(t), "L1"))

		for _, v := range order {
			w := at(float64(v), 0, 132, 40, 1)
			// even versions carry only a position
			data := ""
			if v%2 == 1 {
				data = "data"
			}
			h.update(t, bob, v, data, &w)
		}

		m := h.member(t, bob.UID)
		assert.EqualValues(t, 3, m.PayloadVersion, "order %v", order)
		assert.InDelta(t, 3.0, m.World.Position.X(), 1e-9, "order %v", order)
	}
}

func TestSession_CorruptPayloadIgnored(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	p := chara.NewPayload(bob, 4, []byte("good"))
	p.Data = []byte("tampered")
	h.deliver(t, Event{Kind: EventUpdate, Lobby: "L1", User: bob, Update: protocol.Update{Version: 4, Payload: &p}})

	assert.False(t, h.member(t, bob.UID).HasPayload)
}

func TestSession_LeaveNeedsConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	require.ErrorIs(t, h.s.Leave(ctxT(t), false), ErrLeaveNotConfirmed)
	assert.Equal(t, StateActive, h.view(t).State)

	require.NoError(t, h.s.Leave(ctxT(t), true))
	v := h.view(t)
	assert.Equal(t, StateIdle, v.State)
	assert.Empty(t, v.LobbyID)
	assert.Empty(t, v.Members)
	assert.Equal(t, "L1", v.LastLobbyID)
	assert.Equal(t, "L1", h.hints.get())
	require.Eventually(t, func() bool { return len(h.tr.leftLobbies()) == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.s.Leave(ctxT(t), true), ErrNotActive)
	assert.ErrorIs(t, h.s.PushNow(ctxT(t)), ErrNotActive)
}

func TestSession_LeaveCancelsInFlightPush(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.mu.Lock()
	h.tr.gate = make(chan struct{}) // never opened
	h.tr.mu.Unlock()

	require.NoError(t, h.s.Join(ctxT(t), "L1"))
	require.Eventually(t, func() bool { return h.tr.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan error, 1)
	h.s.Inbox() <- PushNow{Reply: queued}
	require.NoError(t, h.s.Leave(ctxT(t), true))

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, ErrNotActive)
	case <-time.After(time.Second):
		t.Fatal("queued push was never answered")
	}
	assert.Never(t, func() bool { return h.tr.attempts.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, h.tr.sentUpdates())
}

func TestSession_LeaveAnswersPushWaiterInFlight(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))
	require.Eventually(t, func() bool { return len(h.tr.sentUpdates()) == 1 }, time.Second, 5*time.Millisecond)

	h.tr.mu.Lock()
	h.tr.gate = make(chan struct{}) // never opened
	h.tr.mu.Unlock()

	riding := make(chan error, 1)
	h.s.Inbox() <- PushNow{Reply: riding}
	require.Eventually(t, func() bool { return h.tr.attempts.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.s.Leave(ctxT(t), true))

	select {
	case err := <-riding:
		assert.ErrorIs(t, err, ErrNotActive)
	case <-time.After(time.Second):
		t.Fatal("push waiter was never answered")
	}
	assert.Len(t, h.tr.sentUpdates(), 1)
}

func TestSession_RejoinLastLobby(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LastLobbyID = "L1" })

	assert.Equal(t, "L1", h.view(t).LastLobbyID)
	require.NoError(t, h.s.Rejoin(ctxT(t)))
	v := h.view(t)
	assert.Equal(t, StateActive, v.State)
	assert.Equal(t, "L1", v.LobbyID)
}

func TestSession_PushesCoalesce(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.tr.mu.Lock()
	h.tr.gate = gate
	h.tr.mu.Unlock()

	require.NoError(t, h.s.Join(ctxT(t), "L1"))
	require.Eventually(t, func() bool { return h.tr.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)

	replies := make([]chan error, 3)
	for i := range replies {
		replies[i] = make(chan error, 1)
		h.s.Inbox() <- PushNow{Reply: replies[i]}
	}
	// the view is answered only after the three requests were handled
	h.view(t)
	close(gate)

	for _, r := range replies {
		select {
		case err := <-r:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("push reply never arrived")
		}
	}
	require.Eventually(t, func() bool { return len(h.tr.sentUpdates()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.tr.attempts.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	sent := h.tr.sentUpdates()
	assert.Less(t, sent[0].Version, sent[1].Version)
}

func TestSession_FailedPushRetriedOnNextTick(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PushInterval = 10 * time.Millisecond })
	h.tr.failSends = 2

	require.NoError(t, h.s.SetLocalData(ctxT(t), []byte("glamour")))
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	require.Eventually(t, func() bool { return len(h.tr.sentUpdates()) > 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.tr.attempts.Load(), int32(3))

	// data that never made it out is still carried by the first successful push
	first := h.tr.sentUpdates()[0]
	require.NotNil(t, first.Payload)
	assert.Equal(t, []byte("glamour"), first.Payload.Data)
	assert.Equal(t, alice.UID, first.Payload.Producer.UID)
}

func TestSession_PayloadOnlySentWhenChanged(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.SetLocalData(ctxT(t), []byte("a")))
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	require.NoError(t, h.s.PushNow(ctxT(t)))
	require.NoError(t, h.s.PushNow(ctxT(t)))
	require.NoError(t, h.s.SetLocalData(ctxT(t), []byte("b")))
	require.NoError(t, h.s.PushNow(ctxT(t)))

	sent := h.tr.sentUpdates()
	require.Len(t, sent, 4)
	assert.NotNil(t, sent[0].Payload)
	assert.Nil(t, sent[1].Payload)
	assert.Nil(t, sent[2].Payload)
	require.NotNil(t, sent[3].Payload)
	assert.Equal(t, []byte("b"), sent[3].Payload.Data)
	for _, u := range sent {
		assert.NotNil(t, u.World)
	}
}

func TestSession_NewMemberTriggersPush(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))
	require.Eventually(t, func() bool { return len(h.tr.sentUpdates()) == 1 }, time.Second, 5*time.Millisecond)

	h.deliver(t, Event{Kind: EventMemberJoined, Lobby: "L1", User: carol})
	require.Eventually(t, func() bool { return len(h.tr.sentUpdates()) == 2 }, time.Second, 5*time.Millisecond)

	_, ok := h.view(t).Member(carol.UID)
	assert.True(t, ok)

	h.deliver(t, Event{Kind: EventMemberLeft, Lobby: "L1", User: carol})
	_, ok = h.view(t).Member(carol.UID)
	assert.False(t, ok)
}

func TestSession_RestartedPeerStartsOverAtVersionOne(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	h.update(t, bob, 5, "before restart", nil)
	assert.Equal(t, uint64(5), h.member(t, bob.UID).PayloadVersion)

	// the relay announces a reconnect as leave then join
	h.deliver(t, Event{Kind: EventMemberLeft, Lobby: "L1", User: bob})
	h.deliver(t, Event{Kind: EventMemberJoined, Lobby: "L1", User: bob})
	assert.False(t, h.member(t, bob.UID).HasPayload)

	h.update(t, bob, 1, "after restart", nil)
	m := h.member(t, bob.UID)
	assert.True(t, m.HasPayload)
	assert.Equal(t, uint64(1), m.PayloadVersion)
}

func TestSession_ForeignAndSelfEventsDropped(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	p := chara.NewPayload(bob, 1, []byte("x"))
	h.deliver(t, Event{Kind: EventUpdate, Lobby: "OTHER", User: bob, Update: protocol.Update{Version: 1, Payload: &p}})
	h.deliver(t, Event{Kind: EventMemberJoined, Lobby: "OTHER", User: carol})
	h.deliver(t, Event{Kind: EventMemberLeft, Lobby: "L1", User: alice})
	h.update(t, carol, 1, "not a member", nil)

	v := h.view(t)
	require.Len(t, v.Members, 2)
	m, _ := v.Member(bob.UID)
	assert.False(t, m.HasPayload)
	_, ok := v.Member(alice.UID)
	assert.True(t, ok)
}

func TestSession_AssignmentIsLocalOnly(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Transport.(*fakeTransport).lobbies["L1"] = []chara.UserID{bob, carol}
	})
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	require.NoError(t, h.s.Assign(ctxT(t), bob.UID, 42, "Minion"))
	w := at(1, 1, 132, 40, 1)
	h.update(t, bob, 3, "fresh", &w)

	m := h.member(t, bob.UID)
	assert.Equal(t, chara.EntityHandle(42), m.Entity)
	assert.Equal(t, "Minion", m.EntityName)

	// the same entity moves to carol
	require.NoError(t, h.s.Assign(ctxT(t), carol.UID, 42, "Minion"))
	assert.False(t, h.member(t, bob.UID).Entity.Valid())
	assert.Equal(t, chara.EntityHandle(42), h.member(t, carol.UID).Entity)

	require.NoError(t, h.s.Unassign(ctxT(t), carol.UID))
	assert.False(t, h.member(t, carol.UID).Entity.Valid())

	assert.ErrorIs(t, h.s.Assign(ctxT(t), alice.UID, 7, "me"), ErrSelfMember)
	assert.ErrorIs(t, h.s.Assign(ctxT(t), "ghost", 7, ""), ErrUnknownMember)
	assert.ErrorIs(t, h.s.Assign(ctxT(t), bob.UID, chara.NoEntity, ""), ErrUnknownMember)
}

func TestSession_ApplyIsIdempotentPerVersion(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))
	require.NoError(t, h.s.Assign(ctxT(t), bob.UID, 7, "Stand-in"))

	w := at(3, 4, 132, 40, 1)
	h.update(t, bob, 1, "pose", &w)
	m := h.member(t, bob.UID)
	assert.True(t, m.CanApply)
	assert.False(t, m.UpToDate)

	require.NoError(t, h.s.ApplyMember(ctxT(t), bob.UID))
	require.NoError(t, h.s.ApplyMember(ctxT(t), bob.UID))
	assert.EqualValues(t, 1, h.poser.poses.Load())

	m = h.member(t, bob.UID)
	assert.True(t, m.UpToDate)
	assert.False(t, m.CanApply)

	h.update(t, bob, 2, "new pose", nil)
	m = h.member(t, bob.UID)
	assert.False(t, m.UpToDate)
	assert.True(t, m.CanApply)
}

func TestSession_ApplyPreconditions(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	assert.ErrorIs(t, h.s.ApplyMember(ctxT(t), bob.UID), ErrNoPayload)
	h.update(t, bob, 1, "pose", nil)
	assert.ErrorIs(t, h.s.ApplyMember(ctxT(t), bob.UID), apply.ErrInvalidTarget)
	assert.ErrorIs(t, h.s.ApplyMember(ctxT(t), "ghost"), ErrUnknownMember)

	h.self.mu.Lock()
	h.self.posing = false
	h.self.mu.Unlock()
	assert.ErrorIs(t, h.s.ApplyMember(ctxT(t), bob.UID), ErrNotPosing)
	assert.False(t, h.member(t, bob.UID).CanSpawn)
	assert.EqualValues(t, 0, h.poser.poses.Load())
}

func TestSession_SpawnRefusedInSameInstance(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	same := at(2, 2, 132, 40, 1)
	h.update(t, bob, 1, "pose", &same)
	assert.False(t, h.member(t, bob.UID).CanSpawn)
	assert.ErrorIs(t, h.s.SpawnAndApplyMember(ctxT(t), bob.UID), ErrSameInstance)
	assert.EqualValues(t, 0, h.poser.spawns.Load())

	elsewhere := at(2, 2, 132, 40, 2)
	h.update(t, bob, 2, "pose", &elsewhere)
	m := h.member(t, bob.UID)
	assert.True(t, m.CanSpawn)
	assert.True(t, m.Match.SameMap)
	assert.False(t, m.Match.SameInstance)

	require.NoError(t, h.s.SpawnAndApplyMember(ctxT(t), bob.UID))
	assert.EqualValues(t, 1, h.poser.spawns.Load())
	assert.EqualValues(t, 1, h.poser.transforms.Load())

	m = h.member(t, bob.UID)
	assert.Equal(t, chara.EntityHandle(900), m.Entity)
	assert.True(t, m.UpToDate)
}

func TestSession_FailedTransformKeepsSpawnedProxy(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))
	h.poser.failTransforms.Store(true)

	elsewhere := at(2, 2, 132, 40, 2)
	h.update(t, bob, 1, "pose", &elsewhere)
	require.Error(t, h.s.SpawnAndApplyMember(ctxT(t), bob.UID))
	assert.EqualValues(t, 1, h.poser.spawns.Load())

	m := h.member(t, bob.UID)
	assert.Equal(t, chara.EntityHandle(900), m.Entity, "the proxy is not orphaned")
	assert.False(t, m.UpToDate)
	assert.True(t, m.CanApply)

	require.NoError(t, h.s.ApplyMember(ctxT(t), bob.UID))
	assert.EqualValues(t, 1, h.poser.spawns.Load())
	assert.EqualValues(t, 1, h.poser.poses.Load())
	assert.True(t, h.member(t, bob.UID).UpToDate)
}

func TestSession_StaleWorld(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	w := at(1, 0, 132, 40, 1)
	h.update(t, bob, 1, "", &w)
	assert.False(t, h.member(t, bob.UID).Stale)

	h.clock.advance(2 * time.Minute)
	m := h.member(t, bob.UID)
	assert.True(t, m.Stale)
	assert.NotEmpty(t, m.WorldDescription)
}

func TestSession_NotesDecorateDisplayName(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Notes = notes{bob.UID: "Best healer"} })
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	m := h.member(t, bob.UID)
	assert.Equal(t, "Best healer", m.Note)
	assert.Equal(t, "Best healer (Bob)", m.DisplayName)
}

func TestSession_CloseSavesHintAndRejectsCalls(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Join(ctxT(t), "L1"))

	h.s.Close()
	require.Eventually(t, func() bool { return h.hints.get() == "L1" }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.s.Create(ctxT(t)), ErrClosed)
}
