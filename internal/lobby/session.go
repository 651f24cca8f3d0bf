package lobby

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	}
	return "unknown"
}

const (
	DefaultPushInterval = 15 * time.Second
	DefaultStaleAfter   = 60 * time.Second
	opTimeout           = 10 * time.Second
	maxEarlyEvents      = 256
)

type Config struct {
	Self         chara.UserID
	Transport    Transport
	SelfState    SelfProvider
	Notes        NoteLookup // optional
	Hints        HintStore  // optional
	Applier      Applier    // optional; without it nothing is ever up to date
	Matcher      world.Matcher
	PushInterval time.Duration
	StaleAfter   time.Duration
	LastLobbyID  string // restored hint
	Logger       *zap.Logger
	Now          func() time.Time
}

// Session is the local client's view of one GPose lobby. All state is owned
// by the loop goroutine; everything else talks to it through the inbox.
type Session struct {
	cfg    Config
	logger *zap.Logger
	inbox  chan Msg
	events <-chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state       State
	lobbyID     string
	lastLobbyID string
	members     map[string]*UserState
	early       []Event // events that raced ahead of a join reply

	// outbound
	version     uint64
	localData   []byte
	dataGen     uint64
	dirty       bool
	pushing     bool
	pushQueued  bool
	pushWaiters []chan error
	inflight    []chan error
	pushGen     uint64
	pushCtx     context.Context
	pushCancel  context.CancelFunc
}

func NewSession(parent context.Context, cfg Config) *Session {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		cfg:         cfg,
		logger:      logging.OrNop(cfg.Logger).Named("lobby"),
		inbox:       make(chan Msg, 64),
		events:      cfg.Transport.Events(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		lastLobbyID: cfg.LastLobbyID,
		members:     make(map[string]*UserState),
	}

	go s.loop()
	return s
}

// Inbox exposes the session's message queue.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.handleEvent(ev)

		case <-ticker.C:
			if s.state == StateActive {
				s.requestPush(nil)
			}

		case m := <-s.inbox:
			if _, stop := m.(Shutdown); stop {
				s.shutdown()
				s.cancel()
				return
			}
			s.handle(m)
		}
	}
}

func (s *Session) handle(m Msg) {
	switch msg := m.(type) {
	case Create:
		if err := s.checkIdle(); err != nil {
			reply(msg.Reply, err)
			return
		}
		s.state = StateJoining
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
			defer cancel()
			id, err := s.cfg.Transport.CreateLobby(ctx)
			s.post(createDone{lobbyID: id, err: err, reply: msg.Reply})
		}()

	case Join:
		s.startJoin(msg.LobbyID, msg.Reply)

	case Rejoin:
		if s.lastLobbyID == "" {
			reply(msg.Reply, ErrNoLastLobby)
			return
		}
		s.startJoin(s.lastLobbyID, msg.Reply)

	case createDone:
		if msg.err != nil {
			s.state = StateIdle
			s.early = nil
			s.logger.Info("create lobby failed", zap.Error(msg.err))
			reply(msg.reply, &TransportError{Op: "create lobby", Err: msg.err})
			return
		}
		s.becomeActive(msg.lobbyID, nil)
		reply(msg.reply, nil)

	case joinDone:
		if msg.err != nil {
			s.state = StateIdle
			s.early = nil
			s.logger.Info("join lobby failed", zap.String("lobby", msg.lobbyID), zap.Error(msg.err))
			reply(msg.reply, &JoinError{LobbyID: msg.lobbyID, Err: msg.err})
			return
		}
		s.becomeActive(msg.lobbyID, msg.members)
		reply(msg.reply, nil)

	case Leave:
		if s.state != StateActive {
			reply(msg.Reply, ErrNotActive)
			return
		}
		if !msg.Confirmed {
			reply(msg.Reply, ErrLeaveNotConfirmed)
			return
		}
		s.leave()
		reply(msg.Reply, nil)

	case PushNow:
		if s.state != StateActive {
			reply(msg.Reply, ErrNotActive)
			return
		}
		s.requestPush(msg.Reply)

	case pushDone:
		s.finishPush(msg)

	case SetLocalData:
		s.localData = msg.Data
		s.dataGen++
		s.dirty = true

	case Assign:
		reply(msg.Reply, s.assign(msg))

	case Unassign:
		m, err := s.assignable(msg.UID)
		if err == nil {
			m.Entity = chara.NoEntity
			m.EntityName = ""
		}
		reply(msg.Reply, err)

	case GetView:
		msg.Reply <- s.view()

	case GetMember:
		m, ok := s.members[msg.UID]
		if !ok {
			msg.Reply <- MemberReply{}
			return
		}
		msg.Reply <- MemberReply{Member: m.clone(), OK: true}
	}
}

func (s *Session) checkIdle() error {
	switch s.state {
	case StateJoining:
		return ErrBusy
	case StateActive:
		return ErrNotIdle
	}
	return nil
}

func (s *Session) startJoin(lobbyID string, r chan error) {
	lobbyID = strings.TrimSpace(lobbyID)
	if err := s.checkIdle(); err != nil {
		reply(r, err)
		return
	}
	if lobbyID == "" {
		reply(r, &JoinError{LobbyID: lobbyID, Err: ErrEmptyLobbyID})
		return
	}
	s.state = StateJoining
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
		defer cancel()
		members, err := s.cfg.Transport.JoinLobby(ctx, lobbyID)
		s.post(joinDone{lobbyID: lobbyID, members: members, err: err, reply: r})
	}()
}

func (s *Session) becomeActive(lobbyID string, members []chara.UserID) {
	s.state = StateActive
	s.lobbyID = lobbyID
	clear(s.members)
	s.members[s.cfg.Self.UID] = newUserState(s.cfg.Self)
	for _, u := range members {
		if u.Is(s.cfg.Self) || u.IsZero() {
			continue
		}
		s.members[u.UID] = newUserState(u)
	}
	s.pushCtx, s.pushCancel = context.WithCancel(s.ctx)
	s.logger.Info("lobby active", zap.String("lobby", lobbyID), zap.Int("members", len(s.members)))

	early := s.early
	s.early = nil
	for _, ev := range early {
		s.handleEvent(ev)
	}

	s.dirty = true
	s.requestPush(nil)
}

func (s *Session) leave() {
	id := s.lobbyID
	s.cancelPush(ErrNotActive)

	s.state = StateIdle
	s.lobbyID = ""
	s.lastLobbyID = id
	clear(s.members)
	s.saveHint(id)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), opTimeout)
		defer cancel()
		if err := s.cfg.Transport.LeaveLobby(ctx, id); err != nil {
			s.logger.Warn("leave lobby", zap.String("lobby", id), zap.Error(err))
		}
	}()
	s.logger.Info("left lobby", zap.String("lobby", id))
}

func (s *Session) saveHint(id string) {
	if s.cfg.Hints == nil || id == "" {
		return
	}
	if err := s.cfg.Hints.SaveLastLobbyID(id); err != nil {
		s.logger.Warn("save last lobby id", zap.Error(err))
	}
}

func (s *Session) handleEvent(ev Event) {
	if s.state == StateJoining {
		if len(s.early) < maxEarlyEvents {
			s.early = append(s.early, ev)
		}
		return
	}
	if s.state != StateActive || ev.Lobby != s.lobbyID {
		s.logger.Debug("dropping event for inactive lobby", zap.String("lobby", ev.Lobby))
		return
	}
	if ev.User.Is(s.cfg.Self) || ev.User.IsZero() {
		return
	}

	switch ev.Kind {
	case EventMemberJoined:
		if _, ok := s.members[ev.User.UID]; ok {
			return
		}
		s.members[ev.User.UID] = newUserState(ev.User)
		s.logger.Debug("member joined", zap.String("user", ev.User.UID))
		// the newcomer has none of our data yet
		s.dirty = true
		s.requestPush(nil)

	case EventMemberLeft:
		delete(s.members, ev.User.UID)
		s.logger.Debug("member left", zap.String("user", ev.User.UID))

	case EventUpdate:
		m, ok := s.members[ev.User.UID]
		if !ok {
			s.logger.Debug("update from unknown member", zap.String("user", ev.User.UID))
			return
		}
		gotPayload, gotWorld := m.accept(ev.Update, m.User, s.cfg.Now())
		if !gotPayload && !gotWorld {
			s.logger.Debug("stale update dropped", zap.String("user", ev.User.UID),
				zap.Uint64("version", ev.Update.Version))
		}
	}
}

func (s *Session) assignable(uid string) (*UserState, error) {
	if s.state != StateActive {
		return nil, ErrNotActive
	}
	if uid == s.cfg.Self.UID {
		return nil, ErrSelfMember
	}
	m, ok := s.members[uid]
	if !ok {
		return nil, ErrUnknownMember
	}
	return m, nil
}

func (s *Session) assign(msg Assign) error {
	m, err := s.assignable(msg.UID)
	if err != nil {
		return err
	}
	if !msg.Entity.Valid() {
		return ErrUnknownMember
	}
	// one entity represents at most one member
	for _, other := range s.members {
		if other != m && other.Entity == msg.Entity {
			other.Entity = chara.NoEntity
			other.EntityName = ""
		}
	}
	m.Entity = msg.Entity
	m.EntityName = msg.Name
	return nil
}

// push coalescing: at most one push in flight, later requests fold into one
// follow-up push.

func (s *Session) requestPush(r chan error) {
	if r != nil {
		s.pushWaiters = append(s.pushWaiters, r)
	}
	if s.pushing {
		s.pushQueued = true
		return
	}
	s.startPush()
}

func (s *Session) startPush() {
	s.version++
	u := protocol.Update{Version: s.version}
	w := s.cfg.SelfState.CurrentWorldSnapshot().Normalized()
	u.World = &w
	if s.dirty && s.localData != nil {
		p := chara.NewPayload(s.cfg.Self, s.version, s.localData)
		u.Payload = &p
	}

	done := pushDone{gen: s.pushGen, dataGen: s.dataGen, hadPayload: u.Payload != nil}
	s.inflight = s.pushWaiters
	s.pushWaiters = nil
	s.pushing = true

	lobbyID := s.lobbyID
	ctx, cancel := context.WithTimeout(s.pushCtx, opTimeout)
	go func() {
		defer cancel()
		done.err = s.cfg.Transport.SendUpdate(ctx, lobbyID, u)
		s.post(done)
	}()
}

func (s *Session) finishPush(d pushDone) {
	if d.gen != s.pushGen {
		// cancelled by leave
		return
	}
	s.pushing = false

	var err error
	if d.err != nil {
		err = &TransportError{Op: "push update", Err: d.err}
		s.logger.Warn("push failed, retrying on next tick", zap.String("lobby", s.lobbyID), zap.Error(d.err))
	} else if d.hadPayload && d.dataGen == s.dataGen {
		s.dirty = false
	}
	for _, w := range s.inflight {
		reply(w, err)
	}
	s.inflight = nil

	if s.pushQueued && s.state == StateActive {
		s.pushQueued = false
		s.startPush()
	}
}

func (s *Session) cancelPush(err error) {
	if s.pushCancel != nil {
		s.pushCancel()
	}
	s.pushGen++
	s.pushing = false
	s.pushQueued = false
	for _, w := range s.inflight {
		reply(w, err)
	}
	for _, w := range s.pushWaiters {
		reply(w, err)
	}
	s.inflight = nil
	s.pushWaiters = nil
}

func (s *Session) view() View {
	v := View{
		State:        s.state,
		LobbyID:      s.lobbyID,
		LastLobbyID:  s.lastLobbyID,
		InPosingMode: s.cfg.SelfState.IsInPosingMode(),
		Members:      make([]MemberView, 0, len(s.members)),
	}
	if len(s.members) == 0 {
		return v
	}

	self := s.cfg.SelfState.CurrentWorldSnapshot()
	now := s.cfg.Now()
	for _, m := range s.members {
		v.Members = append(v.Members, s.memberView(m, self, v.InPosingMode, now))
	}
	slices.SortFunc(v.Members, func(a, b MemberView) int {
		if a.IsSelf != b.IsSelf {
			if a.IsSelf {
				return -1
			}
			return 1
		}
		return strings.Compare(a.User.UID, b.User.UID)
	})
	return v
}

func (s *Session) memberView(m *UserState, self world.Snapshot, posing bool, now time.Time) MemberView {
	mv := MemberView{
		User:        m.User,
		IsSelf:      m.User.Is(s.cfg.Self),
		DisplayName: m.User.AliasOrUID(),
		Entity:      m.Entity,
		EntityName:  m.EntityName,
	}
	if s.cfg.Notes != nil {
		if note, ok := s.cfg.Notes.NoteFor(m.User.UID); ok && note != "" {
			mv.Note = note
			mv.DisplayName = note + " (" + m.User.AliasOrUID() + ")"
		}
	}
	if mv.IsSelf {
		w := self
		mv.World = &w
		mv.Match = world.Match{SameMap: true, SameServer: true, SameInstance: true}
		return mv
	}

	if m.Payload != nil {
		mv.HasPayload = true
		mv.PayloadVersion = m.Payload.Version
	}
	if m.World != nil {
		w := *m.World
		mv.World = &w
		mv.WorldDescription = world.Describe(w, now)
		mv.Match = s.cfg.Matcher.Compare(self, w)
		mv.Distance = world.Distance(self, w)
		mv.Stale = now.Sub(m.worldReceivedAt) > s.cfg.StaleAfter
	}
	if mv.HasPayload && m.Entity.Valid() && s.cfg.Applier != nil {
		mv.UpToDate = s.cfg.Applier.IsAppliedFrom(m.Entity, m.User.UID, mv.PayloadVersion)
	}
	mv.CanApply = posing && mv.HasPayload && m.Entity.Valid() && !mv.UpToDate
	mv.CanSpawn = posing && mv.HasPayload && mv.World != nil && !mv.Match.SameInstance
	return mv
}

func (s *Session) shutdown() {
	s.cancelPush(ErrClosed)
	if s.state == StateActive {
		s.saveHint(s.lobbyID)
	}
}

func (s *Session) post(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
