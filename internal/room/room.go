package room

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
)

var ErrRoomClosed = errors.New("room: closed")
var ErrNotMember = errors.New("room: sender is not a member")

type Msg interface{ isRoomMsg() }

type Join struct {
	User   chara.UserID
	ConnID string
	Outbox chan Event // closed by the room if the connection falls behind
	Reply  chan []chara.UserID
}

type Leave struct {
	UID    string
	ConnID string
}

type Publish struct {
	From   chara.UserID
	ConnID string
	Update protocol.Update
	Reply  chan error
}

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

func (Join) isRoomMsg()     {}
func (Leave) isRoomMsg()    {}
func (Publish) isRoomMsg()  {}
func (GetState) isRoomMsg() {}
func (Shutdown) isRoomMsg() {}

// Event is what a member's connection gets to write out. Kind is one of the
// protocol relay->client message types.
type Event struct {
	Kind   string
	Lobby  string
	User   chara.UserID
	Update protocol.Update
}

type View struct {
	ID         string
	NumClients int
	Members    []chara.UserID
}

type member struct {
	user   chara.UserID
	connID string
	outbox chan Event
}

// Room is one lobby on the relay. It only relays; it never looks inside an
// update.
type Room struct {
	id        string
	inbox     chan Msg
	members   map[string]*member
	occupied  bool // someone has joined at least once
	idleAfter time.Duration
	onClose   func(id string, r *Room)
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

type Options struct {
	// IdleAfter closes a room nobody joined. Zero keeps it until Shutdown.
	IdleAfter time.Duration
	// OnClose runs on the room goroutine once the room stops.
	OnClose func(id string, r *Room)
	Logger  *zap.Logger
}

func New(parent context.Context, id string, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		id:        id,
		inbox:     make(chan Msg, 64),
		members:   make(map[string]*member),
		idleAfter: opts.IdleAfter,
		onClose:   opts.OnClose,
		logger:    logging.OrNop(opts.Logger).Named("room").With(zap.String("lobby", id)),
		ctx:       ctx,
		cancel:    cancel,
	}

	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Inbox exposes the inbox so tests or the WS layer can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room has stopped.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	var idle <-chan time.Time
	if r.idleAfter > 0 {
		t := time.NewTimer(r.idleAfter)
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-idle:
			if len(r.members) == 0 {
				r.logger.Debug("closing idle room")
				r.shutdown()
				return
			}

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.join(msg)

			case Leave:
				cur, ok := r.members[msg.UID]
				if !ok || cur.connID != msg.ConnID {
					break
				}
				delete(r.members, msg.UID)
				r.broadcast(Event{Kind: protocol.MsgMemberLeft, Lobby: r.id, User: cur.user}, "")

			case Publish:
				cur, ok := r.members[msg.From.UID]
				if !ok || cur.connID != msg.ConnID {
					msg.Reply <- ErrNotMember
					break
				}
				r.broadcast(Event{Kind: protocol.MsgUpdate, Lobby: r.id, User: cur.user, Update: msg.Update}, msg.From.UID)
				msg.Reply <- nil

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}

			// rooms vanish with their last member
			if r.occupied && len(r.members) == 0 {
				r.logger.Debug("last member gone")
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) join(msg Join) {
	prev, rejoin := r.members[msg.User.UID]
	if rejoin && prev.connID != msg.ConnID {
		// same account from a new connection: the old seat goes away and the
		// others see a fresh member, so they restart its version tracking
		r.logger.Debug("member reconnected", zap.String("user", msg.User.UID))
		close(prev.outbox)
		delete(r.members, msg.User.UID)
		r.broadcast(Event{Kind: protocol.MsgMemberLeft, Lobby: r.id, User: prev.user}, "")
		rejoin = false
	}
	r.members[msg.User.UID] = &member{user: msg.User, connID: msg.ConnID, outbox: msg.Outbox}
	r.occupied = true

	msg.Reply <- r.memberList()
	if !rejoin {
		r.broadcast(Event{Kind: protocol.MsgMemberJoined, Lobby: r.id, User: msg.User}, msg.User.UID)
	}
}

func (r *Room) memberList() []chara.UserID {
	out := make([]chara.UserID, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.user)
	}
	slices.SortFunc(out, func(a, b chara.UserID) int { return strings.Compare(a.UID, b.UID) })
	return out
}

func (r *Room) view() View {
	return View{ID: r.id, NumClients: len(r.members), Members: r.memberList()}
}

func (r *Room) shutdown() {
	r.cancel()
	for uid, m := range r.members {
		close(m.outbox)
		delete(r.members, uid)
	}
	if r.onClose != nil {
		r.onClose(r.id, r)
	}
}

// broadcast sends ev to every member except skipUID. Members whose outbox is
// full are dropped, told so by the closed channel, and announced as left to
// the rest.
func (r *Room) broadcast(ev Event, skipUID string) {
	pending := []Event{ev}
	for len(pending) > 0 {
		ev := pending[0]
		pending = pending[1:]
		for uid, m := range r.members {
			if uid == skipUID {
				continue
			}
			select {
			case m.outbox <- ev:
			default:
				r.logger.Info("dropping slow member", zap.String("user", uid))
				close(m.outbox)
				delete(r.members, uid)
				pending = append(pending, Event{Kind: protocol.MsgMemberLeft, Lobby: r.id, User: m.user})
			}
		}
		skipUID = ""
	}
}

// Blocking helpers for the connection handler.

func (r *Room) Join(ctx context.Context, user chara.UserID, connID string, outbox chan Event) ([]chara.UserID, error) {
	reply := make(chan []chara.UserID, 1)
	if err := r.send(ctx, Join{User: user, ConnID: connID, Outbox: outbox, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case members := <-reply:
		return members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrRoomClosed
	}
}

func (r *Room) Leave(ctx context.Context, uid, connID string) error {
	return r.send(ctx, Leave{UID: uid, ConnID: connID})
}

func (r *Room) Publish(ctx context.Context, from chara.UserID, connID string, u protocol.Update) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, Publish{From: from, ConnID: connID, Update: u, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRoomClosed
	}
}

func (r *Room) send(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRoomClosed
	}
}
