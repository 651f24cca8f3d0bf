package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/hub"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
	"github.com/DoyleJ11/gpose-together/internal/room"
)

const (
	writeTimeout = 3 * time.Second
	opTimeout    = 5 * time.Second
	readLimit    = 4 << 20 // character data can be large
)

type Options struct {
	Outbox         int // per-connection event buffer
	OriginPatterns []string
	// PingInterval and PingTimeout decide how soon a silent peer is
	// dropped. Idle peers that still answer pings stay connected.
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       *zap.Logger
}

// Handler upgrades /ws?uid=...&alias=... and relays lobby traffic for that
// user. A connection is in at most one lobby at a time.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	if opts.Outbox <= 0 {
		opts.Outbox = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	logger := logging.OrNop(opts.Logger).Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		user := chara.UserID{
			UID:   strings.TrimSpace(r.URL.Query().Get("uid")),
			Alias: strings.TrimSpace(r.URL.Query().Get("alias")),
		}
		if user.IsZero() {
			http.Error(w, "missing uid", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(readLimit)

		c := &client{
			hub:     h,
			conn:    conn,
			user:    user,
			connID:  uuid.NewString(),
			outSize: opts.Outbox,
			pingInt: opts.PingInterval,
			pingTO:  opts.PingTimeout,
			logger:  logger.With(zap.String("user", user.UID)),
		}
		c.logger.Debug("connected")
		c.serve(r.Context())
	}
}

type client struct {
	hub     *hub.Hub
	conn    *websocket.Conn
	user    chara.UserID
	connID  string
	outSize int
	pingInt time.Duration
	pingTO  time.Duration
	logger  *zap.Logger
	cancel  context.CancelFunc

	// owned by the read loop
	current *membership
}

// membership is the connection's seat in one room and the goroutine that
// forwards that room's events.
type membership struct {
	room   *room.Room
	cancel context.CancelFunc
}

func (c *client) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	defer c.leaveCurrent()
	go c.pingLoop(ctx)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					c.logger.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.replyError(ctx, "", protocol.CodeBadRequest, err.Error())
			continue
		}
		c.handle(ctx, env)
	}
}

// pingLoop closes the connection once the peer stops answering pings. Pongs
// are read by the read loop in serve.
func (c *client) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.pingInt)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.pingTO)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Info("peer stopped answering pings, closing connection", zap.Error(err))
					c.conn.Close(websocket.StatusGoingAway, "ping timeout")
					c.cancel()
				}
				return
			}
		}
	}
}

func (c *client) handle(ctx context.Context, env protocol.Envelope) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch env.T {
	case protocol.MsgCreate:
		if c.current != nil {
			c.replyError(ctx, env.Req, protocol.CodeBadRequest, "already in a lobby")
			return
		}
		rm, err := c.hub.Create(opCtx)
		if err != nil {
			c.logger.Warn("create lobby", zap.Error(err))
			c.replyError(ctx, env.Req, protocol.CodeInternal, "could not create lobby")
			return
		}
		if _, err := c.enter(ctx, opCtx, rm); err != nil {
			c.replyError(ctx, env.Req, protocol.CodeInternal, err.Error())
			return
		}
		c.reply(ctx, protocol.MsgCreated, env.Req, protocol.Created{Lobby: rm.ID()})

	case protocol.MsgJoin:
		msg, err := protocol.DecodePayload[protocol.Join](env)
		if err != nil || msg.Lobby == "" {
			c.replyError(ctx, env.Req, protocol.CodeBadRequest, "join needs a lobby id")
			return
		}
		if c.current != nil {
			c.replyError(ctx, env.Req, protocol.CodeBadRequest, "already in a lobby")
			return
		}
		rm, err := c.hub.Get(opCtx, msg.Lobby)
		if err != nil {
			c.replyLookupError(ctx, env.Req, msg.Lobby, err)
			return
		}
		members, err := c.enter(ctx, opCtx, rm)
		if err != nil {
			c.replyLookupError(ctx, env.Req, msg.Lobby, err)
			return
		}
		c.reply(ctx, protocol.MsgJoined, env.Req, protocol.Joined{Lobby: rm.ID(), Members: members})

	case protocol.MsgLeave:
		msg, _ := protocol.DecodePayload[protocol.Leave](env)
		if c.current == nil || (msg.Lobby != "" && msg.Lobby != c.current.room.ID()) {
			c.replyError(ctx, env.Req, protocol.CodeNotMember, "not in that lobby")
			return
		}
		id := c.current.room.ID()
		c.leaveCurrent()
		c.reply(ctx, protocol.MsgLeft, env.Req, protocol.Left{Lobby: id})

	case protocol.MsgPush:
		msg, err := protocol.DecodePayload[protocol.Push](env)
		if err != nil {
			c.replyError(ctx, env.Req, protocol.CodeBadRequest, err.Error())
			return
		}
		if c.current == nil || msg.Lobby != c.current.room.ID() {
			c.replyError(ctx, env.Req, protocol.CodeNotMember, "not in that lobby")
			return
		}
		if err := c.current.room.Publish(opCtx, c.user, c.connID, msg.Update); err != nil {
			if errors.Is(err, room.ErrNotMember) || errors.Is(err, room.ErrRoomClosed) {
				c.current.cancel()
				c.current = nil
				c.replyError(ctx, env.Req, protocol.CodeNotMember, err.Error())
				return
			}
			c.replyError(ctx, env.Req, protocol.CodeInternal, err.Error())
			return
		}
		c.reply(ctx, protocol.MsgAck, env.Req, nil)

	default:
		c.replyError(ctx, env.Req, protocol.CodeBadRequest, protocol.ErrUnknownType.Error()+": "+env.T)
	}
}

// enter joins rm with a fresh outbox. Outboxes are never reused since a room
// closes the one it drops.
func (c *client) enter(connCtx, opCtx context.Context, rm *room.Room) ([]chara.UserID, error) {
	out := make(chan room.Event, c.outSize)
	members, err := rm.Join(opCtx, c.user, c.connID, out)
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithCancel(connCtx)
	c.current = &membership{room: rm, cancel: cancel}
	go c.forward(mctx, rm, out)
	return members, nil
}

func (c *client) leaveCurrent() {
	if c.current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.current.room.Leave(ctx, c.user.UID, c.connID); err != nil && !errors.Is(err, room.ErrRoomClosed) {
		c.logger.Debug("leave", zap.Error(err))
	}
	c.current.cancel()
	c.current = nil
}

func (c *client) replyLookupError(ctx context.Context, req, lobby string, err error) {
	if errors.Is(err, hub.ErrLobbyNotFound) || errors.Is(err, room.ErrRoomClosed) {
		c.replyError(ctx, req, protocol.CodeLobbyNotFound, "lobby "+lobby+" not found")
		return
	}
	c.replyError(ctx, req, protocol.CodeInternal, err.Error())
}

func (c *client) replyError(ctx context.Context, req, code, message string) {
	c.reply(ctx, protocol.MsgError, req, protocol.Error{Code: code, Message: message})
}

func (c *client) reply(ctx context.Context, t, req string, payload any) {
	b, err := protocol.EncodeReply(t, req, payload)
	if err != nil {
		c.logger.Error("encode reply", zap.String("type", t), zap.Error(err))
		return
	}
	c.write(ctx, b)
}

func (c *client) write(ctx context.Context, b []byte) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, b); err != nil && ctx.Err() == nil {
		c.logger.Debug("write failed", zap.Error(err))
	}
}

// forward writes room events out. A closed outbox means the room stopped, or
// it dropped this connection for falling behind or for being replaced by a
// newer connection of the same user.
func (c *client) forward(ctx context.Context, rm *room.Room, out <-chan room.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-rm.Done():
					c.logger.Info("lobby closed, closing connection", zap.String("lobby", rm.ID()))
					c.conn.Close(websocket.StatusGoingAway, "lobby closed")
				default:
					c.logger.Info("dropped by lobby, closing connection", zap.String("lobby", rm.ID()))
					c.conn.Close(websocket.StatusPolicyViolation, "removed from lobby")
				}
				c.cancel()
				return
			}
			b, err := encodeEvent(ev)
			if err != nil {
				c.logger.Error("encode event", zap.Error(err))
				continue
			}
			c.write(ctx, b)
		}
	}
}

func encodeEvent(ev room.Event) ([]byte, error) {
	switch ev.Kind {
	case protocol.MsgUpdate:
		return protocol.Encode(ev.Kind, protocol.UpdateEvent{Lobby: ev.Lobby, From: ev.User, Update: ev.Update})
	default:
		return protocol.Encode(ev.Kind, protocol.MemberEvent{Lobby: ev.Lobby, User: ev.User})
	}
}
