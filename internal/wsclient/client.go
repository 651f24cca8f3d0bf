package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/lobby"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
)

var ErrLobbyNotFound = errors.New("relay: lobby not found")
var ErrNotMember = errors.New("relay: not a member of that lobby")
var ErrClosed = errors.New("relay: connection closed")

const (
	readLimit    = 4 << 20
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// RelayError is an error reply from the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string { return "relay: " + e.Code + ": " + e.Message }

func (e *RelayError) Unwrap() error {
	switch e.Code {
	case protocol.CodeLobbyNotFound:
		return ErrLobbyNotFound
	case protocol.CodeNotMember:
		return ErrNotMember
	}
	return nil
}

type Options struct {
	EventBuffer int
	Logger      *zap.Logger
}

// Client is a lobby.Transport over one WebSocket to the relay. Requests are
// matched to replies by id; everything without an id is an event.
type Client struct {
	conn   *websocket.Conn
	events chan lobby.Event
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	err     error
}

var _ lobby.Transport = (*Client)(nil)

// WebSocketURL turns the relay base URL into its /ws endpoint for user.
func WebSocketURL(relayURL string, user chara.UserID) (string, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url scheme %q not supported", u.Scheme)
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("uid", user.UID)
	if user.Alias != "" {
		q.Set("alias", user.Alias)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, relayURL string, user chara.UserID, opts Options) (*Client, error) {
	wsURL, err := WebSocketURL(relayURL, user)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		events:  make(chan lobby.Event, opts.EventBuffer),
		logger:  logging.OrNop(opts.Logger).Named("wsclient"),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan protocol.Envelope),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) Events() <-chan lobby.Event { return c.events }

// Done is closed when the connection is gone; Err says why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) CreateLobby(ctx context.Context) (string, error) {
	env, err := c.request(ctx, protocol.MsgCreate, nil, protocol.MsgCreated)
	if err != nil {
		return "", err
	}
	created, err := protocol.DecodePayload[protocol.Created](env)
	if err != nil {
		return "", err
	}
	return created.Lobby, nil
}

func (c *Client) JoinLobby(ctx context.Context, lobbyID string) ([]chara.UserID, error) {
	env, err := c.request(ctx, protocol.MsgJoin, protocol.Join{Lobby: lobbyID}, protocol.MsgJoined)
	if err != nil {
		return nil, err
	}
	joined, err := protocol.DecodePayload[protocol.Joined](env)
	if err != nil {
		return nil, err
	}
	return joined.Members, nil
}

func (c *Client) LeaveLobby(ctx context.Context, lobbyID string) error {
	_, err := c.request(ctx, protocol.MsgLeave, protocol.Leave{Lobby: lobbyID}, protocol.MsgLeft)
	return err
}

func (c *Client) SendUpdate(ctx context.Context, lobbyID string, u protocol.Update) error {
	_, err := c.request(ctx, protocol.MsgPush, protocol.Push{Lobby: lobbyID, Update: u}, protocol.MsgAck)
	return err
}

func (c *Client) request(ctx context.Context, t string, payload any, want string) (protocol.Envelope, error) {
	req := uuid.NewString()
	b, err := protocol.EncodeReply(t, req, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}

	reply := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}
	c.pending[req] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req)
		c.mu.Unlock()
	}()

	// a write interrupted by cancellation would close the whole connection
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	err = c.conn.Write(wctx, websocket.MessageText, b)
	cancel()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("send %s: %w", t, err)
	}

	select {
	case env := <-reply:
		if env.T == protocol.MsgError {
			e, err := protocol.DecodePayload[protocol.Error](env)
			if err != nil {
				return env, fmt.Errorf("%s: undecodable error reply: %w", t, err)
			}
			return env, &RelayError{Code: e.Code, Message: e.Message}
		}
		if env.T != want {
			return env, fmt.Errorf("%s: unexpected reply %q", t, env.T)
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		return protocol.Envelope{}, c.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("bad frame from relay", zap.Error(err))
			continue
		}
		if env.Req != "" {
			c.mu.Lock()
			ch := c.pending[env.Req]
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			}
			continue
		}

		ev, ok := c.toEvent(env)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			c.fail(ErrClosed)
			return
		}
	}
}

func (c *Client) toEvent(env protocol.Envelope) (lobby.Event, bool) {
	switch env.T {
	case protocol.MsgMemberJoined, protocol.MsgMemberLeft:
		m, err := protocol.DecodePayload[protocol.MemberEvent](env)
		if err != nil {
			c.logger.Warn("bad member event", zap.Error(err))
			return lobby.Event{}, false
		}
		kind := lobby.EventMemberJoined
		if env.T == protocol.MsgMemberLeft {
			kind = lobby.EventMemberLeft
		}
		return lobby.Event{Kind: kind, Lobby: m.Lobby, User: m.User}, true

	case protocol.MsgUpdate:
		u, err := protocol.DecodePayload[protocol.UpdateEvent](env)
		if err != nil {
			c.logger.Warn("bad update event", zap.Error(err))
			return lobby.Event{}, false
		}
		return lobby.Event{Kind: lobby.EventUpdate, Lobby: u.Lobby, User: u.From, Update: u.Update}, true
	}
	c.logger.Debug("ignoring relay message", zap.String("type", env.T))
	return lobby.Event{}, false
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if c.ctx.Err() != nil {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
		c.logger.Info("relay connection lost", zap.Error(err))
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}
