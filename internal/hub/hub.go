package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/room"
)

var ErrLobbyNotFound = errors.New("hub: lobby not found")
var ErrHubClosed = errors.New("hub: closed")

const codeLength = 6

type HubMsg interface{ isHubMsg() }

// CreateLobby makes a room under a fresh id.
type CreateLobby struct {
	Reply chan CreateReply
}

type CreateReply struct {
	Room *room.Room
	Err  error
}

type GetLobby struct {
	Code  string
	Reply chan *room.Room // nil if unknown
}

// RemoveLobby forgets Room under Code, unless Code already points at a newer room.
type RemoveLobby struct {
	Code string
	Room *room.Room
}

type CountLobbies struct {
	Reply chan int
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg()  {}
func (GetLobby) isHubMsg()     {}
func (RemoveLobby) isHubMsg()  {}
func (CountLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

type Options struct {
	// IdleAfter closes a created lobby that nobody joined.
	IdleAfter time.Duration
	Logger    *zap.Logger
	// Generate overrides lobby id generation.
	Generate func() (string, error)
}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*room.Room
	opts    Options
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Generate == nil {
		opts.Generate = GenerateCode
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*room.Room),
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("hub"),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

// GenerateCode returns a random six character lobby id.
func GenerateCode() (string, error) {
	const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				r, err := h.create()
				msg.Reply <- CreateReply{Room: r, Err: err}

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code]

			case RemoveLobby:
				if cur := h.lobbies[msg.Code]; cur != nil && (msg.Room == nil || cur == msg.Room) {
					delete(h.lobbies, msg.Code)
					h.logger.Debug("lobby removed", zap.String("lobby", msg.Code))
				}

			case CountLobbies:
				msg.Reply <- len(h.lobbies)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) create() (*room.Room, error) {
	// collisions are rare; give up after a handful
	for range 8 {
		code, err := h.opts.Generate()
		if err != nil {
			return nil, err
		}
		if h.lobbies[code] != nil {
			h.logger.Debug("collision on code, regenerating")
			continue
		}
		r := room.New(h.ctx, code, room.Options{
			IdleAfter: h.opts.IdleAfter,
			OnClose:   h.roomClosed,
			Logger:    h.logger,
		})
		h.lobbies[code] = r
		h.logger.Info("lobby created", zap.String("lobby", code))
		return r, nil
	}
	return nil, errors.New("hub: could not find a free lobby id")
}

// roomClosed runs on the room's goroutine.
func (h *Hub) roomClosed(code string, r *room.Room) {
	select {
	case h.inbox <- RemoveLobby{Code: code, Room: r}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) shutdown() {
	for _, r := range h.lobbies {
		select {
		case r.Inbox() <- room.Shutdown{}:
		case <-r.Done():
		}
	}
	clear(h.lobbies)
	h.cancel()
}

// Create asks the hub for a new lobby.
func (h *Hub) Create(ctx context.Context) (*room.Room, error) {
	reply := make(chan CreateReply, 1)
	if err := h.send(ctx, CreateLobby{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Room, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
}

// Get returns the live room for code or ErrLobbyNotFound.
func (h *Hub) Get(ctx context.Context, code string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.send(ctx, GetLobby{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		if r == nil {
			return nil, ErrLobbyNotFound
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.send(ctx, CountLobbies{Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, ErrHubClosed
	}
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}
