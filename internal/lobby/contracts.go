package lobby

import (
	"context"

	"github.com/DoyleJ11/gpose-together/internal/apply"
	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// Transport is the connection to the relay.
type Transport interface {
	CreateLobby(ctx context.Context) (string, error)
	// JoinLobby returns the members present when the join was acknowledged.
	JoinLobby(ctx context.Context, lobbyID string) ([]chara.UserID, error)
	LeaveLobby(ctx context.Context, lobbyID string) error
	SendUpdate(ctx context.Context, lobbyID string, u protocol.Update) error
	Events() <-chan Event
}

type EventKind int

const (
	EventMemberJoined EventKind = iota + 1
	EventMemberLeft
	EventUpdate
)

// Event is an inbound notification from the relay.
type Event struct {
	Kind   EventKind
	Lobby  string
	User   chara.UserID
	Update protocol.Update
}

// SelfProvider reports the local player's state.
type SelfProvider interface {
	CurrentWorldSnapshot() world.Snapshot
	IsInPosingMode() bool
}

// NoteLookup decorates members with the user's private notes.
type NoteLookup interface {
	NoteFor(uid string) (string, bool)
}

// HintStore persists the last lobby id across restarts.
type HintStore interface {
	SaveLastLobbyID(id string) error
}

// Applier pushes received data into the posing tool. *apply.Coordinator
// satisfies it.
type Applier interface {
	IsAppliedFrom(h chara.EntityHandle, producer string, version uint64) bool
	Apply(ctx context.Context, target apply.Target, p chara.Payload) (chara.EntityHandle, error)
	ApplyWithWorld(ctx context.Context, target apply.Target, p chara.Payload, w world.Snapshot) (chara.EntityHandle, error)
}
