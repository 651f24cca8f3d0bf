package lobby

import (
	"errors"
	"fmt"
)

var ErrNotIdle = errors.New("lobby: already in a lobby")
var ErrBusy = errors.New("lobby: create or join already in progress")
var ErrNotActive = errors.New("lobby: not in a lobby")
var ErrLeaveNotConfirmed = errors.New("lobby: leaving needs confirmation")
var ErrEmptyLobbyID = errors.New("lobby: lobby id is empty")
var ErrNoLastLobby = errors.New("lobby: no previous lobby to rejoin")
var ErrUnknownMember = errors.New("lobby: no such member")
var ErrSelfMember = errors.New("lobby: the local user cannot be assigned an entity")
var ErrNotPosing = errors.New("lobby: not in posing mode")
var ErrNoPayload = errors.New("lobby: member has not sent character data yet")
var ErrNoWorld = errors.New("lobby: member has not sent a position yet")
var ErrSameInstance = errors.New("lobby: member is in the same instance, use their own entity")
var ErrClosed = errors.New("lobby: session closed")

// JoinError is returned when the relay refuses or cannot find a lobby. The
// session stays idle.
type JoinError struct {
	LobbyID string
	Err     error
}

func (e *JoinError) Error() string { return fmt.Sprintf("join lobby %q: %v", e.LobbyID, e.Err) }
func (e *JoinError) Unwrap() error { return e.Err }

// TransportError wraps a transient network failure of one operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
