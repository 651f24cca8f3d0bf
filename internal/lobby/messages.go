package lobby

import (
	"github.com/DoyleJ11/gpose-together/internal/chara"
)

type Msg interface{ isLobbyMsg() }

type Create struct {
	Reply chan error
}

type Join struct {
	LobbyID string
	Reply   chan error
}

// Rejoin joins the last lobby this client left.
type Rejoin struct {
	Reply chan error
}

// Leave only goes through with Confirmed set; it drops all session state.
type Leave struct {
	Confirmed bool
	Reply     chan error
}

// PushNow asks for an immediate push. Reply, if set, receives the result of
// the push that carries this request.
type PushNow struct {
	Reply chan error
}

// SetLocalData replaces the local character data; it goes out with the next push.
type SetLocalData struct {
	Data []byte
}

type Assign struct {
	UID    string
	Entity chara.EntityHandle
	Name   string
	Reply  chan error
}

type Unassign struct {
	UID   string
	Reply chan error
}

type GetView struct {
	Reply chan View
}

type GetMember struct {
	UID   string
	Reply chan MemberReply
}

type MemberReply struct {
	Member UserState
	OK     bool
}

type Shutdown struct{}

func (Create) isLobbyMsg()       {}
func (Join) isLobbyMsg()         {}
func (Rejoin) isLobbyMsg()       {}
func (Leave) isLobbyMsg()        {}
func (PushNow) isLobbyMsg()      {}
func (SetLocalData) isLobbyMsg() {}
func (Assign) isLobbyMsg()       {}
func (Unassign) isLobbyMsg()     {}
func (GetView) isLobbyMsg()      {}
func (GetMember) isLobbyMsg()    {}
func (Shutdown) isLobbyMsg()     {}

// completions posted back by the session's own goroutines

type createDone struct {
	lobbyID string
	err     error
	reply   chan error
}

type joinDone struct {
	lobbyID string
	members []chara.UserID
	err     error
	reply   chan error
}

type pushDone struct {
	gen        uint64
	dataGen    uint64
	hadPayload bool
	err        error
}

func (createDone) isLobbyMsg() {}
func (joinDone) isLobbyMsg()   {}
func (pushDone) isLobbyMsg()   {}
