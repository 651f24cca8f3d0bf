package protocol

import (
	"encoding/json"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// Client -> relay
const (
	MsgCreate = "create"
	MsgJoin   = "join"
	MsgLeave  = "leave"
	MsgPush   = "push"
)

// Relay -> client
const (
	MsgCreated      = "created"
	MsgJoined       = "joined"
	MsgLeft         = "left"
	MsgAck          = "ack"
	MsgError        = "error"
	MsgMemberJoined = "member_joined"
	MsgMemberLeft   = "member_left"
	MsgUpdate       = "update"
)

// Error codes carried by MsgError.
const (
	CodeLobbyNotFound = "lobby_not_found"
	CodeBadRequest    = "bad_request"
	CodeNotMember     = "not_member"
	CodeInternal      = "internal"
)

type Envelope struct {
	T   string          `json:"t"`
	Req string          `json:"req,omitempty"` // echoed on the reply
	P   json.RawMessage `json:"p,omitempty"`
}

// Update is one push from a lobby member. Version increases with every push
// from the same sender; Payload.Version is the push version at which the
// character data last changed. Either part may be absent.
type Update struct {
	Version uint64          `json:"version"`
	Payload *chara.Payload  `json:"payload,omitempty"`
	World   *world.Snapshot `json:"world,omitempty"`
}

type Join struct {
	Lobby string `json:"lobby"`
}

type Leave struct {
	Lobby string `json:"lobby"`
}

type Push struct {
	Lobby  string `json:"lobby"`
	Update Update `json:"update"`
}

type Created struct {
	Lobby string `json:"lobby"`
}

type Joined struct {
	Lobby   string         `json:"lobby"`
	Members []chara.UserID `json:"members"`
}

type Left struct {
	Lobby string `json:"lobby"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MemberEvent struct {
	Lobby string       `json:"lobby"`
	User  chara.UserID `json:"user"`
}

type UpdateEvent struct {
	Lobby  string       `json:"lobby"`
	From   chara.UserID `json:"from"`
	Update Update       `json:"update"`
}
