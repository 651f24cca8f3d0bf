package lobby

import (
	"time"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/protocol"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// UserState is everything the session knows about one lobby member. Only
// the session loop touches it.
type UserState struct {
	User       chara.UserID
	Payload    *chara.Payload
	World      *world.Snapshot
	Entity     chara.EntityHandle
	EntityName string

	worldVersion    uint64
	worldReceivedAt time.Time
}

func newUserState(u chara.UserID) *UserState {
	return &UserState{User: u}
}

// accept folds an update in. Payload and world are guarded by their own
// versions so any delivery order converges on the newest of each.
func (m *UserState) accept(u protocol.Update, from chara.UserID, now time.Time) (payload, pos bool) {
	if p := u.Payload; p != nil && p.Intact() && (m.Payload == nil || p.Version > m.Payload.Version) {
		cp := *p
		cp.Producer = from
		m.Payload = &cp
		payload = true
	}
	if w := u.World; w != nil && u.Version > m.worldVersion {
		cp := w.Normalized()
		m.World = &cp
		m.worldVersion = u.Version
		m.worldReceivedAt = now
		pos = true
	}
	return payload, pos
}

func (m *UserState) clone() UserState {
	cp := *m
	if m.Payload != nil {
		p := *m.Payload
		cp.Payload = &p
	}
	if m.World != nil {
		w := *m.World
		cp.World = &w
	}
	return cp
}

// MemberView is a read-only, render-ready copy of a member. Every relation to
// the local player is derived at the time the view was taken.
type MemberView struct {
	User             chara.UserID
	IsSelf           bool
	DisplayName      string
	Note             string
	HasPayload       bool
	PayloadVersion   uint64
	World            *world.Snapshot
	WorldDescription string
	Match            world.Match
	Distance         float64
	Stale            bool
	Entity           chara.EntityHandle
	EntityName       string
	UpToDate         bool // the assigned entity already shows PayloadVersion
	CanApply         bool
	CanSpawn         bool
}

// View is a snapshot of the session for the UI.
type View struct {
	State        State
	LobbyID      string
	LastLobbyID  string
	InPosingMode bool
	Members      []MemberView
}

// Others returns the members except the local user.
func (v View) Others() []MemberView {
	out := make([]MemberView, 0, len(v.Members))
	for _, m := range v.Members {
		if !m.IsSelf {
			out = append(out, m)
		}
	}
	return out
}

func (v View) Member(uid string) (MemberView, bool) {
	for _, m := range v.Members {
		if m.User.UID == uid {
			return m, true
		}
	}
	return MemberView{}, false
}
