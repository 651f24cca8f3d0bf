package lobby

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/apply"
	"github.com/DoyleJ11/gpose-together/internal/chara"
)

// Blocking wrappers around the inbox. Each returns ErrClosed once the
// session loop has stopped.

func (s *Session) Create(ctx context.Context) error {
	r := make(chan error, 1)
	return s.call(ctx, Create{Reply: r}, r)
}

func (s *Session) Join(ctx context.Context, lobbyID string) error {
	r := make(chan error, 1)
	return s.call(ctx, Join{LobbyID: lobbyID, Reply: r}, r)
}

func (s *Session) Rejoin(ctx context.Context) error {
	r := make(chan error, 1)
	return s.call(ctx, Rejoin{Reply: r}, r)
}

func (s *Session) Leave(ctx context.Context, confirmed bool) error {
	r := make(chan error, 1)
	return s.call(ctx, Leave{Confirmed: confirmed, Reply: r}, r)
}

func (s *Session) PushNow(ctx context.Context) error {
	r := make(chan error, 1)
	return s.call(ctx, PushNow{Reply: r}, r)
}

func (s *Session) SetLocalData(ctx context.Context, data []byte) error {
	return s.send(ctx, SetLocalData{Data: data})
}

func (s *Session) Assign(ctx context.Context, uid string, h chara.EntityHandle, name string) error {
	r := make(chan error, 1)
	return s.call(ctx, Assign{UID: uid, Entity: h, Name: name, Reply: r}, r)
}

func (s *Session) Unassign(ctx context.Context, uid string) error {
	r := make(chan error, 1)
	return s.call(ctx, Unassign{UID: uid, Reply: r}, r)
}

func (s *Session) View(ctx context.Context) (View, error) {
	r := make(chan View, 1)
	if err := s.send(ctx, GetView{Reply: r}); err != nil {
		return View{}, err
	}
	select {
	case v := <-r:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-s.ctx.Done():
		return View{}, ErrClosed
	}
}

func (s *Session) member(ctx context.Context, uid string) (UserState, error) {
	r := make(chan MemberReply, 1)
	if err := s.send(ctx, GetMember{UID: uid, Reply: r}); err != nil {
		return UserState{}, err
	}
	select {
	case mr := <-r:
		if !mr.OK {
			return UserState{}, ErrUnknownMember
		}
		return mr.Member, nil
	case <-ctx.Done():
		return UserState{}, ctx.Err()
	case <-s.ctx.Done():
		return UserState{}, ErrClosed
	}
}

// Close stops the loop and waits for it to finish. The session cannot be
// reused.
func (s *Session) Close() {
	select {
	case s.inbox <- Shutdown{}:
	case <-s.done:
	}
	<-s.done
}

// ApplyMember applies a member's latest data to the entity assigned to them.
func (s *Session) ApplyMember(ctx context.Context, uid string) error {
	m, err := s.applicable(ctx, uid)
	if err != nil {
		return err
	}
	if !m.Entity.Valid() {
		return apply.ErrInvalidTarget
	}
	_, err = s.cfg.Applier.Apply(ctx, apply.Entity(m.Entity), *m.Payload)
	if err != nil {
		s.logger.Info("apply failed", zap.String("user", uid), zap.Error(err))
	}
	return err
}

// SpawnAndApplyMember spawns a proxy entity for a member who is elsewhere,
// applies their pose and world transform to it, and assigns it to them.
func (s *Session) SpawnAndApplyMember(ctx context.Context, uid string) error {
	m, err := s.applicable(ctx, uid)
	if err != nil {
		return err
	}
	if m.World == nil {
		return ErrNoWorld
	}
	self := s.cfg.SelfState.CurrentWorldSnapshot()
	if s.cfg.Matcher.Compare(self, *m.World).SameInstance {
		return ErrSameInstance
	}

	h, applyErr := s.cfg.Applier.ApplyWithWorld(ctx, apply.SpawnRequest(), *m.Payload, *m.World)
	if applyErr != nil {
		s.logger.Info("spawn and apply failed", zap.String("user", uid), zap.Bool("spawned", h.Valid()), zap.Error(applyErr))
		if !h.Valid() {
			return applyErr
		}
		// the proxy exists; keep it assigned so a later apply can reuse it
	}
	err = s.Assign(ctx, uid, h, "proxy of "+m.User.AliasOrUID())
	if errors.Is(err, ErrUnknownMember) || errors.Is(err, ErrNotActive) {
		// they left while we were spawning; the proxy stays unassigned
		err = nil
	}
	if applyErr != nil {
		return applyErr
	}
	return err
}

func (s *Session) applicable(ctx context.Context, uid string) (UserState, error) {
	if s.cfg.Applier == nil {
		return UserState{}, apply.ErrExternalToolUnavailable
	}
	if !s.cfg.SelfState.IsInPosingMode() {
		return UserState{}, ErrNotPosing
	}
	if uid == s.cfg.Self.UID {
		return UserState{}, ErrSelfMember
	}
	m, err := s.member(ctx, uid)
	if err != nil {
		return UserState{}, err
	}
	if m.Payload == nil {
		return UserState{}, ErrNoPayload
	}
	return m, nil
}

func (s *Session) send(ctx context.Context, m Msg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Session) call(ctx context.Context, m Msg, r chan error) error {
	if err := s.send(ctx, m); err != nil {
		return err
	}
	select {
	case err := <-r:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}
