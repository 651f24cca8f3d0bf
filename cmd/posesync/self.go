package main

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// standing is a player that never moves and is always posing.
type standing struct {
	mu   sync.Mutex
	snap world.Snapshot
}

func (s *standing) CurrentWorldSnapshot() world.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *standing) IsInPosingMode() bool { return true }

// logPoser stands in for the posing tool and only logs what it would do.
type logPoser struct {
	logger *zap.Logger
	next   atomic.Uint64
}

func (p *logPoser) Available() bool { return true }

func (p *logPoser) SpawnProxy(ctx context.Context) (chara.EntityHandle, error) {
	h := chara.EntityHandle(1000 + p.next.Add(1))
	p.logger.Info("spawn proxy", zap.Uint64("entity", uint64(h)))
	return h, nil
}

func (p *logPoser) ApplyPose(ctx context.Context, h chara.EntityHandle, pl chara.Payload) error {
	p.logger.Info("apply pose",
		zap.Uint64("entity", uint64(h)),
		zap.String("from", pl.Producer.UID),
		zap.Uint64("version", pl.Version),
		zap.Int("bytes", len(pl.Data)))
	return nil
}

func (p *logPoser) ApplyFullTransform(ctx context.Context, h chara.EntityHandle, w world.Snapshot, pl chara.Payload) error {
	p.logger.Info("apply pose with transform",
		zap.Uint64("entity", uint64(h)),
		zap.String("from", pl.Producer.UID),
		zap.Uint64("version", pl.Version),
		zap.Uint32("map", w.MapID))
	return nil
}
