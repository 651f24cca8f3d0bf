package nearby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/logging"
)

var ErrCooldown = errors.New("nearby: refresh is cooling down")
var ErrSuperseded = errors.New("nearby: a newer refresh already landed")

// Source fetches every shared pose visible to the local user.
type Source interface {
	FetchSharedPoses(ctx context.Context) ([]SharedPose, error)
}

// Fetcher rate-limits fetches and keeps the newest landed result. Results
// are ordered by request sequence, not completion order.
type Fetcher struct {
	source   Source
	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	lastStart time.Time
	issued    uint64
	landed    uint64
	poses     []SharedPose
}

func NewFetcher(source Source, cooldown time.Duration, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		source:   source,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logging.OrNop(logger).Named("nearby"),
	}
}

// Fetch starts a new fetch unless one started within the cooldown window.
func (f *Fetcher) Fetch(ctx context.Context) ([]SharedPose, error) {
	f.mu.Lock()
	now := f.now()
	if !f.lastStart.IsZero() && now.Sub(f.lastStart) < f.cooldown {
		f.mu.Unlock()
		return nil, ErrCooldown
	}
	f.lastStart = now
	f.issued++
	seq := f.issued
	f.mu.Unlock()

	poses, err := f.source.FetchSharedPoses(ctx)
	if err != nil {
		f.logger.Warn("fetch shared poses", zap.Uint64("seq", seq), zap.Error(err))
		return nil, fmt.Errorf("fetch shared poses: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < f.landed {
		f.logger.Debug("discarding superseded fetch", zap.Uint64("seq", seq), zap.Uint64("landed", f.landed))
		return nil, ErrSuperseded
	}
	f.landed = seq
	f.poses = poses
	return poses, nil
}

// Expire ends the cooldown so the next Fetch goes out immediately.
func (f *Fetcher) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStart = time.Time{}
}

// Poses returns the newest landed result.
func (f *Fetcher) Poses() []SharedPose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.poses
}

// CooldownRemaining is how long until Fetch is allowed again.
func (f *Fetcher) CooldownRemaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastStart.IsZero() {
		return 0
	}
	left := f.cooldown - f.now().Sub(f.lastStart)
	if left < 0 {
		return 0
	}
	return left
}
