package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

var ErrInvalidTarget = errors.New("apply: target is neither an entity nor a spawn request")
var ErrExternalToolUnavailable = errors.New("apply: posing tool unavailable")
var ErrCorruptPayload = errors.New("apply: payload digest mismatch")

// SpawnError means the proxy entity could not be created; nothing was applied.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "apply: spawn proxy entity: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// Poser is the external posing/appearance tool.
type Poser interface {
	Available() bool
	SpawnProxy(ctx context.Context) (chara.EntityHandle, error)
	ApplyPose(ctx context.Context, h chara.EntityHandle, p chara.Payload) error
	ApplyFullTransform(ctx context.Context, h chara.EntityHandle, w world.Snapshot, p chara.Payload) error
}

// Target is either an existing local entity or a request to spawn one.
type Target struct {
	Entity chara.EntityHandle
	Spawn  bool
}

func Entity(h chara.EntityHandle) Target { return Target{Entity: h} }
func SpawnRequest() Target               { return Target{Spawn: true} }

// Record is the payload version currently applied to a local entity.
type Record struct {
	Target         chara.EntityHandle
	Producer       string
	AppliedVersion uint64
}

// Coordinator applies payloads to local entities at most once per version.
// Its record table is process-local and never synchronized.
type Coordinator struct {
	poser  Poser
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	records map[chara.EntityHandle]Record
}

func NewCoordinator(poser Poser, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		poser:   poser,
		logger:  logging.OrNop(logger).Named("apply"),
		records: make(map[chara.EntityHandle]Record),
	}
}

// Apply applies the pose in p to target and returns the entity it landed on.
func (c *Coordinator) Apply(ctx context.Context, target Target, p chara.Payload) (chara.EntityHandle, error) {
	return c.apply(ctx, target, p, nil)
}

// ApplyWithWorld applies pose and world transform.
func (c *Coordinator) ApplyWithWorld(ctx context.Context, target Target, p chara.Payload, w world.Snapshot) (chara.EntityHandle, error) {
	return c.apply(ctx, target, p, &w)
}

func (c *Coordinator) apply(ctx context.Context, target Target, p chara.Payload, w *world.Snapshot) (chara.EntityHandle, error) {
	if !target.Entity.Valid() && !target.Spawn {
		return chara.NoEntity, ErrInvalidTarget
	}
	if target.Entity.Valid() && c.IsAppliedFrom(target.Entity, p.Producer.UID, p.Version) {
		return target.Entity, nil
	}
	if !p.Intact() {
		return target.Entity, ErrCorruptPayload
	}
	if c.poser == nil || !c.poser.Available() {
		return target.Entity, ErrExternalToolUnavailable
	}

	h := target.Entity
	if !h.Valid() {
		spawned, err := c.poser.SpawnProxy(ctx)
		if err != nil {
			return chara.NoEntity, &SpawnError{Err: err}
		}
		if !spawned.Valid() {
			return chara.NoEntity, &SpawnError{Err: ErrInvalidTarget}
		}
		c.logger.Debug("spawned proxy", zap.Uint64("entity", uint64(spawned)))
		h = spawned
	}

	// Concurrent callers for the same entity, producer and version share one run.
	key := fmt.Sprintf("%d@%s@%d", h, p.Producer.UID, p.Version)
	_, err, _ := c.group.Do(key, func() (any, error) {
		if c.IsAppliedFrom(h, p.Producer.UID, p.Version) {
			return nil, nil
		}
		var err error
		if w != nil {
			err = c.poser.ApplyFullTransform(ctx, h, *w, p)
		} else {
			err = c.poser.ApplyPose(ctx, h, p)
		}
		if err != nil {
			return nil, fmt.Errorf("apply version %d to entity %d: %w", p.Version, h, err)
		}
		c.mark(h, p.Producer.UID, p.Version)
		return nil, nil
	})
	if err != nil {
		c.logger.Info("apply failed", zap.Uint64("entity", uint64(h)), zap.Error(err))
		return h, err
	}
	c.logger.Debug("applied", zap.Uint64("entity", uint64(h)), zap.Uint64("version", p.Version),
		zap.String("producer", p.Producer.UID))
	return h, nil
}

// mark records version for h. An entity handed to another producer starts
// over; for the same producer the version never goes back.
func (c *Coordinator) mark(h chara.EntityHandle, producer string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.records[h]; ok && cur.Producer == producer && cur.AppliedVersion >= version {
		return
	}
	c.records[h] = Record{Target: h, Producer: producer, AppliedVersion: version}
}

// IsApplied reports whether h already shows version or newer, whoever
// produced it.
func (c *Coordinator) IsApplied(h chara.EntityHandle, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.records[h]
	return ok && cur.AppliedVersion >= version
}

// IsAppliedFrom is IsApplied restricted to data from one producer.
func (c *Coordinator) IsAppliedFrom(h chara.EntityHandle, producer string, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.records[h]
	return ok && cur.Producer == producer && cur.AppliedVersion >= version
}

func (c *Coordinator) Record(h chara.EntityHandle) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[h]
	return r, ok
}

// Forget drops the record for an entity that no longer exists.
func (c *Coordinator) Forget(h chara.EntityHandle) {
	c.mu.Lock()
	delete(c.records, h)
	c.mu.Unlock()
}

// Reset clears every record, e.g. when posing mode ends and all local
// entities are gone.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	clear(c.records)
	c.mu.Unlock()
}
