package posestore

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/gpose-together/internal/nearby"
)

var ErrNotFound = errors.New("posestore: pose not found")
var ErrNotOwner = errors.New("posestore: pose belongs to another user")
var ErrInvalidPose = errors.New("posestore: pose needs an uploader and intact data")

const DefaultLimit = 200

// Query narrows a listing. Zero fields match everything.
type Query struct {
	MapID    uint32
	ServerID uint32
	Limit    int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > DefaultLimit {
		return DefaultLimit
	}
	return q.Limit
}

// Store keeps the poses users share with everyone nearby.
type Store interface {
	// Put inserts or replaces a pose and returns it as stored. An empty ID
	// gets a fresh one; replacing is only allowed for the original uploader.
	Put(ctx context.Context, p nearby.SharedPose) (nearby.SharedPose, error)
	List(ctx context.Context, q Query) ([]nearby.SharedPose, error)
	Delete(ctx context.Context, id, uploaderUID string) error
}

func validate(p nearby.SharedPose) error {
	if p.Uploader.IsZero() || !p.Payload.Intact() {
		return ErrInvalidPose
	}
	return nil
}

func prepare(p nearby.SharedPose, now time.Time) nearby.SharedPose {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.World = p.World.Normalized()
	p.Payload.Producer = p.Uploader
	p.UpdatedAt = now.UTC()
	return p
}

// MemoryStore is the Store used when no database is configured.
type MemoryStore struct {
	now func() time.Time

	mu    sync.RWMutex
	poses map[string]nearby.SharedPose
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, poses: make(map[string]nearby.SharedPose)}
}

func (m *MemoryStore) Put(ctx context.Context, p nearby.SharedPose) (nearby.SharedPose, error) {
	if err := validate(p); err != nil {
		return nearby.SharedPose{}, err
	}
	p = prepare(p, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.poses[p.ID]; ok && !cur.Uploader.Is(p.Uploader) {
		return nearby.SharedPose{}, ErrNotOwner
	}
	m.poses[p.ID] = p
	return p, nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]nearby.SharedPose, error) {
	m.mu.RLock()
	out := make([]nearby.SharedPose, 0, len(m.poses))
	for _, p := range m.poses {
		if q.MapID != 0 && p.World.MapID != q.MapID {
			continue
		}
		if q.ServerID != 0 && p.World.ServerID != q.ServerID {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()

	// newest first, like the database listing
	slices.SortFunc(out, func(a, b nearby.SharedPose) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id, uploaderUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.poses[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Uploader.UID != uploaderUID {
		return ErrNotOwner
	}
	delete(m.poses, id)
	return nil
}
