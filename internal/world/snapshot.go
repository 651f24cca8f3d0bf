package world

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

const fullTurn = 2 * math.Pi

// Snapshot is where a character was at a point in time. Position is in
// game-world yards with Y up and north towards -Z.
type Snapshot struct {
	Position   mgl64.Vec3 `json:"position"`
	Bearing    float64    `json:"bearing"` // radians, 0 = north, clockwise
	MapID      uint32     `json:"mapId"`
	ServerID   uint32     `json:"serverId"`
	InstanceID uint32     `json:"instanceId"`
	Housing    Housing    `json:"housing,omitzero"`
	CapturedAt time.Time  `json:"capturedAt"`
}

// New builds a snapshot with a normalized bearing.
func New(pos mgl64.Vec3, bearing float64, mapID, serverID, instanceID uint32, at time.Time) Snapshot {
	return Snapshot{
		Position:   pos,
		Bearing:    NormalizeBearing(bearing),
		MapID:      mapID,
		ServerID:   serverID,
		InstanceID: instanceID,
		CapturedAt: at,
	}
}

// Normalized returns s with its bearing folded into [0, 2π).
func (s Snapshot) Normalized() Snapshot {
	s.Bearing = NormalizeBearing(s.Bearing)
	return s
}

// Finite reports whether every position component is a real number.
func (s Snapshot) Finite() bool {
	for _, c := range s.Position {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Age is how old the snapshot is at now. A zero CapturedAt is infinitely old.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.CapturedAt.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(s.CapturedAt)
}

// NormalizeBearing folds any angle into [0, 2π). NaN and infinities become 0.
func NormalizeBearing(rad float64) float64 {
	if math.IsNaN(rad) || math.IsInf(rad, 0) {
		return 0
	}
	r := math.Mod(rad, fullTurn)
	if r < 0 {
		r += fullTurn
	}
	if r >= fullTurn {
		r = 0
	}
	return r
}
