package world

import (
	"math"
)

// Match holds the derived relations between two snapshots. It is never
// stored; recompute it whenever either side moves.
type Match struct {
	SameMap      bool `json:"sameMap"`
	SameServer   bool `json:"sameServer"`
	SameInstance bool `json:"sameInstance"`
}

// InstancePredicate decides whether two snapshots that already share map and
// server are in the same shard.
type InstancePredicate func(a, b Snapshot) bool

// SameInstanceID is the default predicate: plain instance id equality.
func SameInstanceID(a, b Snapshot) bool { return a.InstanceID == b.InstanceID }

// Matcher compares snapshots. The zero value uses SameInstanceID.
type Matcher struct {
	sameInstance InstancePredicate
}

func NewMatcher(pred InstancePredicate) Matcher {
	return Matcher{sameInstance: pred}
}

var Default = Matcher{}

func (m Matcher) Compare(a, b Snapshot) Match {
	pred := m.sameInstance
	if pred == nil {
		pred = SameInstanceID
	}
	match := Match{
		SameMap:    a.MapID == b.MapID,
		SameServer: a.ServerID == b.ServerID,
	}
	match.SameInstance = match.SameMap && match.SameServer && pred(a, b)
	return match
}

// SameHousingPlot reports whether both snapshots sit in the same ward, plot
// and room on the same server.
func (m Matcher) SameHousingPlot(a, b Snapshot) bool {
	return a.ServerID == b.ServerID && a.Housing == b.Housing
}

func Compare(a, b Snapshot) Match { return Default.Compare(a, b) }

// Distance is the 3-D euclidean distance between the positions, ignoring
// map and server. Any non-finite component yields +Inf.
func Distance(a, b Snapshot) float64 {
	if !a.Finite() || !b.Finite() {
		return math.Inf(1)
	}
	return a.Position.Sub(b.Position).Len()
}

// BearingDelta is the signed turn from a's bearing to b's, in (-π, π].
func BearingDelta(a, b Snapshot) float64 {
	d := NormalizeBearing(b.Bearing) - NormalizeBearing(a.Bearing)
	if d > math.Pi {
		d -= fullTurn
	} else if d <= -math.Pi {
		d += fullTurn
	}
	return d
}

// DirectionTo is the direction of to's position as seen from from, relative
// to from's facing, in [0, 2π). It is 0 when the positions coincide or are
// not finite.
func DirectionTo(from, to Snapshot) float64 {
	if !from.Finite() || !to.Finite() {
		return 0
	}
	dx := to.Position.X() - from.Position.X()
	dz := to.Position.Z() - from.Position.Z()
	if dx == 0 && dz == 0 {
		return 0
	}
	heading := math.Atan2(dx, -dz)
	return NormalizeBearing(heading - NormalizeBearing(from.Bearing))
}
