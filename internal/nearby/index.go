package nearby

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/config"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

// SharedPose is a pose with world data that another user shared with us.
type SharedPose struct {
	ID              string         `json:"id"`
	Uploader        chara.UserID   `json:"uploader"`
	Description     string         `json:"description"`
	DataDescription string         `json:"dataDescription,omitempty"`
	World           world.Snapshot `json:"world"`
	Payload         chara.Payload  `json:"payload"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

type Filter struct {
	IncludeOwn          bool
	UserNoteSubstring   string
	OwnServerOnly       bool
	IgnoreHousingLimits bool
	MaxDistance         float64 // <= 0 disables the radius check
}

func FilterFrom(s config.Nearby) Filter {
	return Filter{
		IncludeOwn:          s.ShowOwnData,
		UserNoteSubstring:   s.UserNoteFilter,
		OwnServerOnly:       s.OwnServerOnly,
		IgnoreHousingLimits: s.IgnoreHousingLimits,
		MaxDistance:         s.MaxDistance,
	}
}

// Entry is a SharedPose as seen from the local player. Distance, Bearing and
// Match are recomputed on every refresh.
type Entry struct {
	Pose        SharedPose  `json:"pose"`
	IsOwn       bool        `json:"isOwn"`
	DisplayName string      `json:"displayName"`
	Distance    float64     `json:"distance"`
	Bearing     float64     `json:"bearing"` // relative to self facing, radians
	Match       world.Match `json:"match"`
}

// NoteLookup returns the user's private note for a uid, if any.
type NoteLookup interface {
	NoteFor(uid string) (string, bool)
}

// Index filters and orders shared poses around the local player. It keeps
// no state between calls.
type Index struct {
	self    chara.UserID
	notes   NoteLookup
	matcher world.Matcher
}

func NewIndex(self chara.UserID, notes NoteLookup, matcher world.Matcher) *Index {
	return &Index{self: self, notes: notes, matcher: matcher}
}

func (i *Index) Refresh(raw []SharedPose, self world.Snapshot, f Filter) []Entry {
	folder := cases.Fold()
	needle := folder.String(strings.TrimSpace(f.UserNoteSubstring))

	out := make([]Entry, 0, len(raw))
	for _, pose := range raw {
		isOwn := pose.Uploader.Is(i.self)
		if isOwn && !f.IncludeOwn {
			continue
		}

		note, hasNote := i.note(pose.Uploader)
		if needle != "" && !i.matchesNote(folder, needle, pose.Uploader, note) {
			continue
		}

		match := i.matcher.Compare(pose.World, self)
		if !match.SameMap {
			continue
		}
		if f.OwnServerOnly && !match.SameServer {
			continue
		}
		if pose.World.IsHousing() && !f.IgnoreHousingLimits && !i.matcher.SameHousingPlot(pose.World, self) {
			continue
		}

		dist := world.Distance(pose.World, self)
		if f.MaxDistance > 0 && !(dist <= f.MaxDistance) {
			continue
		}

		out = append(out, Entry{
			Pose:        pose,
			IsOwn:       isOwn,
			DisplayName: displayName(pose.Uploader, note, hasNote, isOwn),
			Distance:    dist,
			Bearing:     world.DirectionTo(self, pose.World),
			Match:       match,
		})
	}

	slices.SortStableFunc(out, compareEntries)
	return out
}

func compareEntries(a, b Entry) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	}
	if c := strings.Compare(a.Pose.Uploader.UID, b.Pose.Uploader.UID); c != 0 {
		return c
	}
	return strings.Compare(a.Pose.ID, b.Pose.ID)
}

func (i *Index) note(u chara.UserID) (string, bool) {
	if i.notes == nil {
		return "", false
	}
	return i.notes.NoteFor(u.UID)
}

func (i *Index) matchesNote(folder cases.Caser, needle string, u chara.UserID, note string) bool {
	for _, hay := range []string{note, u.AliasOrUID()} {
		if hay != "" && strings.Contains(folder.String(hay), needle) {
			return true
		}
	}
	return false
}

func displayName(u chara.UserID, note string, hasNote, isOwn bool) string {
	switch {
	case isOwn:
		return "you"
	case hasNote && note != "":
		return note + " (" + u.AliasOrUID() + ")"
	}
	return u.AliasOrUID()
}
