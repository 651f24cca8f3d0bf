package world

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Describe renders a one-line, human readable location summary.
func Describe(s Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "map %d, server %d, instance %d", s.MapID, s.ServerID, s.InstanceID)
	if s.IsHousing() && !s.Housing.IsZero() {
		fmt.Fprintf(&b, ", ward %d plot %d", s.Housing.Ward, s.Housing.Plot)
		if s.Housing.Room != 0 {
			fmt.Fprintf(&b, " room %d", s.Housing.Room)
		}
	}
	fmt.Fprintf(&b, ", at (%.1f, %.1f, %.1f)", s.Position.X(), s.Position.Y(), s.Position.Z())
	if !s.CapturedAt.IsZero() {
		b.WriteString(", captured ")
		b.WriteString(humanize.RelTime(s.CapturedAt, now, "ago", "from now"))
	}
	return b.String()
}

// FormatDistance renders a distance in yards, "far" when it is not finite.
func FormatDistance(d float64) string {
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return "far"
	}
	return humanize.FtoaWithDigits(d, 1) + "y"
}
