package world

// Housing pins a snapshot to a ward/plot/room inside a housing district.
// Zero values mean "not inside a plot or room".
type Housing struct {
	Ward uint32 `json:"ward,omitempty"`
	Plot uint32 `json:"plot,omitempty"`
	Room uint32 `json:"room,omitempty"`
}

func (h Housing) IsZero() bool { return h == Housing{} }

// MapRange is an inclusive range of map ids.
type MapRange struct {
	Min, Max uint32
}

func (r MapRange) Contains(id uint32) bool { return id >= r.Min && id <= r.Max }

// HousingMaps lists the map ids reserved for housing districts and interiors.
var HousingMaps = []MapRange{
	{Min: 282, Max: 284}, // cottages, houses and mansions (Mist)
	{Min: 339, Max: 345}, // Mist, Lavender Beds, Goblet and their interiors
	{Min: 384, Max: 384}, // private chambers
	{Min: 573, Max: 575}, // apartments
	{Min: 608, Max: 610}, // apartment lobbies
	{Min: 641, Max: 655}, // Shirogane and interiors
	{Min: 979, Max: 985}, // Empyreum and interiors
}

func IsHousingMap(mapID uint32) bool {
	for _, r := range HousingMaps {
		if r.Contains(mapID) {
			return true
		}
	}
	return false
}

// IsHousing reports whether the snapshot was taken in a housing area.
func (s Snapshot) IsHousing() bool { return IsHousingMap(s.MapID) }
