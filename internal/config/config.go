package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultRelayAddr      = ":8080"
	defaultRelayURL       = "http://localhost:8080"
	defaultLogLevel       = "info"
	defaultRoomOutbox     = 64
	defaultPushInterval   = 15 * time.Second
	minPushInterval       = 10 * time.Second
	maxPushInterval       = 20 * time.Second
	defaultStaleAfter     = 60 * time.Second
	defaultNearbyCooldown = 60 * time.Second
	defaultStateDB        = "data/posesync.db"

	MinNearbyDistance     = 5.0
	MaxNearbyDistance     = 1000.0
	defaultNearbyDistance = 100.0
)

// Relay configures cmd/relay.
type Relay struct {
	Addr        string
	DatabaseURL string // empty keeps shared poses in memory
	LogLevel    string
	LogDev      bool
	RoomOutbox  int
}

// Client configures cmd/posesync.
type Client struct {
	RelayURL       string
	UserUID        string
	UserAlias      string
	PushInterval   time.Duration
	StaleAfter     time.Duration
	NearbyCooldown time.Duration
	StateDB        string
	LogLevel       string
	LogDev         bool
	Nearby         Nearby
}

// Nearby is the user-facing Nearby Poses settings surface.
type Nearby struct {
	OwnServerOnly       bool    `json:"ownServerOnly"`
	ShowOwnData         bool    `json:"showOwnData"`
	IgnoreHousingLimits bool    `json:"ignoreHousingLimits"`
	DrawMarkers         bool    `json:"drawMarkers"`
	MaxDistance         float64 `json:"maxDistance"`
	KeepActiveOutside   bool    `json:"keepActiveOutsideView"`
	UserNoteFilter      string  `json:"userNoteFilter"`
}

func DefaultNearby() Nearby {
	return Nearby{DrawMarkers: true, MaxDistance: defaultNearbyDistance}
}

// Clamped returns n with MaxDistance forced into its slider range.
func (n Nearby) Clamped() Nearby {
	n.MaxDistance = ClampDistance(n.MaxDistance)
	return n
}

func ClampDistance(d float64) float64 {
	switch {
	case d != d: // NaN
		return defaultNearbyDistance
	case d < MinNearbyDistance:
		return MinNearbyDistance
	case d > MaxNearbyDistance:
		return MaxNearbyDistance
	}
	return d
}

// LoadDotEnv reads .env into the process environment when present.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func LoadRelay() Relay {
	return Relay{
		Addr:        getEnv("RELAY_ADDR", defaultRelayAddr),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnv("LOG_LEVEL", defaultLogLevel),
		LogDev:      getBool("LOG_DEV", false),
		RoomOutbox:  getInt("ROOM_OUTBOX", defaultRoomOutbox),
	}
}

func LoadClient() Client {
	return Client{
		RelayURL:       strings.TrimRight(getEnv("RELAY_URL", defaultRelayURL), "/"),
		UserUID:        os.Getenv("USER_UID"),
		UserAlias:      os.Getenv("USER_ALIAS"),
		PushInterval:   clampDuration(getDuration("PUSH_INTERVAL", defaultPushInterval), minPushInterval, maxPushInterval),
		StaleAfter:     getDuration("STALE_AFTER", defaultStaleAfter),
		NearbyCooldown: getDuration("NEARBY_COOLDOWN", defaultNearbyCooldown),
		StateDB:        getEnv("STATE_DB", defaultStateDB),
		LogLevel:       getEnv("LOG_LEVEL", defaultLogLevel),
		LogDev:         getBool("LOG_DEV", false),
		Nearby:         loadNearby(),
	}
}

func loadNearby() Nearby {
	n := DefaultNearby()
	n.OwnServerOnly = getBool("NEARBY_OWN_SERVER_ONLY", n.OwnServerOnly)
	n.ShowOwnData = getBool("NEARBY_SHOW_OWN", n.ShowOwnData)
	n.IgnoreHousingLimits = getBool("NEARBY_IGNORE_HOUSING", n.IgnoreHousingLimits)
	n.DrawMarkers = getBool("NEARBY_DRAW_MARKERS", n.DrawMarkers)
	n.KeepActiveOutside = getBool("NEARBY_KEEP_ACTIVE", n.KeepActiveOutside)
	n.UserNoteFilter = os.Getenv("NEARBY_USER_FILTER")
	if raw := os.Getenv("NEARBY_MAX_DISTANCE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			n.MaxDistance = v
		}
	}
	return n.Clamped()
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
