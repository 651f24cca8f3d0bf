package chara

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// UserID identifies an account. Equality is by UID only; Alias is display data.
type UserID struct {
	UID   string `json:"uid"`
	Alias string `json:"alias,omitempty"`
}

func (u UserID) Is(other UserID) bool { return u.UID == other.UID }

func (u UserID) AliasOrUID() string {
	if u.Alias != "" {
		return u.Alias
	}
	return u.UID
}

func (u UserID) IsZero() bool { return u.UID == "" }

// Payload is an opaque appearance/pose description. Version increases
// monotonically per producer; receivers never go backwards.
type Payload struct {
	ID       string `json:"id"`
	Producer UserID `json:"producer"`
	Version  uint64 `json:"version"`
	Data     []byte `json:"data"`
	Digest   string `json:"digest,omitempty"`
}

func NewPayload(producer UserID, version uint64, data []byte) Payload {
	return Payload{
		ID:       uuid.NewString(),
		Producer: producer,
		Version:  version,
		Data:     data,
		Digest:   Digest(data),
	}
}

// Digest is the hex blake2b-256 of the payload bytes.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Intact reports whether Data still matches Digest. Payloads without a
// digest are accepted as-is.
func (p Payload) Intact() bool {
	return p.Digest == "" || p.Digest == Digest(p.Data)
}

// EntityHandle refers to a local game entity. The zero handle means none.
type EntityHandle uint64

const NoEntity EntityHandle = 0

func (h EntityHandle) Valid() bool { return h != NoEntity }
