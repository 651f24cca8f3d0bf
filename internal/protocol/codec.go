package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyEnvelope = errors.New("empty envelope")
var ErrEmptyType = errors.New("envelope type is empty")
var ErrUnknownType = errors.New("unknown message type")

func Encode(t string, payload any) ([]byte, error) {
	return EncodeReply(t, "", payload)
}

// EncodeReply wraps payload in an envelope tagged with the request id it
// answers. A nil payload produces an envelope without "p".
func EncodeReply(t, req string, payload any) ([]byte, error) {
	if t == "" {
		return nil, ErrEmptyType
	}
	e := Envelope{T: t, Req: req}
	if payload != nil {
		pb, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		e.P = pb
	}
	return json.Marshal(e)
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.T == "" {
		return Envelope{}, ErrEmptyType
	}
	return e, nil
}

func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.P) == 0 {
		return out, fmt.Errorf("empty payload for type %q", env.T)
	}
	err := json.Unmarshal(env.P, &out)
	return out, err
}
