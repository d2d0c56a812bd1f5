package beacon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformedPulse signals a beacon payload that cannot be trusted: bad JSON,
// missing fields, wrong round, undecodable signature or a randomness digest that
// does not match the signature. It is never retried and never cached.
var ErrMalformedPulse = errors.New("beacon: malformed pulse")

// Pulse is one round's published output. Pulses are immutable once fetched.
type Pulse struct {
	Network      string
	Round        uint64
	Randomness   []byte
	Signature    G1Point
	RawSignature []byte
	FetchedAt    time.Time
}

// SignatureHex returns the signature exactly as published.
func (p *Pulse) SignatureHex() string {
	return hex.EncodeToString(p.RawSignature)
}

// Info is the beacon chain description served on /info.
type Info struct {
	PublicKey   string `json:"public_key"`
	Period      int64  `json:"period"`
	GenesisTime int64  `json:"genesis_time"`
	Hash        string `json:"hash"`
	SchemeID    string `json:"scheme_id"`
}

// parsePulse validates a /public payload. wantRound of zero accepts any round.
func parsePulse(network string, body []byte, wantRound uint64, fetchedAt time.Time) (*Pulse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedPulse)
	}

	round := gjson.GetBytes(body, "round")
	if round.Type != gjson.Number || round.Uint() == 0 {
		return nil, fmt.Errorf("%w: missing or invalid round", ErrMalformedPulse)
	}
	if wantRound != 0 && round.Uint() != wantRound {
		return nil, fmt.Errorf("%w: requested round %d, got %d", ErrMalformedPulse, wantRound, round.Uint())
	}

	sigField := gjson.GetBytes(body, "signature")
	if sigField.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedPulse)
	}
	rawSig, err := decodeHex(sigField.Str)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedPulse, err)
	}

	randField := gjson.GetBytes(body, "randomness")
	if randField.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing randomness", ErrMalformedPulse)
	}
	randomness, err := decodeHex(randField.Str)
	if err != nil {
		return nil, fmt.Errorf("%w: randomness: %v", ErrMalformedPulse, err)
	}

	digest := sha256.Sum256(rawSig)
	if !bytes.Equal(digest[:], randomness) {
		return nil, fmt.Errorf("%w: randomness does not match signature digest", ErrMalformedPulse)
	}

	point, err := DecodeSignatureBytes(rawSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPulse, err)
	}

	return &Pulse{
		Network:      network,
		Round:        round.Uint(),
		Randomness:   randomness,
		Signature:    point,
		RawSignature: rawSig,
		FetchedAt:    fetchedAt,
	}, nil
}

func parseInfo(body []byte) (*Info, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid info JSON", ErrMalformedPulse)
	}
	info := &Info{
		PublicKey:   gjson.GetBytes(body, "public_key").String(),
		Period:      gjson.GetBytes(body, "period").Int(),
		GenesisTime: gjson.GetBytes(body, "genesis_time").Int(),
		Hash:        gjson.GetBytes(body, "hash").String(),
		SchemeID:    gjson.GetBytes(body, "schemeID").String(),
	}
	if info.Period <= 0 || info.GenesisTime <= 0 || info.PublicKey == "" {
		return nil, fmt.Errorf("%w: info missing period, genesis_time or public_key", ErrMalformedPulse)
	}
	return info, nil
}

// storedPulse is the encoding used by shared pulse stores.
type storedPulse struct {
	Network    string    `json:"network"`
	Round      uint64    `json:"round"`
	Randomness string    `json:"randomness"`
	Signature  string    `json:"signature"`
	FetchedAt  time.Time `json:"fetched_at"`
}

func marshalPulse(p *Pulse) ([]byte, error) {
	return json.Marshal(storedPulse{
		Network:    p.Network,
		Round:      p.Round,
		Randomness: hex.EncodeToString(p.Randomness),
		Signature:  p.SignatureHex(),
		FetchedAt:  p.FetchedAt,
	})
}

// unmarshalPulse revalidates a stored pulse exactly like a fresh payload.
func unmarshalPulse(data []byte) (*Pulse, error) {
	var sp storedPulse
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("%w: stored pulse: %v", ErrMalformedPulse, err)
	}
	body, err := json.Marshal(map[string]any{
		"round":      sp.Round,
		"randomness": sp.Randomness,
		"signature":  sp.Signature,
	})
	if err != nil {
		return nil, err
	}
	return parsePulse(sp.Network, body, sp.Round, sp.FetchedAt)
}
