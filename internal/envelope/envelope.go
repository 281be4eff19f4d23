package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Payload priority classes. Drain ordering elsewhere maps "high" above
// "med" above "low".
const (
	PriorityLow  = "low"
	PriorityMed  = "med"
	PriorityHigh = "high"
)

// KindHelp is the only payload kind currently on the wire.
const KindHelp = "help"

// Payload is the semantic body of a message: a help request with a
// free-text note, a people count, a priority class and an optional
// position. Hash, when set, must equal the digest of the payload with
// the hash field cleared.
type Payload struct {
	Kind     string   `json:"type"`
	Note     string   `json:"note"`
	People   int      `json:"people"`
	Priority string   `json:"priority"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Hash     string   `json:"hash,omitempty"`
}

// Envelope is the wire unit: a hash-identified Payload plus creation
// timestamp. Two envelopes with equal Hash are the same logical message
// regardless of which transport carried them.
type Envelope struct {
	Kind      string  `json:"t"`
	Hash      string  `json:"hash"`
	CreatedAt int64   `json:"createdAt"` // epoch millis
	Payload   Payload `json:"payload"`
}

// normalize fills optional payload fields with explicit defaults so that
// semantically equal payloads canonicalize to identical bytes.
func normalize(p Payload) Payload {
	if p.Kind == "" {
		p.Kind = KindHelp
	}
	if p.People <= 0 {
		p.People = 1
	}
	if p.Priority == "" {
		p.Priority = PriorityMed
	}
	return p
}

// HashPayload computes the hex-encoded SHA-256 content hash of a payload.
// The payload is normalized and its hash field cleared before hashing.
func HashPayload(p Payload) (string, error) {
	p = normalize(p)
	p.Hash = ""

	canonical, err := Canonicalize(p)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// MakeEnvelope wraps a payload into an Envelope, embedding the content
// hash both at the envelope level and inside the payload copy.
func MakeEnvelope(p Payload) (Envelope, error) {
	p = normalize(p)

	hash, err := HashPayload(p)
	if err != nil {
		return Envelope{}, err
	}

	p.Hash = hash

	return Envelope{
		Kind:      KindHelp,
		Hash:      hash,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   p,
	}, nil
}

// Verify recomputes the content hash and reports whether it matches the
// hash stored in the envelope.
func Verify(env Envelope) bool {
	hash, err := HashPayload(env.Payload)
	if err != nil {
		return false
	}

	return hash == env.Hash && env.Hash != ""
}
