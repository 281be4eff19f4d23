// Package exchange implements out-of-band envelope transfer: a file
// "pack" with a whole-container integrity hash, and a QR text codec for
// small batches. Both paths feed imports through the seen-set so a pack
// passed around a neighborhood admits each envelope exactly once.
package exchange

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"afetnet/internal/envelope"
	"afetnet/internal/logger"
)

const (
	// PackKind tags the pack file format.
	PackKind = "afet-pack"

	// PackVersion is the pack format version.
	PackVersion = 1

	// DefaultPackSize is how many envelopes an export snapshots when
	// the caller has no better bound.
	DefaultPackSize = 12
)

// IntegrityError reports a pack whose contents do not match its
// integrity hash. Nothing from such a pack is admitted.
type IntegrityError struct {
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: pack hash mismatch, stored %s computed %s", e.Want, e.Got)
}

// Pack is the file container: { kind, v, createdAt, count, items, packHash }.
type Pack struct {
	Kind      string              `json:"kind"`
	V         int                 `json:"v"`
	CreatedAt int64               `json:"createdAt"`
	Count     int                 `json:"count"`
	Items     []envelope.Envelope `json:"items"`
	PackHash  string              `json:"packHash"`
}

// Admitter is the deduplicating ingestion chokepoint imports feed into.
type Admitter interface {
	Admit(env envelope.Envelope) (bool, error)
}

// Source supplies envelopes for export. The retry queue implements it.
type Source interface {
	Snapshot(max int) []envelope.Envelope
}

// packHash computes the integrity hash over {v, createdAt, items} in
// canonical form, so a byte-for-byte identical hash is obtained no
// matter which implementation serialized the pack.
func packHash(v int, createdAt int64, items []envelope.Envelope) (string, error) {
	canonical, err := envelope.Canonicalize(map[string]any{
		"v":         v,
		"createdAt": createdAt,
		"items":     items,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize pack: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Export snapshots up to max pending envelopes into a sealed pack.
func Export(source Source, max int, createdAt int64) (Pack, error) {
	items := source.Snapshot(max)

	hash, err := packHash(PackVersion, createdAt, items)
	if err != nil {
		return Pack{}, err
	}

	return Pack{
		Kind:      PackKind,
		V:         PackVersion,
		CreatedAt: createdAt,
		Count:     len(items),
		Items:     items,
		PackHash:  hash,
	}, nil
}

// ExportFile writes an exported pack as JSON to path, ready for the
// platform share sheet.
func ExportFile(source Source, max int, createdAt int64, path string) error {
	pack, err := Export(source, max, createdAt)
	if err != nil {
		return err
	}

	data, err := json.Marshal(pack)
	if err != nil {
		return fmt.Errorf("marshal pack: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write pack: %w", err)
	}

	logger.Info("pack exported", "path", path, "items", pack.Count)

	return nil
}

// ImportResult reports what an import did.
type ImportResult struct {
	Items    int // envelopes carried by the pack
	Admitted int // envelopes newly admitted (rest were already seen)
}

// Import verifies and ingests a pack. Shape or version problems return
// a ValidationError, a hash mismatch an IntegrityError; in both cases
// nothing is admitted. Already-seen items are skipped silently.
func Import(data []byte, admit Admitter) (ImportResult, error) {
	var pack Pack
	if err := json.Unmarshal(data, &pack); err != nil {
		return ImportResult{}, &envelope.ValidationError{Reason: "pack is not valid JSON"}
	}

	if pack.Kind != PackKind {
		return ImportResult{}, &envelope.ValidationError{Reason: fmt.Sprintf("unexpected pack kind %q", pack.Kind)}
	}
	if pack.V != PackVersion {
		return ImportResult{}, &envelope.ValidationError{Reason: fmt.Sprintf("unsupported pack version %d", pack.V)}
	}

	hash, err := packHash(pack.V, pack.CreatedAt, pack.Items)
	if err != nil {
		return ImportResult{}, err
	}
	if hash != pack.PackHash {
		return ImportResult{}, &IntegrityError{Want: pack.PackHash, Got: hash}
	}

	res := ImportResult{Items: len(pack.Items)}
	for _, env := range pack.Items {
		ok, err := admit.Admit(env)
		if err != nil {
			return res, fmt.Errorf("admit pack item: %w", err)
		}
		if ok {
			res.Admitted++
		}
	}

	logger.Info("pack imported", "items", res.Items, "admitted", res.Admitted)

	return res, nil
}

// ImportFile reads a pack file picked by the user and imports it.
func ImportFile(path string, admit Admitter) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read pack: %w", err)
	}

	return Import(data, admit)
}
