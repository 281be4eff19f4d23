package exchange

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"afetnet/internal/envelope"
)

// qrPrefix tags QR payloads so a scanner can tell ours apart from
// arbitrary QR content.
const qrPrefix = "AN1:"

// EncodeQR packs envelopes into a QR text payload:
// "AN1:" + base64(deflate(JSON batch)). Deflate matters here; QR
// capacity is tight and the batch JSON is highly compressible.
func EncodeQR(items []envelope.Envelope) (string, error) {
	body, err := envelope.EncodeBatch(items)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("init deflate: %w", err)
	}
	if _, err := fw.Write(body); err != nil {
		return "", fmt.Errorf("deflate batch: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("flush deflate: %w", err)
	}

	return qrPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeQR reverses EncodeQR. Payloads from an older encoder that
// skipped compression are still accepted: if inflating fails, the
// base64-decoded bytes are parsed as batch JSON directly.
func DecodeQR(text string) ([]envelope.Envelope, error) {
	if !strings.HasPrefix(text, qrPrefix) {
		return nil, &envelope.ValidationError{Reason: "missing QR protocol tag"}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, qrPrefix))
	if err != nil {
		return nil, &envelope.ValidationError{Reason: "QR payload is not valid base64"}
	}

	if body, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw))); err == nil {
		// The payload inflated, so it came from the compressing encoder;
		// a batch error here is the real one, not a cue to try raw JSON.
		return envelope.DecodeBatch(body)
	}

	return envelope.DecodeBatch(raw)
}

// ImportQR decodes a scanned QR payload and feeds every envelope
// through the admitter, reporting how many were new.
func ImportQR(text string, admit Admitter) (ImportResult, error) {
	items, err := DecodeQR(text)
	if err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Items: len(items)}
	for _, env := range items {
		ok, err := admit.Admit(env)
		if err != nil {
			return res, fmt.Errorf("admit QR item: %w", err)
		}
		if ok {
			res.Admitted++
		}
	}

	return res, nil
}
