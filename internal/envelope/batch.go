package envelope

import (
	"encoding/json"
	"fmt"
)

// BatchVersion is the envelope batch wire format version.
const BatchVersion = 1

// ValidationError reports a malformed envelope, batch, or pack shape.
// Malformed input is rejected whole, never partially accepted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Batch is the envelope batch wire shape: { v, c, items }.
type Batch struct {
	V     int        `json:"v"`
	Count int        `json:"c"`
	Items []Envelope `json:"items"`
}

// EncodeBatch serializes envelopes into the batch wire shape.
func EncodeBatch(items []Envelope) ([]byte, error) {
	batch := Batch{
		V:     BatchVersion,
		Count: len(items),
		Items: items,
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	return data, nil
}

// DecodeBatch parses and validates a batch. A bad version tag, missing
// items array, or any item without a hash rejects the whole batch.
func DecodeBatch(data []byte) ([]Envelope, error) {
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, &ValidationError{Reason: "batch is not valid JSON"}
	}

	if batch.V != BatchVersion {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported batch version %d", batch.V)}
	}

	if batch.Items == nil {
		return nil, &ValidationError{Reason: "batch has no items array"}
	}

	for i, item := range batch.Items {
		if item.Hash == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("item %d has no hash", i)}
		}
	}

	return batch.Items, nil
}
