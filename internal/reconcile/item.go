// Package reconcile drains locally queued operations to the central
// service once connectivity returns. Items carry a typed payload per
// operation kind, a priority class governing drain order, and retry
// state; a location update pending sync is collapsed last-write-wins so
// frequent position changes never grow the queue.
package reconcile

import (
	"fmt"
)

// Operation kinds.
const (
	KindMessage  = "message"
	KindLocation = "location"
	KindStatus   = "status"
	KindSOS      = "sos"
	KindSave     = "save"
	KindUpdate   = "update"
	KindDelete   = "delete"
)

// Priority classes, drained critical first.
const (
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// MessageData is the payload of a message operation.
type MessageData struct {
	To   string `json:"to,omitempty"`
	Body string `json:"body"`
}

// LocationData is the payload of a location update.
type LocationData struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// StatusData is the payload of a status report.
type StatusData struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// SOSData is the payload of an emergency signal.
type SOSData struct {
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	Note   string   `json:"note,omitempty"`
	People int      `json:"people,omitempty"`
}

// RecordData is the payload of a save, update, or delete operation on a
// remote record.
type RecordData struct {
	Collection string         `json:"collection"`
	RecordID   string         `json:"recordId,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// SyncItem is one queued operation. Exactly one payload field is set,
// matching Kind.
type SyncItem struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Timestamp   int64  `json:"timestamp"` // epoch millis
	Priority    string `json:"priority"`
	RetryCount  int    `json:"retryCount"`
	LastAttempt int64  `json:"lastAttempt,omitempty"`
	Synced      bool   `json:"synced"`

	Message  *MessageData  `json:"message,omitempty"`
	Location *LocationData `json:"location,omitempty"`
	Status   *StatusData   `json:"status,omitempty"`
	SOS      *SOSData      `json:"sos,omitempty"`
	Record   *RecordData   `json:"record,omitempty"`
}

// validate checks that Kind is known and exactly the matching payload
// field is present.
func (it SyncItem) validate() error {
	var want, others int

	count := func(set bool, matches bool) {
		if !set {
			return
		}
		if matches {
			want++
		} else {
			others++
		}
	}

	count(it.Message != nil, it.Kind == KindMessage)
	count(it.Location != nil, it.Kind == KindLocation)
	count(it.Status != nil, it.Kind == KindStatus)
	count(it.SOS != nil, it.Kind == KindSOS)
	count(it.Record != nil, it.Kind == KindSave || it.Kind == KindUpdate || it.Kind == KindDelete)

	switch it.Kind {
	case KindMessage, KindLocation, KindStatus, KindSOS, KindSave, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("unknown sync kind %q", it.Kind)
	}

	if want != 1 || others != 0 {
		return fmt.Errorf("sync item %q must carry exactly its %s payload", it.ID, it.Kind)
	}

	return nil
}

func priorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}
