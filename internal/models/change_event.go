package models

import "errors"

// MaxBatchSize is the maximum number of events a bus accepts per publish call
const MaxBatchSize = 10

// ErrBatchTooLarge is returned by publishers handed more than MaxBatchSize events
var ErrBatchTooLarge = errors.New("batch exceeds delivery channel limit")

// Operation is the kind of change a record describes
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpModify Operation = "MODIFY"
	OpRemove Operation = "REMOVE"
)

// Valid reports whether o is one of the known operations
func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpModify, OpRemove:
		return true
	}
	return false
}

// ChangeRecord represents a single change to a stored record
type ChangeRecord struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Table     string    `json:"table,omitempty"`
	Before    Image     `json:"before,omitempty"` // Empty for INSERT
	After     Image     `json:"after,omitempty"`  // Empty for REMOVE
}

// Malformed reports whether the record lacks the images its operation requires
// or carries an unknown operation. Malformed records are still enriched.
func (r ChangeRecord) Malformed() bool {
	switch r.Operation {
	case OpInsert:
		return len(r.After) == 0
	case OpRemove:
		return len(r.Before) == 0
	case OpModify:
		return len(r.Before) == 0 && len(r.After) == 0
	}
	return true
}

// Clone returns a copy of the record that shares no memory with r
func (r ChangeRecord) Clone() ChangeRecord {
	r.Before = r.Before.Clone()
	r.After = r.After.Clone()
	return r
}

// Metadata is the static routing information stamped on every event
type Metadata struct {
	BusName    string `json:"busName"`
	DetailType string `json:"detailType"`
	Source     string `json:"source"`
}

// Detail is the payload consumers match against: the original record plus
// the derived list of changed fields
type Detail struct {
	ChangeRecord
	ChangedFields []string `json:"changedFields"`
}

// EnrichedEvent is a change record ready for delivery to the bus
type EnrichedEvent struct {
	Metadata
	Detail Detail `json:"detail"`
}

// Batch is an ordered group of events delivered in one publish call
type Batch []EnrichedEvent
