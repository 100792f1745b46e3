// Package types defines the core domain model shared by the docflow engine.
package types

import (
	"time"
)

// CaseID identifies a case. Opaque and immutable.
type CaseID string

// State is the workflow position of a case.
type State string

const (
	StateQueued       State = "queued"        // waiting for an extraction worker
	StateProcessing   State = "processing"    // extraction in flight
	StateNeedsReview  State = "needs_review"  // waiting for a reviewer
	StateInReview     State = "in_review"     // held by exactly one reviewer
	StateAutoApproved State = "auto_approved" // policy skipped human review
	StateApproved     State = "approved"      // cleared by a reviewer
	StateRejected     State = "rejected"      // terminal
	StateFailed       State = "failed"        // extraction failed, retryable
	StateExported     State = "exported"      // terminal
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateQueued,
	StateProcessing,
	StateNeedsReview,
	StateInReview,
	StateAutoApproved,
	StateApproved,
	StateRejected,
	StateFailed,
	StateExported,
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateExported || s == StateRejected
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Field is one extracted value with its per-field confidence in [0,100].
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Case is one document's workflow record.
type Case struct {
	ID    CaseID `json:"id"`
	State State  `json:"state"`

	// Extraction output. Confidence is nil until the first extraction.
	Confidence *float64         `json:"confidence,omitempty"`
	Fields     map[string]Field `json:"fields,omitempty"`
	Flags      []string         `json:"flags,omitempty"`
	HasFlags   bool             `json:"has_flags"`

	// Document and vendor
	DocumentURI string `json:"document_uri"`
	PageWidth   int    `json:"page_width,omitempty"`
	PageHeight  int    `json:"page_height,omitempty"`
	VendorID    string `json:"vendor_id,omitempty"`
	VendorName  string `json:"vendor_name,omitempty"`

	// Retry bookkeeping
	RetryCount       int    `json:"retry_count"`
	OutstandingRetry bool   `json:"outstanding_retry"`
	Profile          string `json:"profile,omitempty"`
	LastError        string `json:"last_error,omitempty"`

	Reviewer  string `json:"reviewer,omitempty"`  // holder while in review
	ExportRef string `json:"export_ref,omitempty"` // set only together with StateExported

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of c.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Confidence != nil {
		v := *c.Confidence
		cp.Confidence = &v
	}
	if c.Fields != nil {
		cp.Fields = make(map[string]Field, len(c.Fields))
		for k, v := range c.Fields {
			cp.Fields[k] = v
		}
	}
	if c.Flags != nil {
		cp.Flags = append([]string(nil), c.Flags...)
	}
	return &cp
}

// TransitionEvent is the immutable audit record of one state change.
// From is empty for the ingest event.
type TransitionEvent struct {
	CaseID    CaseID    `json:"case_id"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
}

// MaskType classifies a noise region.
type MaskType string

const (
	MaskLogo      MaskType = "logo"
	MaskWatermark MaskType = "watermark"
	MaskHeader    MaskType = "header"
	MaskFooter    MaskType = "footer"
	MaskCustom    MaskType = "custom"
)

// Valid reports whether t is a known mask type.
func (t MaskType) Valid() bool {
	switch t {
	case MaskLogo, MaskWatermark, MaskHeader, MaskFooter, MaskCustom:
		return true
	}
	return false
}

// Region is a rectangle in page pixel coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Mask is a rectangular region excluded from extraction.
type Mask struct {
	ID             string    `json:"id"`
	Type           MaskType  `json:"type"`
	Region         Region    `json:"region"`
	VendorSpecific bool      `json:"vendor_specific"`
	CaseID         CaseID    `json:"case_id"`             // originating case
	VendorID       string    `json:"vendor_id,omitempty"` // owner when VendorSpecific
	CreatedAt      time.Time `json:"created_at"`
}

// ConfidenceTier is the display bucket of an aggregate confidence.
type ConfidenceTier string

const (
	TierHigh    ConfidenceTier = "high"
	TierMedium  ConfidenceTier = "medium"
	TierLow     ConfidenceTier = "low"
	TierUnknown ConfidenceTier = "unknown"
)

// QueueEntry is the reviewer-facing projection of a case.
type QueueEntry struct {
	CaseID     CaseID         `json:"case_id"`
	State      State          `json:"state"`
	VendorID   string         `json:"vendor_id,omitempty"`
	VendorName string         `json:"vendor_name,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Tier       ConfidenceTier `json:"tier"`
	Total      string         `json:"total,omitempty"`
	HasFlags   bool           `json:"has_flags"`
	Flags      []string       `json:"flags,omitempty"`
	RetryCount int            `json:"retry_count"`
	Reviewer   string         `json:"reviewer,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// QueueStats is an aggregate over the live case set.
type QueueStats struct {
	Total             int           `json:"total"`
	Pending           int           `json:"pending"`
	InReview          int           `json:"in_review"`
	Approved          int           `json:"approved"`
	Rejected          int           `json:"rejected"`
	AverageConfidence float64       `json:"average_confidence"`
	ByState           map[State]int `json:"by_state"`
}

// SnapshotData is the persisted state used for recovery.
type SnapshotData struct {
	Cases     map[CaseID]*Case             `json:"cases"`
	History   map[CaseID][]TransitionEvent `json:"history,omitempty"`
	Masks     []*Mask                      `json:"masks"`
	SchemaVer int                          `json:"schema_ver"`
	LastSeq   uint64                       `json:"last_seq"`
}
