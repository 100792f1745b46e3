package casemanager

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidTransition is returned for any state change outside the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyInReview is returned when a case is held by another reviewer.
	ErrAlreadyInReview = errors.New("case already in review")
	// ErrCaseNotFound is returned for unknown case ids.
	ErrCaseNotFound = errors.New("case not found")
	// ErrDuplicateCase is returned when ingesting an id that already exists.
	ErrDuplicateCase = errors.New("case already exists")
)

// TransitionError describes a rejected transition. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	CaseID  types.CaseID
	From    types.State
	To      types.State
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("casemanager: %s -> %s not allowed for case %s (trigger=%s)",
		e.From, e.To, e.CaseID, e.Trigger)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ============================================================================
// Transition table
// ============================================================================

// Trigger names the cause of a transition. An edge is only valid when it is
// requested with the trigger it is registered under.
type Trigger string

const (
	TriggerIngest           Trigger = "ingest"
	TriggerClaim            Trigger = "claim"
	TriggerExtracted        Trigger = "extracted"
	TriggerExtractionFailed Trigger = "extraction_failed"
	TriggerOpen             Trigger = "open"
	TriggerRelease          Trigger = "release"
	TriggerDecide           Trigger = "decide"
	TriggerMaskChanged      Trigger = "mask_changed"
	TriggerRetry            Trigger = "retry"
	TriggerExport           Trigger = "export"
)

type edge struct {
	from types.State
	to   types.State
}

var transitions = map[edge]Trigger{
	{types.StateQueued, types.StateProcessing}: TriggerClaim,

	{types.StateProcessing, types.StateFailed}:       TriggerExtractionFailed,
	{types.StateProcessing, types.StateAutoApproved}: TriggerExtracted,
	{types.StateProcessing, types.StateNeedsReview}:  TriggerExtracted,

	{types.StateNeedsReview, types.StateInReview}: TriggerOpen,
	{types.StateInReview, types.StateApproved}:    TriggerDecide,
	{types.StateInReview, types.StateRejected}:    TriggerDecide,
	{types.StateInReview, types.StateNeedsReview}: TriggerRelease,

	{types.StateNeedsReview, types.StateProcessing}: TriggerMaskChanged,
	{types.StateInReview, types.StateProcessing}:    TriggerMaskChanged,
	{types.StateFailed, types.StateProcessing}:      TriggerMaskChanged,

	{types.StateFailed, types.StateQueued}: TriggerRetry,

	{types.StateAutoApproved, types.StateExported}: TriggerExport,
	{types.StateApproved, types.StateExported}:     TriggerExport,
}

// Allowed reports whether from -> to is an edge of the lifecycle.
func Allowed(from, to types.State) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// TriggerFor returns the trigger registered for from -> to.
func TriggerFor(from, to types.State) (Trigger, bool) {
	t, ok := transitions[edge{from, to}]
	return t, ok
}

// MaskMutable reports whether a mask edit on a case in s re-enters Processing.
func MaskMutable(s types.State) bool {
	return transitions[edge{s, types.StateProcessing}] == TriggerMaskChanged
}

// mustHoldInvariants panics when a case reaches a state the lifecycle can never
// produce. These are programming errors and are never corrected silently.
func mustHoldInvariants(c *types.Case) {
	if c.ExportRef != "" && c.State != types.StateExported {
		panic(fmt.Sprintf("casemanager: case %s has export_ref in state %s", c.ID, c.State))
	}
	if c.State == types.StateExported && c.ExportRef == "" {
		panic(fmt.Sprintf("casemanager: case %s exported without export_ref", c.ID))
	}
	if c.State == types.StateInReview && c.Reviewer == "" {
		panic(fmt.Sprintf("casemanager: case %s in review without reviewer", c.ID))
	}
	if c.RetryCount < 0 {
		panic(fmt.Sprintf("casemanager: case %s has negative retry_count", c.ID))
	}
}
