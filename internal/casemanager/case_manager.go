// ============================================================================
// Docflow Case Manager - case lifecycle state machine
// ============================================================================
//
// Package: internal/casemanager
// File: case_manager.go
// Purpose: owns every case record and is the only place a case changes state.
//
// State machine:
//
//	Queued ──claim──> Processing ──extracted──> AutoApproved ──export──> Exported
//	  ^                   │  └────extracted──> NeedsReview <──release──┐
//	  │                   │                        │ open              │
//	  │                   └──failed──> Failed      v                   │
//	  └──────retry──────────────────────┘       InReview ──────────────┘
//	                                               │ decide
//	                                               v
//	                                   Approved ──export──> Exported
//	                                   Rejected
//
//	NeedsReview / InReview / Failed ──mask_changed──> Processing
//
// Concurrency:
//   - m.mu guards the case index and the FIFO of queued ids.
//   - each entry has its own mutex; every read-modify-write of a case happens
//     under it, so two transitions on the same case are serialized while
//     different cases proceed in parallel.
//   - lock order is entry.mu -> m.mu. m.mu is never held while acquiring an
//     entry lock.
//
// Write-ahead:
//   The event (with the post-transition case) is handed to the EventSink
//   before the new record becomes visible. A sink error aborts the transition.
//
// ============================================================================

package casemanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/pkg/types"
)

var log = logging.For("casemanager")

// EventSink receives every transition before it is committed.
// c is a private copy of the case after the transition.
type EventSink interface {
	RecordTransition(ev types.TransitionEvent, c *types.Case) error
}

// entry is one case with its own lock and audit trail.
type entry struct {
	mu      sync.Mutex
	c       *types.Case
	history []types.TransitionEvent
}

// Manager is the case store and state machine.
type Manager struct {
	mu    sync.RWMutex
	cases map[types.CaseID]*entry
	order []types.CaseID // insertion order
	queue []types.CaseID // ids that entered Queued, FIFO

	sink EventSink
	now  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink installs the write-ahead event sink.
func WithSink(s EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty case manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cases: make(map[types.CaseID]*entry),
		order: make([]types.CaseID, 0),
		queue: make([]types.CaseID, 0),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ============================================================================
// Generic transition
// ============================================================================

// Transition is a request to move one case along one edge.
type Transition struct {
	CaseID  types.CaseID
	To      types.State
	Trigger Trigger
	Actor   string
	Reason  string

	// Guard runs under the case lock before the edge is validated. A non-nil
	// error rejects the request without touching the case.
	Guard func(c *types.Case) error

	// Mutate runs on a copy of the case after State and UpdatedAt are set.
	Mutate func(c *types.Case)
}

// Apply performs t atomically with respect to every other operation on the
// same case.
//
// Returns:
//   - a copy of the case after the transition
//   - ErrCaseNotFound, *TransitionError, the guard's error or the sink's error
func (m *Manager) Apply(t Transition) (*types.Case, error) {
	e, err := m.lookup(t.CaseID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Guard != nil {
		if err := t.Guard(e.c); err != nil {
			return nil, err
		}
	}
	return m.commitLocked(e, t)
}

// commitLocked validates the edge and commits it. Caller holds e.mu.
func (m *Manager) commitLocked(e *entry, t Transition) (*types.Case, error) {
	from := e.c.State
	trig, ok := transitions[edge{from, t.To}]
	if !ok || trig != t.Trigger {
		return nil, &TransitionError{CaseID: t.CaseID, From: from, To: t.To, Trigger: t.Trigger}
	}

	now := m.now()
	next := e.c.Clone()
	next.State = t.To
	next.UpdatedAt = now
	if t.Mutate != nil {
		t.Mutate(next)
	}
	mustHoldInvariants(next)

	ev := types.TransitionEvent{
		CaseID:    t.CaseID,
		From:      from,
		To:        t.To,
		Timestamp: now,
		Actor:     t.Actor,
		Reason:    t.Reason,
	}
	if m.sink != nil {
		if err := m.sink.RecordTransition(ev, next.Clone()); err != nil {
			return nil, fmt.Errorf("record transition %s -> %s: %w", from, t.To, err)
		}
	}

	e.c = next
	e.history = append(e.history, ev)
	if t.To == types.StateQueued {
		m.mu.Lock()
		m.queue = append(m.queue, t.CaseID)
		m.mu.Unlock()
	}

	log.Debug("case transition",
		"case_id", t.CaseID, "from", from, "to", t.To, "actor", t.Actor, "trigger", t.Trigger)
	return next.Clone(), nil
}

func (m *Manager) lookup(id types.CaseID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	return e, nil
}

// ============================================================================
// Lifecycle operations
// ============================================================================

// Create registers a new case in Queued. CreatedAt/UpdatedAt are stamped here.
func (m *Manager) Create(c types.Case, actor string) (*types.Case, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("%w: empty case id", ErrInvalidTransition)
	}

	now := m.now()
	rec := c.Clone()
	rec.State = types.StateQueued
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Confidence = nil
	rec.ExportRef = ""
	rec.Reviewer = ""
	rec.RetryCount = 0
	rec.OutstandingRetry = false

	ev := types.TransitionEvent{
		CaseID:    rec.ID,
		To:        types.StateQueued,
		Timestamp: now,
		Actor:     actor,
		Reason:    string(TriggerIngest),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cases[rec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCase, rec.ID)
	}
	if m.sink != nil {
		if err := m.sink.RecordTransition(ev, rec.Clone()); err != nil {
			return nil, fmt.Errorf("record ingest: %w", err)
		}
	}

	m.cases[rec.ID] = &entry{c: rec, history: []types.TransitionEvent{ev}}
	m.order = append(m.order, rec.ID)
	m.queue = append(m.queue, rec.ID)
	return rec.Clone(), nil
}

// Claim moves a Queued case to Processing.
func (m *Manager) Claim(id types.CaseID, actor string) (*types.Case, error) {
	return m.Apply(Transition{
		CaseID:  id,
		To:      types.StateProcessing,
		Trigger: TriggerClaim,
		Actor:   actor,
	})
}

// ClaimNext claims the oldest Queued case. It returns nil, nil when nothing is
// queued. Ids whose case left Queued in the meantime are skipped.
func (m *Manager) ClaimNext(actor string) (*types.Case, error) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return nil, nil
		}
		id := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		c, err := m.Claim(id, actor)
		if err == nil {
			return c, nil
		}
		var te *TransitionError
		if errors.As(err, &te) {
			continue
		}
		return nil, err
	}
}

// ExtractionOutcome is what the engine learned from one extraction attempt.
type ExtractionOutcome struct {
	Fields     map[string]types.Field
	Flags      []string
	Confidence float64
}

// RecordExtraction moves a Processing case to to (AutoApproved or NeedsReview)
// and replaces its extraction output wholesale.
func (m *Manager) RecordExtraction(id types.CaseID, actor string, to types.State, out ExtractionOutcome) (*types.Case, error) {
	return m.Apply(Transition{
		CaseID:  id,
		To:      to,
		Trigger: TriggerExtracted,
		Actor:   actor,
		Mutate: func(c *types.Case) {
			conf := out.Confidence
			c.Confidence = &conf
			c.Fields = make(map[string]types.Field, len(out.Fields))
			for k, v := range out.Fields {
				c.Fields[k] = v
			}
			c.Flags = append([]string(nil), out.Flags...)
			c.HasFlags = len(out.Flags) > 0
			c.OutstandingRetry = false
			c.LastError = ""
		},
	})
}

// RecordFailure moves a Processing case to Failed.
func (m *Manager) RecordFailure(id types.CaseID, actor string, cause error) (*types.Case, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return m.Apply(Transition{
		CaseID:  id,
		To:      types.StateFailed,
		Trigger: TriggerExtractionFailed,
		Actor:   actor,
		Reason:  reason,
		Mutate: func(c *types.Case) {
			c.OutstandingRetry = false
			c.LastError = reason
		},
	})
}

// Open gives reviewer exclusive hold of a NeedsReview case. A case already in
// review fails with ErrAlreadyInReview, whoever holds it.
func (m *Manager) Open(id types.CaseID, reviewer string) (*types.Case, error) {
	return m.Apply(Transition{
		CaseID:  id,
		To:      types.StateInReview,
		Trigger: TriggerOpen,
		Actor:   reviewer,
		Guard: func(c *types.Case) error {
			if reviewer == "" {
				return fmt.Errorf("%w: reviewer required", ErrInvalidTransition)
			}
			if c.State == types.StateInReview {
				return fmt.Errorf("%w: case %s held by %s", ErrAlreadyInReview, c.ID, c.Reviewer)
			}
			return nil
		},
		Mutate: func(c *types.Case) { c.Reviewer = reviewer },
	})
}

// Release returns an InReview case to the queue without a decision.
// Extraction output and retry bookkeeping are preserved.
func (m *Manager) Release(id types.CaseID, reviewer, reason string) (*types.Case, error) {
	return m.Apply(Transition{
		CaseID:  id,
		To:      types.StateNeedsReview,
		Trigger: TriggerRelease,
		Actor:   reviewer,
		Reason:  reason,
		Guard:   holderGuard(reviewer),
		Mutate:  func(c *types.Case) { c.Reviewer = "" },
	})
}

// Decide records the reviewer's decision on an InReview case.
func (m *Manager) Decide(id types.CaseID, reviewer string, approve bool, reason string) (*types.Case, error) {
	to := types.StateRejected
	if approve {
		to = types.StateApproved
	}
	return m.Apply(Transition{
		CaseID:  id,
		To:      to,
		Trigger: TriggerDecide,
		Actor:   reviewer,
		Reason:  reason,
		Guard:   holderGuard(reviewer),
	})
}

// holderGuard rejects actions on an InReview case by anyone but its holder.
func holderGuard(reviewer string) func(c *types.Case) error {
	return func(c *types.Case) error {
		if c.State == types.StateInReview && c.Reviewer != reviewer {
			return fmt.Errorf("%w: case %s held by %s", ErrAlreadyInReview, c.ID, c.Reviewer)
		}
		return nil
	}
}

// MutateMasks runs fn under the case lock and, when the case is in a
// mask-mutable state, moves it back to Processing. A Queued case only runs fn:
// its first extraction has not started and will see the new mask set anyway.
//
// fn may return an undo func. It runs when the Processing transition cannot
// be recorded, so a failed call leaves neither the mask change nor the
// transition behind.
//
// Returns the case after the call and whether it re-entered Processing.
func (m *Manager) MutateMasks(id types.CaseID, actor string, fn func(c *types.Case) (undo func(), err error)) (*types.Case, bool, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.c.State
	switch {
	case state == types.StateQueued:
		if _, err := fn(e.c.Clone()); err != nil {
			return nil, false, err
		}
		return e.c.Clone(), false, nil
	case MaskMutable(state):
		if err := holderGuard(actor)(e.c); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, &TransitionError{CaseID: id, From: state, To: types.StateProcessing, Trigger: TriggerMaskChanged}
	}

	undo, err := fn(e.c.Clone())
	if err != nil {
		return nil, false, err
	}
	c, err := m.commitLocked(e, Transition{
		CaseID:  id,
		To:      types.StateProcessing,
		Trigger: TriggerMaskChanged,
		Actor:   actor,
		Mutate:  func(c *types.Case) { c.Reviewer = "" },
	})
	if err != nil {
		if undo != nil {
			undo()
		}
		return nil, false, err
	}
	return c, true, nil
}

// MarkExported moves an approved case to Exported and stores ref.
func (m *Manager) MarkExported(id types.CaseID, actor, ref string) (*types.Case, error) {
	return m.Apply(Transition{
		CaseID:  id,
		To:      types.StateExported,
		Trigger: TriggerExport,
		Actor:   actor,
		Reason:  ref,
		Guard: func(c *types.Case) error {
			if ref == "" {
				return fmt.Errorf("%w: empty export ref", ErrInvalidTransition)
			}
			return nil
		},
		Mutate: func(c *types.Case) { c.ExportRef = ref },
	})
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of one case.
func (m *Manager) Get(id types.CaseID) (*types.Case, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.Clone(), nil
}

// History returns the ordered transition events of one case.
func (m *Manager) History(id types.CaseID) ([]types.TransitionEvent, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.TransitionEvent(nil), e.history...), nil
}

// List returns copies of every case in insertion order.
func (m *Manager) List() []*types.Case {
	entries := m.entries()
	out := make([]*types.Case, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.c.Clone())
		e.mu.Unlock()
	}
	return out
}

// CountByState counts cases per state.
func (m *Manager) CountByState() map[types.State]int {
	counts := make(map[types.State]int, len(types.AllStates))
	for _, c := range m.List() {
		counts[c.State]++
	}
	return counts
}

// QueueDepth is the number of ids waiting in the claim FIFO.
func (m *Manager) QueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

func (m *Manager) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.cases[id])
	}
	return out
}

// ============================================================================
// Snapshot and recovery
// ============================================================================

// Snapshot copies every case and its history.
func (m *Manager) Snapshot() types.SnapshotData {
	entries := m.entries()
	data := types.SnapshotData{
		Cases:     make(map[types.CaseID]*types.Case, len(entries)),
		History:   make(map[types.CaseID][]types.TransitionEvent, len(entries)),
		SchemaVer: 1,
	}
	for _, e := range entries {
		e.mu.Lock()
		data.Cases[e.c.ID] = e.c.Clone()
		data.History[e.c.ID] = append([]types.TransitionEvent(nil), e.history...)
		e.mu.Unlock()
	}
	return data
}

// Restore replaces all state with data. The claim FIFO is rebuilt from Queued
// cases ordered by UpdatedAt.
func (m *Manager) Restore(data types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cases = make(map[types.CaseID]*entry, len(data.Cases))
	m.order = make([]types.CaseID, 0, len(data.Cases))
	m.queue = make([]types.CaseID, 0)

	for id, c := range data.Cases {
		m.cases[id] = &entry{
			c:       c.Clone(),
			history: append([]types.TransitionEvent(nil), data.History[id]...),
		}
		m.order = append(m.order, id)
	}
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.cases[m.order[i]].c, m.cases[m.order[j]].c
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	m.rebuildQueueLocked()
}

// Replay applies a logged event idempotently: the case is overwritten with the
// logged post-transition copy and the event is appended unless already present.
func (m *Manager) Replay(ev types.TransitionEvent, c *types.Case) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cases[c.ID]
	if !ok {
		e = &entry{}
		m.cases[c.ID] = e
		m.order = append(m.order, c.ID)
	}
	e.c = c.Clone()
	for _, h := range e.history {
		if h.Timestamp.Equal(ev.Timestamp) && h.From == ev.From && h.To == ev.To {
			return
		}
	}
	e.history = append(e.history, ev)
}

// RebuildQueue recomputes the claim FIFO from current Queued cases.
func (m *Manager) RebuildQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildQueueLocked()
}

func (m *Manager) rebuildQueueLocked() {
	queued := make([]*types.Case, 0)
	for _, id := range m.order {
		if c := m.cases[id].c; c.State == types.StateQueued {
			queued = append(queued, c)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].UpdatedAt.Before(queued[j].UpdatedAt)
	})
	m.queue = m.queue[:0]
	for _, c := range queued {
		m.queue = append(m.queue, c.ID)
	}
}
