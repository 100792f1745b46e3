// Package masks stores noise-exclusion regions scoped to a case or a vendor.
package masks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrInvalidRegion is returned for malformed or out-of-bounds geometry.
	ErrInvalidRegion = errors.New("invalid mask region")
	// ErrInvalidMaskType is returned for a type outside the known set.
	ErrInvalidMaskType = errors.New("invalid mask type")
)

// Op is a mask mutation kind recorded in the audit log.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Sink receives every mask mutation before it becomes visible.
type Sink interface {
	RecordMask(op Op, m *types.Mask) error
}

// Bounds is the page size a region must fit in.
type Bounds struct {
	Width  int
	Height int
}

// Scope identifies where a new mask is attached.
type Scope struct {
	CaseID   types.CaseID
	VendorID string
	Bounds   Bounds
}

// Registry holds every mask in insertion order. Case-scoped and vendor-scoped
// masks live in one table keyed by id; VendorID is an explicit column, never
// ambient context.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*types.Mask
	order []string

	sink Sink
	now  func() time.Time
}

// NewRegistry creates an empty registry. sink may be nil.
func NewRegistry(sink Sink) *Registry {
	return &Registry{
		byID: make(map[string]*types.Mask),
		sink: sink,
		now:  time.Now,
	}
}

// ValidateRegion checks that r has positive size, non-negative origin and fits
// inside b. A zero dimension in b disables the bound on that axis.
func ValidateRegion(r types.Region, b Bounds) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: width and height must be positive (got %dx%d)", ErrInvalidRegion, r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: origin must be non-negative (got %d,%d)", ErrInvalidRegion, r.X, r.Y)
	}
	if b.Width > 0 && r.X+r.Width > b.Width {
		return fmt.Errorf("%w: exceeds page width %d", ErrInvalidRegion, b.Width)
	}
	if b.Height > 0 && r.Y+r.Height > b.Height {
		return fmt.Errorf("%w: exceeds page height %d", ErrInvalidRegion, b.Height)
	}
	return nil
}

// AddMask validates and stores a mask, returning its id.
func (r *Registry) AddMask(scope Scope, typ types.MaskType, region types.Region, vendorSpecific bool) (*types.Mask, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMaskType, typ)
	}
	if err := ValidateRegion(region, scope.Bounds); err != nil {
		return nil, err
	}
	if vendorSpecific && scope.VendorID == "" {
		return nil, fmt.Errorf("%w: vendor-specific mask needs a vendor", ErrInvalidRegion)
	}

	m := &types.Mask{
		ID:             uuid.NewString(),
		Type:           typ,
		Region:         region,
		VendorSpecific: vendorSpecific,
		CaseID:         scope.CaseID,
		CreatedAt:      r.now(),
	}
	if vendorSpecific {
		m.VendorID = scope.VendorID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink != nil {
		if err := r.sink.RecordMask(OpAdd, cloneMask(m)); err != nil {
			return nil, fmt.Errorf("record mask add: %w", err)
		}
	}
	r.insertLocked(m)
	return cloneMask(m), nil
}

// RemoveMask deletes a mask. Unknown ids are a no-op and return nil, nil.
// The removed mask is returned so the caller can re-process its case.
func (r *Registry) RemoveMask(id string) (*types.Mask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	if r.sink != nil {
		if err := r.sink.RecordMask(OpRemove, cloneMask(m)); err != nil {
			return nil, fmt.Errorf("record mask remove: %w", err)
		}
	}
	r.deleteLocked(id)
	return cloneMask(m), nil
}

// Reinstate puts back a mask removed by RemoveMask, keeping its id. It is
// recorded as an add. The mask moves to the end of the insertion order.
func (r *Registry) Reinstate(m *types.Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[m.ID]; ok {
		return nil
	}
	if r.sink != nil {
		if err := r.sink.RecordMask(OpAdd, cloneMask(m)); err != nil {
			return fmt.Errorf("record mask add: %w", err)
		}
	}
	r.insertLocked(cloneMask(m))
	return nil
}

// Get returns one mask.
func (r *Registry) Get(id string) (*types.Mask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return cloneMask(m), ok
}

// EffectiveMasks returns the case's own masks and its vendor's masks in
// insertion order.
func (r *Registry) EffectiveMasks(caseID types.CaseID, vendorID string) []types.Mask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Mask, 0)
	for _, id := range r.order {
		m := r.byID[id]
		own := m.CaseID == caseID
		inherited := m.VendorSpecific && vendorID != "" && m.VendorID == vendorID
		if own || inherited {
			out = append(out, *m)
		}
	}
	return out
}

// All returns every mask in insertion order.
func (r *Registry) All() []*types.Mask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Mask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneMask(r.byID[id]))
	}
	return out
}

// Len is the number of stored masks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Restore replaces the table with ms, keeping their order.
func (r *Registry) Restore(ms []*types.Mask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*types.Mask, len(ms))
	r.order = r.order[:0]
	for _, m := range ms {
		r.insertLocked(cloneMask(m))
	}
}

// Replay applies a logged mutation without re-recording it.
func (r *Registry) Replay(op Op, m *types.Mask) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case OpAdd:
		if _, ok := r.byID[m.ID]; !ok {
			r.insertLocked(cloneMask(m))
		}
	case OpRemove:
		r.deleteLocked(m.ID)
	}
}

func (r *Registry) insertLocked(m *types.Mask) {
	r.byID[m.ID] = m
	r.order = append(r.order, m.ID)
}

func (r *Registry) deleteLocked(id string) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func cloneMask(m *types.Mask) *types.Mask {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
