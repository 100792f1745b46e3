// Package reviewqueue projects the live case set into reviewer-facing views.
// Nothing here is cached: every call recomputes from the case store.
package reviewqueue

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/docflow/internal/policy"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// DefaultPageSize applies when a page request leaves Size at zero.
const DefaultPageSize = 20

// ErrInvalidQuery wraps every rejected filter or sort.
var ErrInvalidQuery = errors.New("invalid queue query")

// SortField is a sortable column.
type SortField string

const (
	SortPriority   SortField = "priority"
	SortCreatedAt  SortField = "created_at"
	SortUpdatedAt  SortField = "updated_at"
	SortConfidence SortField = "confidence"
)

// Order is the sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ConfidenceRange is an inclusive [Min, Max] filter.
type ConfidenceRange struct {
	Min float64
	Max float64
}

// Filter narrows a query. A zero State means NeedsReview.
type Filter struct {
	State      types.State
	Vendor     string
	Confidence *ConfidenceRange
}

// Sort selects ordering. Zero values mean priority ascending.
type Sort struct {
	Field SortField
	Order Order
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Result is one page of entries.
type Result struct {
	Entries    []types.QueueEntry
	Total      int
	TotalPages int
	Page       int
}

// Source supplies the live case set.
type Source interface {
	List() []*types.Case
}

// Index answers queue queries over a Source.
type Index struct {
	src Source
}

// New creates an index over src.
func New(src Source) *Index {
	return &Index{src: src}
}

// Query filters, sorts and paginates the live set.
func (ix *Index) Query(f Filter, s Sort, p Page) (*Result, error) {
	if f.State == "" {
		f.State = types.StateNeedsReview
	}
	if !f.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidQuery, f.State)
	}
	if f.Confidence != nil && f.Confidence.Min > f.Confidence.Max {
		return nil, fmt.Errorf("%w: confidence range min %.2f > max %.2f", ErrInvalidQuery, f.Confidence.Min, f.Confidence.Max)
	}
	if s.Field == "" {
		s.Field = SortPriority
	}
	if s.Order == "" {
		s.Order = Asc
	}
	less, err := comparator(s)
	if err != nil {
		return nil, err
	}
	if p.Number <= 0 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}

	matched := make([]*types.Case, 0)
	for _, c := range ix.src.List() {
		if matches(c, f) {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	total := len(matched)
	res := &Result{
		Entries:    make([]types.QueueEntry, 0, p.Size),
		Total:      total,
		TotalPages: (total + p.Size - 1) / p.Size,
		Page:       p.Number,
	}
	start := (p.Number - 1) * p.Size
	if start >= total {
		return res, nil
	}
	end := start + p.Size
	if end > total {
		end = total
	}
	for _, c := range matched[start:end] {
		res.Entries = append(res.Entries, Entry(c))
	}
	return res, nil
}

// Entry projects one case.
func Entry(c *types.Case) types.QueueEntry {
	e := types.QueueEntry{
		CaseID:     c.ID,
		State:      c.State,
		VendorID:   c.VendorID,
		VendorName: c.VendorName,
		Tier:       policy.Tier(c.Confidence),
		HasFlags:   c.HasFlags,
		Flags:      append([]string(nil), c.Flags...),
		RetryCount: c.RetryCount,
		Reviewer:   c.Reviewer,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.Confidence != nil {
		v := *c.Confidence
		e.Confidence = &v
	}
	if f, ok := c.Fields["total"]; ok {
		e.Total = f.Value
	}
	return e
}

func matches(c *types.Case, f Filter) bool {
	if c.State != f.State {
		return false
	}
	if f.Vendor != "" {
		needle := strings.ToLower(f.Vendor)
		if !strings.Contains(strings.ToLower(c.VendorName), needle) &&
			!strings.Contains(strings.ToLower(c.VendorID), needle) {
			return false
		}
	}
	if f.Confidence != nil {
		if c.Confidence == nil {
			return false
		}
		if *c.Confidence < f.Confidence.Min || *c.Confidence > f.Confidence.Max {
			return false
		}
	}
	return true
}

// comparator returns a strict ordering; ties fall back to created_at then id
// so pages are stable between calls.
func comparator(s Sort) (func(a, b *types.Case) bool, error) {
	var primary func(a, b *types.Case) int
	switch s.Field {
	case SortPriority, SortConfidence:
		primary = func(a, b *types.Case) int { return cmpConfidence(a.Confidence, b.Confidence) }
	case SortCreatedAt:
		primary = func(a, b *types.Case) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case SortUpdatedAt:
		primary = func(a, b *types.Case) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	default:
		return nil, fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, s.Field)
	}

	var sign int
	switch s.Order {
	case Asc:
		sign = 1
	case Desc:
		sign = -1
	default:
		return nil, fmt.Errorf("%w: unknown sort order %q", ErrInvalidQuery, s.Order)
	}

	return func(a, b *types.Case) bool {
		if d := primary(a, b) * sign; d != 0 {
			return d < 0
		}
		if d := a.CreatedAt.Compare(b.CreatedAt); d != 0 {
			return d < 0
		}
		return a.ID < b.ID
	}, nil
}

// cmpConfidence orders a missing confidence below every scored case.
func cmpConfidence(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}
