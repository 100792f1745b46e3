// Package policy maps one extraction result to a routing decision.
//
// Evaluate is pure: the same fields and flags always give the same decision.
package policy

import (
	"math"
	"sort"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Decision is the routing outcome of an extraction.
type Decision string

const (
	AutoApprove Decision = "auto_approve"
	Review      Decision = "review"
)

// DefaultThreshold is the aggregate confidence at or above which a flag-free
// extraction skips human review.
const DefaultThreshold = 90.0

// DefaultWeights ranks header fields above line-item detail.
var DefaultWeights = map[string]float64{
	"total":          3,
	"invoice_number": 3,
	"vendor_name":    3,
	"invoice_date":   2,
	"due_date":       2,
	"subtotal":       2,
	"tax":            1.5,
	"currency":       1,
	"line_items":     1,
}

// Config holds the evaluator's tunables.
type Config struct {
	Threshold      float64
	Weights        map[string]float64
	DefaultWeight  float64
	RequiredFields []string
}

// Evaluator applies a Config. It is safe for concurrent use; it never mutates
// its configuration after construction.
type Evaluator struct {
	threshold     float64
	weights       map[string]float64
	defaultWeight float64
	required      []string
}

// New builds an Evaluator, filling zero values with defaults.
func New(cfg Config) *Evaluator {
	e := &Evaluator{
		threshold:     cfg.Threshold,
		weights:       make(map[string]float64),
		defaultWeight: cfg.DefaultWeight,
		required:      append([]string(nil), cfg.RequiredFields...),
	}
	if e.threshold <= 0 {
		e.threshold = DefaultThreshold
	}
	if e.defaultWeight <= 0 {
		e.defaultWeight = 1
	}
	src := cfg.Weights
	if len(src) == 0 {
		src = DefaultWeights
	}
	for k, v := range src {
		e.weights[k] = v
	}
	return e
}

// Threshold returns the configured auto-approve cutoff.
func (e *Evaluator) Threshold() float64 { return e.threshold }

// Aggregate is the weighted mean of per-field confidences, clamped to [0,100].
// No fields yields 0.
func (e *Evaluator) Aggregate(fields map[string]types.Field) float64 {
	if len(fields) == 0 {
		return 0
	}

	// Sum in name order so float rounding is reproducible.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum, wsum float64
	for _, name := range names {
		w := e.weight(name)
		sum += w * clamp(fields[name].Confidence)
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return clamp(sum / wsum)
}

func (e *Evaluator) weight(name string) float64 {
	if w, ok := e.weights[name]; ok && w > 0 {
		return w
	}
	return e.defaultWeight
}

// Evaluate returns the routing decision and the aggregate confidence.
// Any validation flag forces Review.
func (e *Evaluator) Evaluate(fields map[string]types.Field, flags []string) (Decision, float64) {
	agg := e.Aggregate(fields)
	if len(flags) > 0 {
		return Review, agg
	}
	if agg >= e.threshold {
		return AutoApprove, agg
	}
	return Review, agg
}

// Validate returns missing_field:<name> for every required field that is
// absent or has an empty value, merged after extra and de-duplicated in order.
func (e *Evaluator) Validate(fields map[string]types.Field, extra []string) []string {
	out := make([]string, 0, len(extra)+len(e.required))
	seen := make(map[string]struct{}, cap(out))
	add := func(f string) {
		if f == "" {
			return
		}
		if _, dup := seen[f]; dup {
			return
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	for _, f := range extra {
		add(f)
	}
	for _, name := range e.required {
		if f, ok := fields[name]; !ok || f.Value == "" {
			add(MissingFieldFlag(name))
		}
	}
	return out
}

// MissingFieldFlag names the flag raised for an absent required field.
func MissingFieldFlag(name string) string { return "missing_field:" + name }

// Tier buckets a confidence for display: >=90 high, 70-89 medium, <70 low.
func Tier(conf *float64) types.ConfidenceTier {
	if conf == nil {
		return types.TierUnknown
	}
	switch c := *conf; {
	case c >= 90:
		return types.TierHigh
	case c >= 70:
		return types.TierMedium
	default:
		return types.TierLow
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
