// Package retry re-queues failed cases with an extraction profile.
package retry

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/pkg/types"
)

var log = logging.For("retry")

var (
	// ErrRetryNotAllowed covers both "not failed" and "already retrying".
	ErrRetryNotAllowed = errors.New("retry not allowed")
	// ErrRetryExhausted means the case stays Failed until handled outside the engine.
	ErrRetryExhausted = errors.New("retry exhausted")
)

// DefaultMaxRetries caps retry_count when MaxRetries is negative.
const DefaultMaxRetries = 3

// Profiles maps an extraction profile name to its estimated run time in ms.
// The set is open: any name present in the table is accepted.
type Profiles map[string]int64

// Config holds the scheduler's tunables.
type Config struct {
	// MaxRetries is the retry_count cap. Zero disables retries; a negative
	// value selects DefaultMaxRetries.
	MaxRetries     int
	DefaultProfile string
	Profiles       Profiles
}

// Capacity reports how many queued cases are ahead of a new one and how many
// extractions can run at once. The engine implements it.
type Capacity interface {
	QueueDepth() int
	Workers() int
}

// Observer is told about every retry outcome. Metrics implements it.
type Observer interface {
	RetryScheduled(profile string)
	RetryExhausted()
}

// Scheduler owns the Failed -> Queued edge.
type Scheduler struct {
	cases    *casemanager.Manager
	capacity Capacity
	observer Observer

	max            int
	defaultProfile string
	profiles       Profiles
}

// NewScheduler creates a scheduler. capacity and observer may be nil.
func NewScheduler(cases *casemanager.Manager, capacity Capacity, observer Observer, cfg Config) *Scheduler {
	s := &Scheduler{
		cases:          cases,
		capacity:       capacity,
		observer:       observer,
		max:            cfg.MaxRetries,
		defaultProfile: cfg.DefaultProfile,
		profiles:       make(Profiles, len(cfg.Profiles)),
	}
	if s.max < 0 {
		s.max = DefaultMaxRetries
	}
	for k, v := range cfg.Profiles {
		s.profiles[k] = v
	}
	if s.defaultProfile == "" {
		s.defaultProfile = "standard"
	}
	if _, ok := s.profiles[s.defaultProfile]; !ok {
		s.profiles[s.defaultProfile] = 2000
	}
	return s
}

// MaxRetries is the configured cap.
func (s *Scheduler) MaxRetries() int { return s.max }

// Result of a successful RetryCase.
type Result struct {
	Case            *types.Case
	Profile         string
	EstimatedTimeMs int64
}

// RetryCase moves a Failed case back to Queued with profile attached. An empty
// profile selects the default.
//
// Errors:
//   - ErrRetryNotAllowed: case not Failed, or a retry is already outstanding
//   - ErrRetryExhausted: retry_count reached the cap, case stays Failed
//   - ErrRetryNotAllowed for an unknown profile name
func (s *Scheduler) RetryCase(id types.CaseID, profile, actor string) (*Result, error) {
	if profile == "" {
		profile = s.defaultProfile
	}
	estimate, ok := s.profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: unknown profile %q", ErrRetryNotAllowed, profile)
	}

	c, err := s.cases.Apply(casemanager.Transition{
		CaseID:  id,
		To:      types.StateQueued,
		Trigger: casemanager.TriggerRetry,
		Actor:   actor,
		Reason:  "profile=" + profile,
		Guard: func(c *types.Case) error {
			if c.State != types.StateFailed {
				return fmt.Errorf("%w: case %s is %s", ErrRetryNotAllowed, c.ID, c.State)
			}
			if c.OutstandingRetry {
				return fmt.Errorf("%w: case %s already retrying", ErrRetryNotAllowed, c.ID)
			}
			if c.RetryCount >= s.max {
				return fmt.Errorf("%w: case %s used %d of %d", ErrRetryExhausted, c.ID, c.RetryCount, s.max)
			}
			return nil
		},
		Mutate: func(c *types.Case) {
			c.OutstandingRetry = true
			c.RetryCount++
			c.Profile = profile
		},
	})
	if err != nil {
		if errors.Is(err, ErrRetryExhausted) {
			log.Warn("retry exhausted, manual intervention required", "case_id", id, "max", s.max)
			if s.observer != nil {
				s.observer.RetryExhausted()
			}
		}
		return nil, err
	}

	if s.observer != nil {
		s.observer.RetryScheduled(profile)
	}
	log.Info("case re-queued", "case_id", id, "profile", profile, "retry_count", c.RetryCount)
	return &Result{Case: c, Profile: profile, EstimatedTimeMs: s.estimate(estimate)}, nil
}

// estimate scales a profile's run time by the number of extraction rounds
// queued ahead of the case.
func (s *Scheduler) estimate(perCase int64) int64 {
	if s.capacity == nil {
		return perCase
	}
	workers := s.capacity.Workers()
	if workers <= 0 {
		workers = 1
	}
	ahead := s.capacity.QueueDepth() - 1 // the case itself is now queued
	if ahead < 0 {
		ahead = 0
	}
	rounds := math.Floor(float64(ahead)/float64(workers)) + 1
	return int64(rounds) * perCase
}
