package retry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCapacity struct{ depth, workers int }

func (f fixedCapacity) QueueDepth() int { return f.depth }
func (f fixedCapacity) Workers() int    { return f.workers }

type countingObserver struct {
	scheduled, exhausted int32
}

func (o *countingObserver) RetryScheduled(string) { atomic.AddInt32(&o.scheduled, 1) }
func (o *countingObserver) RetryExhausted()       { atomic.AddInt32(&o.exhausted, 1) }

func newFailedCase(t *testing.T, m *casemanager.Manager, id types.CaseID) {
	t.Helper()
	_, err := m.Create(types.Case{ID: id, DocumentURI: "file:///x.pdf"}, "test")
	require.NoError(t, err)
	_, err = m.Claim(id, "w")
	require.NoError(t, err)
	_, err = m.RecordFailure(id, "w", errors.New("timeout"))
	require.NoError(t, err)
}

// failAgain drives a re-queued case through another failed extraction.
func failAgain(t *testing.T, m *casemanager.Manager, id types.CaseID) {
	t.Helper()
	_, err := m.Claim(id, "w")
	require.NoError(t, err)
	_, err = m.RecordFailure(id, "w", errors.New("timeout"))
	require.NoError(t, err)
}

func newScheduler(m *casemanager.Manager, obs Observer) *Scheduler {
	return NewScheduler(m, nil, obs, Config{
		MaxRetries:     3,
		DefaultProfile: "standard",
		Profiles:       Profiles{"standard": 2000, "safe": 6000},
	})
}

func TestRetryCase(t *testing.T) {
	m := casemanager.NewManager()
	newFailedCase(t, m, "c1")
	s := newScheduler(m, nil)

	res, err := s.RetryCase("c1", "safe", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, res.Case.State)
	assert.Equal(t, 1, res.Case.RetryCount)
	assert.True(t, res.Case.OutstandingRetry)
	assert.Equal(t, "safe", res.Case.Profile)
	assert.Equal(t, int64(6000), res.EstimatedTimeMs)
}

func TestRetryNotAllowed(t *testing.T) {
	m := casemanager.NewManager()
	s := newScheduler(m, nil)

	_, err := m.Create(types.Case{ID: "queued"}, "test")
	require.NoError(t, err)
	_, err = s.RetryCase("queued", "", "alice")
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	newFailedCase(t, m, "c1")
	_, err = s.RetryCase("c1", "turbo", "alice")
	assert.ErrorIs(t, err, ErrRetryNotAllowed, "unknown profile")

	_, err = s.RetryCase("c1", "", "alice")
	require.NoError(t, err)
	// Now Queued with an outstanding retry.
	_, err = s.RetryCase("c1", "", "alice")
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	_, err = s.RetryCase("missing", "", "alice")
	assert.ErrorIs(t, err, casemanager.ErrCaseNotFound)
}

func TestOutstandingRetryBlocksSecondRetry(t *testing.T) {
	m := casemanager.NewManager()
	newFailedCase(t, m, "c1")

	// Force a Failed case that still has a retry outstanding.
	_, err := m.Apply(casemanager.Transition{
		CaseID: "c1", To: types.StateQueued, Trigger: casemanager.TriggerRetry, Actor: "t",
		Mutate: func(c *types.Case) { c.OutstandingRetry = true },
	})
	require.NoError(t, err)
	_, err = m.Claim("c1", "w")
	require.NoError(t, err)
	_, err = m.Apply(casemanager.Transition{
		CaseID: "c1", To: types.StateFailed, Trigger: casemanager.TriggerExtractionFailed, Actor: "t",
	})
	require.NoError(t, err)

	s := newScheduler(m, nil)
	_, err = s.RetryCase("c1", "", "alice")
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestRetryExhausted(t *testing.T) {
	m := casemanager.NewManager()
	obs := &countingObserver{}
	s := newScheduler(m, obs)
	newFailedCase(t, m, "c1")

	for i := 0; i < 3; i++ {
		_, err := s.RetryCase("c1", "", "alice")
		require.NoError(t, err)
		failAgain(t, m, "c1")
	}

	c, _ := m.Get("c1")
	assert.Equal(t, 3, c.RetryCount)
	assert.False(t, c.OutstandingRetry)

	_, err := s.RetryCase("c1", "", "alice")
	assert.ErrorIs(t, err, ErrRetryExhausted)

	c, _ = m.Get("c1")
	assert.Equal(t, types.StateFailed, c.State)
	assert.Equal(t, 3, c.RetryCount)
	assert.Equal(t, int32(3), obs.scheduled)
	assert.Equal(t, int32(1), obs.exhausted)
}

func TestConcurrentRetryOnlyOneWins(t *testing.T) {
	m := casemanager.NewManager()
	newFailedCase(t, m, "c1")
	s := newScheduler(m, nil)

	var wg sync.WaitGroup
	var ok, rejected int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RetryCase("c1", "", "alice")
			if err == nil {
				atomic.AddInt32(&ok, 1)
			} else if errors.Is(err, ErrRetryNotAllowed) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(7), rejected)
}

func TestEstimateScalesWithQueue(t *testing.T) {
	m := casemanager.NewManager()
	newFailedCase(t, m, "c1")

	s := NewScheduler(m, fixedCapacity{depth: 9, workers: 4}, nil, Config{MaxRetries: -1, Profiles: Profiles{"standard": 1000}})
	res, err := s.RetryCase("c1", "", "alice")
	require.NoError(t, err)
	// 8 ahead over 4 workers: two full rounds before this one.
	assert.Equal(t, int64(3000), res.EstimatedTimeMs)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries())
}

func TestZeroMaxRetriesDisablesRetry(t *testing.T) {
	m := casemanager.NewManager()
	newFailedCase(t, m, "c1")
	obs := &countingObserver{}

	s := NewScheduler(m, nil, obs, Config{MaxRetries: 0, Profiles: Profiles{"standard": 1000}})
	assert.Equal(t, 0, s.MaxRetries())

	_, err := s.RetryCase("c1", "", "alice")
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&obs.exhausted))

	c, err := m.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, c.State)
	assert.Equal(t, 0, c.RetryCount)
}
