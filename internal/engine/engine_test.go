package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/export"
	"github.com/ChuLiYu/docflow/internal/masks"
	"github.com/ChuLiYu/docflow/internal/ocr"
	"github.com/ChuLiYu/docflow/internal/policy"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/internal/reviewqueue"
	"github.com/ChuLiYu/docflow/internal/storage/wal"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeOCR answers by document URI:
//
//	doc://high         total 95, invoice_number 92
//	doc://conf/NN      both fields at confidence NN
//	doc://flagged      high confidence plus total_mismatch
//	doc://fail         engine error
//	doc://block...     waits for release (or the task deadline), then high
type fakeOCR struct {
	mu       sync.Mutex
	requests []ocr.ExtractionRequest
	release  chan struct{}
}

func newFakeOCR() *fakeOCR {
	return &fakeOCR{release: make(chan struct{})}
}

func (f *fakeOCR) Extract(ctx context.Context, req ocr.ExtractionRequest) (*ocr.ExtractionResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	uri := req.DocumentURI
	if strings.HasPrefix(uri, "doc://block") {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if uri == "doc://fail" {
		return nil, errors.New("unreadable document")
	}

	total, number := 95.0, 92.0
	var conf float64
	if _, err := fmt.Sscanf(uri, "doc://conf/%f", &conf); err == nil {
		total, number = conf, conf
	}
	res := &ocr.ExtractionResult{
		Fields: map[string]types.Field{
			"total":          {Value: "100.00", Confidence: total},
			"invoice_number": {Value: "INV-1", Confidence: number},
		},
	}
	if uri == "doc://flagged" {
		res.ValidationFlags = []string{"total_mismatch"}
	}
	return res, nil
}

func (f *fakeOCR) requestsFor(id types.CaseID) []ocr.ExtractionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ocr.ExtractionRequest
	for _, r := range f.requests {
		if r.CaseID == id {
			out = append(out, r)
		}
	}
	return out
}

type countingExporter struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (x *countingExporter) Export(ctx context.Context, c *types.Case) (string, error) {
	if x.fail.Load() {
		return "", errors.New("accounting system unavailable")
	}
	n := x.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return fmt.Sprintf("test:%s-%d", c.ID, n), nil
}

func testConfig(dir string) Config {
	return Config{
		WorkerCount:       2,
		ExtractionTimeout: 2 * time.Second,
		DispatchInterval:  10 * time.Millisecond,
		SnapshotInterval:  time.Hour,
		WALPath:           filepath.Join(dir, "docflow.wal"),
		SnapshotPath:      filepath.Join(dir, "snapshot.json"),
		DefaultBounds:     masks.Bounds{Width: 1000, Height: 1400},
		Retry: retry.Config{
			MaxRetries: 2,
			Profiles:   retry.Profiles{"standard": 1000, "safe": 4000},
		},
	}
}

type harness struct {
	engine   *Engine
	ocr      *fakeOCR
	exporter *countingExporter
	ledger   *export.SQLiteLedger
	once     sync.Once
}

func startEngine(t *testing.T, cfg Config, fake *fakeOCR) *harness {
	t.Helper()
	ledger, err := export.OpenLedger(filepath.Join(filepath.Dir(cfg.WALPath), "ledger.db"))
	require.NoError(t, err)
	exp := &countingExporter{}

	e, err := New(cfg, Deps{Extractor: fake, Exporter: exp, Ledger: ledger})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	h := &harness{engine: e, ocr: fake, exporter: exp, ledger: ledger}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.engine.Stop()
		h.ledger.Close()
	})
}

func waitFor(t *testing.T, e *Engine, id types.CaseID, cond func(c *types.Case) bool) *types.Case {
	t.Helper()
	var last *types.Case
	require.Eventually(t, func() bool {
		c, err := e.GetCase(id)
		if err != nil {
			return false
		}
		last = c
		return cond(c)
	}, 5*time.Second, 5*time.Millisecond, "case %s never reached the expected condition", id)
	return last
}

func waitForState(t *testing.T, e *Engine, id types.CaseID, s types.State) *types.Case {
	t.Helper()
	return waitFor(t, e, id, func(c *types.Case) bool { return c.State == s })
}

func ingest(t *testing.T, e *Engine, id, uri, vendor string) *types.Case {
	t.Helper()
	c, err := e.Ingest(IngestRequest{CaseID: types.CaseID(id), DocumentURI: uri, VendorID: vendor, VendorName: strings.ToUpper(vendor)})
	require.NoError(t, err)
	return c
}

func states(events []types.TransitionEvent) []types.State {
	out := make([]types.State, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.To)
	}
	return out
}

// ============================================================================
// Extraction routing
// ============================================================================

func TestHighConfidenceAutoApproves(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "c1", "doc://high", "acme")
	c := waitForState(t, e, "c1", types.StateAutoApproved)

	require.NotNil(t, c.Confidence)
	assert.GreaterOrEqual(t, *c.Confidence, 90.0)
	assert.False(t, c.HasFlags)

	history, err := e.History("c1")
	require.NoError(t, err)
	assert.Equal(t, []types.State{types.StateQueued, types.StateProcessing, types.StateAutoApproved}, states(history))
	assert.Equal(t, ActorIngest, history[0].Actor)
}

func TestValidationFlagForcesReview(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())

	ingest(t, h.engine, "c1", "doc://flagged", "acme")
	c := waitForState(t, h.engine, "c1", types.StateNeedsReview)

	assert.True(t, c.HasFlags)
	assert.Equal(t, []string{"total_mismatch"}, c.Flags)
	assert.GreaterOrEqual(t, *c.Confidence, 90.0)
}

func TestMissingRequiredFieldForcesReview(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Policy = policy.Config{RequiredFields: []string{"total", "due_date"}}
	h := startEngine(t, cfg, newFakeOCR())

	ingest(t, h.engine, "c1", "doc://high", "acme")
	c := waitForState(t, h.engine, "c1", types.StateNeedsReview)
	assert.Equal(t, []string{policy.MissingFieldFlag("due_date")}, c.Flags)
}

func TestIngestValidation(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	_, err := e.Ingest(IngestRequest{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	c, err := e.Ingest(IngestRequest{DocumentURI: "doc://high"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	ingest(t, e, "dup", "doc://high", "")
	_, err = e.Ingest(IngestRequest{CaseID: "dup", DocumentURI: "doc://high"})
	assert.ErrorIs(t, err, casemanager.ErrDuplicateCase)
}

func TestActionsRequireRunningEngine(t *testing.T) {
	dir := t.TempDir()
	ledger, err := export.OpenLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	e, err := New(testConfig(dir), Deps{Extractor: newFakeOCR(), Exporter: &countingExporter{}, Ledger: ledger})
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Ingest(IngestRequest{DocumentURI: "doc://high"})
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = New(testConfig(dir), Deps{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// ============================================================================
// Review, export
// ============================================================================

func TestReviewAndExport(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine
	ctx := context.Background()

	ingest(t, e, "c1", "doc://conf/60", "acme")
	waitForState(t, e, "c1", types.StateNeedsReview)

	_, err := e.ExportCase(ctx, "c1", "ops")
	var te *casemanager.TransitionError
	assert.ErrorAs(t, err, &te)

	_, err = e.OpenCase("c1", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	c, err := e.OpenCase("c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Reviewer)

	_, err = e.OpenCase("c1", "bob")
	assert.ErrorIs(t, err, casemanager.ErrAlreadyInReview)
	_, err = e.DecideCase("c1", "bob", true, "")
	assert.ErrorIs(t, err, casemanager.ErrAlreadyInReview)

	c, err = e.DecideCase("c1", "alice", true, "checked against PO")
	require.NoError(t, err)
	assert.Equal(t, types.StateApproved, c.State)

	ref1, err := e.ExportCase(ctx, "c1", "ops")
	require.NoError(t, err)
	ref2, err := e.ExportCase(ctx, "c1", "ops")
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, int32(1), h.exporter.calls.Load())

	c, err = e.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateExported, c.State)
	assert.Equal(t, ref1, c.ExportRef)
}

func TestConcurrentExportRunsExporterOnce(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "c1", "doc://high", "acme")
	waitForState(t, e, "c1", types.StateAutoApproved)

	refs := make([]string, 8)
	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := e.ExportCase(context.Background(), "c1", "ops")
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
	assert.Equal(t, int32(1), h.exporter.calls.Load())
}

func TestExportFailureKeepsState(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "c1", "doc://high", "acme")
	waitForState(t, e, "c1", types.StateAutoApproved)

	h.exporter.fail.Store(true)
	_, err := e.ExportCase(context.Background(), "c1", "ops")
	assert.ErrorIs(t, err, export.ErrExportFailure)

	c, err := e.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateAutoApproved, c.State)
	assert.Empty(t, c.ExportRef)

	h.exporter.fail.Store(false)
	ref, err := e.ExportCase(context.Background(), "c1", "ops")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestExtractionTimeoutFailsCase(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ExtractionTimeout = 50 * time.Millisecond

	hang := make(chan struct{})
	defer close(hang)
	stuck := ocr.ExtractorFunc(func(context.Context, ocr.ExtractionRequest) (*ocr.ExtractionResult, error) {
		<-hang
		return nil, errors.New("too late")
	})

	e, err := New(cfg, Deps{Extractor: stuck, Exporter: &countingExporter{}, Ledger: openTestLedger(t, dir)})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop()

	ingest(t, e, "c1", "doc://high", "acme")
	c := waitForState(t, e, "c1", types.StateFailed)
	assert.Contains(t, c.LastError, "deadline exceeded")
	assert.Equal(t, 0, e.pool.InFlight())
}

// ============================================================================
// Retry
// ============================================================================

func TestFailureRetryAndExhaustion(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "c1", "doc://fail", "acme")
	c := waitForState(t, e, "c1", types.StateFailed)
	assert.Contains(t, c.LastError, "unreadable document")

	for attempt := 1; attempt <= e.MaxRetries(); attempt++ {
		res, err := e.RetryCase("c1", "safe", "ops")
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, "safe", res.Profile)
		assert.Positive(t, res.EstimatedTimeMs)

		// A second request while the first is outstanding is refused.
		_, err = e.RetryCase("c1", "safe", "ops")
		assert.ErrorIs(t, err, retry.ErrRetryNotAllowed)

		waitFor(t, e, "c1", func(c *types.Case) bool {
			return c.State == types.StateFailed && c.RetryCount == attempt && !c.OutstandingRetry
		})
	}

	_, err := e.RetryCase("c1", "safe", "ops")
	assert.ErrorIs(t, err, retry.ErrRetryExhausted)

	c, err = e.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, c.State)
	assert.Equal(t, e.MaxRetries(), c.RetryCount)

	for _, r := range h.ocr.requestsFor("c1")[1:] {
		assert.Equal(t, "safe", r.Profile)
	}
}

func TestRetryRejectsWrongStateAndProfile(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "ok", "doc://high", "acme")
	waitForState(t, e, "ok", types.StateAutoApproved)
	_, err := e.RetryCase("ok", "", "ops")
	assert.ErrorIs(t, err, retry.ErrRetryNotAllowed)

	ingest(t, e, "bad", "doc://fail", "acme")
	waitForState(t, e, "bad", types.StateFailed)
	_, err = e.RetryCase("bad", "turbo", "ops")
	assert.ErrorIs(t, err, retry.ErrRetryNotAllowed)
}

// ============================================================================
// Masks
// ============================================================================

func TestMaskChangeReprocessesCase(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "c1", "doc://conf/50", "acme")
	waitForState(t, e, "c1", types.StateNeedsReview)

	_, _, err := e.AddMask(MaskRequest{CaseID: "c1", Type: types.MaskLogo, Region: types.Region{X: 900, Y: 0, Width: 200, Height: 50}})
	assert.ErrorIs(t, err, masks.ErrInvalidRegion)
	c, err := e.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateNeedsReview, c.State)

	m, c, err := e.AddMask(MaskRequest{
		CaseID: "c1", Type: types.MaskLogo, Region: types.Region{X: 10, Y: 10, Width: 200, Height: 80},
		VendorSpecific: true, Actor: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", m.VendorID)
	assert.Equal(t, types.StateProcessing, c.State)

	waitFor(t, e, "c1", func(c *types.Case) bool {
		return c.State == types.StateNeedsReview && len(h.ocr.requestsFor("c1")) == 2
	})
	second := h.ocr.requestsFor("c1")[1]
	require.Len(t, second.Masks, 1)
	assert.Equal(t, m.ID, second.Masks[0].ID)

	// A later case from the same vendor inherits the mask.
	ingest(t, e, "c2", "doc://high", "acme")
	waitForState(t, e, "c2", types.StateAutoApproved)
	require.Len(t, h.ocr.requestsFor("c2")[0].Masks, 1)

	history, err := e.History("c1")
	require.NoError(t, err)
	assert.Equal(t, []types.State{
		types.StateQueued, types.StateProcessing, types.StateNeedsReview,
		types.StateProcessing, types.StateNeedsReview,
	}, states(history))

	// Removing the mask reprocesses c1 again; c2 is past review and stays.
	c, err = e.RemoveMask(m.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, c)
	waitFor(t, e, "c1", func(c *types.Case) bool {
		return c.State == types.StateNeedsReview && len(h.ocr.requestsFor("c1")) == 3
	})
	assert.Empty(t, h.ocr.requestsFor("c1")[2].Masks)

	c, err = e.RemoveMask("nonexistent-id", "alice")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

type switchSink struct{ fail atomic.Bool }

func (s *switchSink) RecordTransition(types.TransitionEvent, *types.Case) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func TestMaskChangeRolledBackWhenTransitionFails(t *testing.T) {
	sink := &switchSink{}
	e := &Engine{
		cfg:     testConfig(t.TempDir()),
		cases:   casemanager.NewManager(casemanager.WithSink(sink)),
		masks:   masks.NewRegistry(nil),
		started: true,
	}
	_, err := e.cases.Create(types.Case{ID: "c1", DocumentURI: "doc://high", VendorID: "acme"}, "test")
	require.NoError(t, err)

	// Queued: stored without a transition.
	keep, _, err := e.AddMask(MaskRequest{CaseID: "c1", Type: types.MaskLogo, Region: types.Region{Width: 10, Height: 10}})
	require.NoError(t, err)

	_, err = e.cases.Claim("c1", "w")
	require.NoError(t, err)
	_, err = e.cases.RecordExtraction("c1", "w", types.StateNeedsReview, casemanager.ExtractionOutcome{Confidence: 50})
	require.NoError(t, err)

	sink.fail.Store(true)
	_, _, err = e.AddMask(MaskRequest{CaseID: "c1", Type: types.MaskFooter, Region: types.Region{Width: 10, Height: 10}})
	require.Error(t, err)
	_, err = e.RemoveMask(keep.ID, "")
	require.Error(t, err)

	got, err := e.EffectiveMasks("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)

	c, err := e.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateNeedsReview, c.State)
}

func TestMaskOnTerminalCaseIsInvalidTransition(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	ingest(t, e, "c1", "doc://high", "acme")
	waitForState(t, e, "c1", types.StateAutoApproved)

	_, _, err := e.AddMask(MaskRequest{CaseID: "c1", Type: types.MaskFooter, Region: types.Region{Width: 10, Height: 10}})
	assert.ErrorIs(t, err, casemanager.ErrInvalidTransition)
	assert.Zero(t, e.masks.Len())
}

// ============================================================================
// Backpressure
// ============================================================================

func TestProcessingBoundedByWorkers(t *testing.T) {
	fake := newFakeOCR()
	h := startEngine(t, testConfig(t.TempDir()), fake)
	e := h.engine

	for i := 0; i < 5; i++ {
		ingest(t, e, fmt.Sprintf("c%d", i), "doc://block", "acme")
	}

	require.Eventually(t, func() bool {
		return e.Stats().ByState[types.StateProcessing] == 2
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		by := e.Stats().ByState
		assert.LessOrEqual(t, by[types.StateProcessing], 2)
		assert.Equal(t, 3, by[types.StateQueued])
		time.Sleep(5 * time.Millisecond)
	}

	close(fake.release)
	for i := 0; i < 5; i++ {
		waitForState(t, e, types.CaseID(fmt.Sprintf("c%d", i)), types.StateAutoApproved)
	}
}

// ============================================================================
// Queue projections
// ============================================================================

func TestQueryPriorityAndStats(t *testing.T) {
	h := startEngine(t, testConfig(t.TempDir()), newFakeOCR())
	e := h.engine

	for id, conf := range map[string]int{"mid": 75, "low": 40, "hi": 85} {
		ingest(t, e, id, fmt.Sprintf("doc://conf/%d", conf), "acme")
	}
	ingest(t, e, "auto", "doc://high", "globex")
	for _, id := range []types.CaseID{"mid", "low", "hi"} {
		waitForState(t, e, id, types.StateNeedsReview)
	}
	waitForState(t, e, "auto", types.StateAutoApproved)

	res, err := e.Query(reviewqueue.Filter{}, reviewqueue.Sort{}, reviewqueue.Page{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, types.CaseID("low"), res.Entries[0].CaseID)
	assert.Equal(t, types.CaseID("mid"), res.Entries[1].CaseID)
	assert.Equal(t, types.CaseID("hi"), res.Entries[2].CaseID)
	assert.Equal(t, types.TierLow, res.Entries[0].Tier)

	stats := e.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Approved)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRestartRestoresState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	first := startEngine(t, cfg, newFakeOCR())
	e := first.engine
	ingest(t, e, "auto", "doc://high", "acme")
	ingest(t, e, "review", "doc://conf/50", "acme")
	waitForState(t, e, "auto", types.StateAutoApproved)
	waitForState(t, e, "review", types.StateNeedsReview)
	first.stop()

	second := startEngine(t, cfg, newFakeOCR())
	e2 := second.engine

	c, err := e2.GetCase("auto")
	require.NoError(t, err)
	assert.Equal(t, types.StateAutoApproved, c.State)
	c, err = e2.GetCase("review")
	require.NoError(t, err)
	assert.Equal(t, types.StateNeedsReview, c.State)
	require.NotNil(t, c.Confidence)
	assert.Equal(t, 50.0, *c.Confidence)

	history, err := e2.History("auto")
	require.NoError(t, err)
	assert.Equal(t, []types.State{types.StateQueued, types.StateProcessing, types.StateAutoApproved}, states(history))

	// Restored queued work and ids keep working.
	_, err = e2.Ingest(IngestRequest{CaseID: "auto", DocumentURI: "doc://high"})
	assert.ErrorIs(t, err, casemanager.ErrDuplicateCase)
}

// TestCrashReplaysWALTail reads the files of a running engine as if it had
// crashed: part of the state is in a snapshot, the rest only in the WAL.
func TestCrashReplaysWALTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	first := startEngine(t, cfg, newFakeOCR())
	e := first.engine
	ingest(t, e, "auto", "doc://high", "acme")
	ingest(t, e, "review", "doc://conf/50", "acme")
	waitForState(t, e, "auto", types.StateAutoApproved)
	waitForState(t, e, "review", types.StateNeedsReview)
	require.NoError(t, e.takeSnapshot())

	m, _, err := e.AddMask(MaskRequest{CaseID: "review", Type: types.MaskHeader, Region: types.Region{Width: 1000, Height: 120}})
	require.NoError(t, err)
	waitFor(t, e, "review", func(c *types.Case) bool {
		return c.State == types.StateNeedsReview && len(first.ocr.requestsFor("review")) == 2
	})
	_, err = e.OpenCase("review", "alice")
	require.NoError(t, err)
	wantHistory, err := e.History("review")
	require.NoError(t, err)

	second := startEngine(t, cfg, newFakeOCR())
	e2 := second.engine

	c, err := e2.GetCase("review")
	require.NoError(t, err)
	assert.Equal(t, types.StateInReview, c.State)
	assert.Equal(t, "alice", c.Reviewer)

	gotHistory, err := e2.History("review")
	require.NoError(t, err)
	assert.Equal(t, states(wantHistory), states(gotHistory))

	effective, err := e2.EffectiveMasks("review")
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.Equal(t, m.ID, effective[0].ID)
}

func TestRecoveryFailsInterruptedExtraction(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	// A process that crashed mid-extraction leaves this log behind.
	w, err := wal.NewWAL(cfg.WALPath, true)
	require.NoError(t, err)
	ts := time.Now().Add(-time.Minute)
	queued := &types.Case{ID: "c1", State: types.StateQueued, DocumentURI: "doc://high", CreatedAt: ts, UpdatedAt: ts}
	_, err = w.AppendTransition(types.TransitionEvent{CaseID: "c1", To: types.StateQueued, Timestamp: ts, Actor: ActorIngest}, queued)
	require.NoError(t, err)
	processing := queued.Clone()
	processing.State = types.StateProcessing
	processing.UpdatedAt = ts.Add(time.Second)
	_, err = w.AppendTransition(types.TransitionEvent{CaseID: "c1", From: types.StateQueued, To: types.StateProcessing, Timestamp: processing.UpdatedAt, Actor: ActorDispatcher}, processing)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	h := startEngine(t, cfg, newFakeOCR())
	e := h.engine

	c, err := e.GetCase("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, c.State)
	assert.Contains(t, c.LastError, "interrupted")

	history, err := e.History("c1")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, ActorRecovery, last.Actor)
	assert.Equal(t, types.StateProcessing, last.From)

	_, err = e.RetryCase("c1", "", "ops")
	require.NoError(t, err)
	waitForState(t, e, "c1", types.StateAutoApproved)
}
