package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// countingExporter counts downstream calls and can fail or stall.
type countingExporter struct {
	calls int32
	fail  error
	delay time.Duration
}

func (e *countingExporter) Export(ctx context.Context, c *types.Case) (string, error) {
	n := atomic.AddInt32(&e.calls, 1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail != nil {
		return "", e.fail
	}
	return "test:" + string(c.ID) + "-" + string(rune('0'+n)), nil
}

func newLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func approvedCase(t *testing.T, m *casemanager.Manager, id types.CaseID) {
	t.Helper()
	_, err := m.Create(types.Case{ID: id, VendorName: "Acme"}, "test")
	require.NoError(t, err)
	_, err = m.Claim(id, "w")
	require.NoError(t, err)
	_, err = m.RecordExtraction(id, "w", types.StateAutoApproved, casemanager.ExtractionOutcome{
		Fields:     map[string]types.Field{"total": {Value: "100.00", Confidence: 95}},
		Confidence: 95,
	})
	require.NoError(t, err)
}

func TestExportIdempotent(t *testing.T) {
	m := casemanager.NewManager()
	approvedCase(t, m, "c1")
	exp := &countingExporter{}
	g := NewGate(m, newLedger(t), exp, nil)

	ref1, err := g.ExportCase(context.Background(), "c1", "alice")
	require.NoError(t, err)
	ref2, err := g.ExportCase(context.Background(), "c1", "alice")
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exp.calls))

	c, _ := m.Get("c1")
	assert.Equal(t, types.StateExported, c.State)
	assert.Equal(t, ref1, c.ExportRef)
}

func TestExportConcurrentCallsShareOneAttempt(t *testing.T) {
	m := casemanager.NewManager()
	approvedCase(t, m, "c1")
	exp := &countingExporter{delay: 20 * time.Millisecond}
	g := NewGate(m, newLedger(t), exp, nil)

	var wg sync.WaitGroup
	refs := make([]string, 10)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := g.ExportCase(context.Background(), "c1", "alice")
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for _, r := range refs {
		assert.Equal(t, refs[0], r)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&exp.calls))
}

// blockingExporter waits for release and honours ctx while waiting.
type blockingExporter struct {
	calls   int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *blockingExporter) Export(ctx context.Context, c *types.Case) (string, error) {
	atomic.AddInt32(&e.calls, 1)
	e.once.Do(func() { close(e.entered) })
	select {
	case <-e.release:
		return "test:" + string(c.ID), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestExportCancelledCallerDoesNotFailOthers(t *testing.T) {
	m := casemanager.NewManager()
	approvedCase(t, m, "c1")
	exp := &blockingExporter{entered: make(chan struct{}), release: make(chan struct{})}
	g := NewGate(m, newLedger(t), exp, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := g.ExportCase(ctxA, "c1", "alice")
		errA <- err
	}()
	<-exp.entered

	type outcome struct {
		ref string
		err error
	}
	resB := make(chan outcome, 1)
	go func() {
		ref, err := g.ExportCase(context.Background(), "c1", "bob")
		resB <- outcome{ref, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(exp.release)
	select {
	case got := <-resB:
		require.NoError(t, got.err)
		assert.Equal(t, "test:c1", got.ref)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&exp.calls))
	c, err := m.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StateExported, c.State)
}

func TestExportFailureLeavesStateUnchanged(t *testing.T) {
	m := casemanager.NewManager()
	approvedCase(t, m, "c1")
	exp := &countingExporter{fail: errors.New("accounting system down")}
	g := NewGate(m, newLedger(t), exp, nil)

	_, err := g.ExportCase(context.Background(), "c1", "alice")
	assert.ErrorIs(t, err, ErrExportFailure)

	c, _ := m.Get("c1")
	assert.Equal(t, types.StateAutoApproved, c.State)
	assert.Empty(t, c.ExportRef)

	exp.fail = nil
	ref, err := g.ExportCase(context.Background(), "c1", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, int32(2), atomic.LoadInt32(&exp.calls))
}

func TestExportRejectsUnapproved(t *testing.T) {
	m := casemanager.NewManager()
	_, err := m.Create(types.Case{ID: "c1"}, "test")
	require.NoError(t, err)
	exp := &countingExporter{}
	g := NewGate(m, newLedger(t), exp, nil)

	_, err = g.ExportCase(context.Background(), "c1", "alice")
	assert.ErrorIs(t, err, casemanager.ErrInvalidTransition)
	assert.Equal(t, int32(0), exp.calls)

	_, err = g.ExportCase(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, casemanager.ErrCaseNotFound)
}

func TestExportLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	ledger, err := OpenLedger(path)
	require.NoError(t, err)
	require.NoError(t, ledger.Record(context.Background(), "c1", "file:01PRIOR"))
	require.NoError(t, ledger.Close())

	// The case never reached Exported before the restart.
	m := casemanager.NewManager()
	approvedCase(t, m, "c1")
	ledger, err = OpenLedger(path)
	require.NoError(t, err)
	defer ledger.Close()

	exp := &countingExporter{}
	g := NewGate(m, ledger, exp, nil)
	ref, err := g.ExportCase(context.Background(), "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "file:01PRIOR", ref)
	assert.Equal(t, int32(0), exp.calls)

	n, err := ledger.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileExporter(t *testing.T) {
	dir := t.TempDir()
	fe, err := NewFileExporter(dir)
	require.NoError(t, err)

	conf := 95.0
	ref, err := fe.Export(context.Background(), &types.Case{
		ID:         "c1",
		State:      types.StateApproved,
		Confidence: &conf,
		Fields: map[string]types.Field{
			"total":          {Value: "100.00", Confidence: 95},
			"invoice_number": {Value: "INV-1", Confidence: 92},
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file:"))

	id := strings.TrimPrefix(ref, "file:")
	f, err := excelize.OpenFile(filepath.Join(dir, "c1-"+id+".xlsx"))
	require.NoError(t, err)
	defer f.Close()

	v, err := f.GetCellValue("Case", "B1")
	require.NoError(t, err)
	assert.Equal(t, "c1", v)

	v, err = f.GetCellValue("Fields", "A2")
	require.NoError(t, err)
	assert.Equal(t, "invoice_number", v)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type fakeS3 struct {
	in *s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, nil
}

func TestS3Exporter(t *testing.T) {
	client := &fakeS3{}
	e := NewS3Exporter(client, "exports", "docflow")

	ref, err := e.Export(context.Background(), &types.Case{ID: "c9", State: types.StateApproved})
	require.NoError(t, err)
	require.NotNil(t, client.in)

	id := strings.TrimPrefix(ref, "s3:")
	assert.Equal(t, "exports", *client.in.Bucket)
	assert.Equal(t, "docflow/c9/"+id+".xlsx", *client.in.Key)
	assert.Equal(t, ref, client.in.Metadata["export-ref"])
}
