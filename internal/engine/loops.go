package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/ocr"
	"github.com/ChuLiYu/docflow/internal/policy"
	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/internal/worker"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Dispatch
// ============================================================================

// dispatchLoop runs dispatch on every tick and every wake-up.
func (e *Engine) dispatchLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("dispatch loop stopped")
			return
		case <-ticker.C:
		case <-e.wakeCh:
		}

		// A tick and stop can be ready together.
		select {
		case <-e.stopCh:
			log.Info("dispatch loop stopped")
			return
		default:
		}

		e.dispatch()
	}
}

// dispatch fills free workers: first with Processing cases that are waiting
// for a worker, then with Queued cases in FIFO order.
func (e *Engine) dispatch() {
	for e.pool.Available() > 0 {
		if id, ok := e.popResubmit(); ok {
			c, err := e.cases.Get(id)
			if err == nil && c.State == types.StateProcessing {
				e.submit(c)
			}
			continue
		}

		c, err := e.cases.ClaimNext(ActorDispatcher)
		if err != nil {
			log.Error("failed to claim case", "error", err)
			return
		}
		if c == nil {
			return
		}
		e.submit(c)
	}
}

// submit hands a Processing case to the pool with its current effective mask
// set. A full pool parks the case until a worker frees up.
func (e *Engine) submit(c *types.Case) {
	profile := c.Profile
	if profile == "" {
		profile = e.cfg.Retry.DefaultProfile
	}
	task := worker.Task{
		CaseID: c.ID,
		Request: ocr.ExtractionRequest{
			CaseID:      c.ID,
			DocumentURI: c.DocumentURI,
			Masks:       e.masks.EffectiveMasks(c.ID, c.VendorID),
			Profile:     profile,
		},
		Timeout: e.cfg.ExtractionTimeout,
	}

	err := e.pool.Submit(task)
	switch {
	case err == nil:
		e.metrics.SetInFlight(e.pool.InFlight())
		log.Debug("extraction submitted", "case_id", c.ID, "profile", profile, "masks", len(task.Request.Masks))
	case errors.Is(err, worker.ErrPoolFull):
		e.mu.Lock()
		e.resubmit = append(e.resubmit, c.ID)
		e.mu.Unlock()
	default:
		log.Warn("extraction not submitted", "case_id", c.ID, "error", err)
		if _, ferr := e.cases.RecordFailure(c.ID, ActorDispatcher, fmt.Errorf("%w: %v", ocr.ErrExtractionFailure, err)); ferr != nil {
			log.Error("failed to record submit failure", "case_id", c.ID, "error", ferr)
		}
	}
}

func (e *Engine) popResubmit() (types.CaseID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.resubmit) == 0 {
		return "", false
	}
	id := e.resubmit[0]
	e.resubmit = e.resubmit[1:]
	return id, true
}

// ============================================================================
// Results
// ============================================================================

// resultLoop runs until the pool is closed.
func (e *Engine) resultLoop() {
	defer e.loopWg.Done()
	for {
		result, err := e.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("result loop stopped")
				return
			}
			log.Error("failed to receive result", "error", err)
			continue
		}

		e.handleResult(result)
		e.metrics.SetInFlight(e.pool.InFlight())
		e.wake()
	}
}

// handleResult moves a Processing case to Failed, AutoApproved or
// NeedsReview.
func (e *Engine) handleResult(result worker.Result) {
	if !result.Success() {
		e.metrics.RecordExtraction(metrics.OutcomeFailed, result.Duration)
		if _, err := e.cases.RecordFailure(result.CaseID, ActorWorker, result.Error); err != nil {
			log.Error("failed to record extraction failure", "case_id", result.CaseID, "error", err)
			return
		}
		log.Warn("extraction failed", "case_id", result.CaseID, "error", result.Error)
		return
	}

	out := result.Output
	flags := e.policy.Validate(out.Fields, out.ValidationFlags)
	decision, aggregate := e.policy.Evaluate(out.Fields, flags)

	to, outcome := types.StateNeedsReview, metrics.OutcomeNeedsReview
	if decision == policy.AutoApprove {
		to, outcome = types.StateAutoApproved, metrics.OutcomeAutoApproved
	}

	_, err := e.cases.RecordExtraction(result.CaseID, ActorWorker, to, casemanager.ExtractionOutcome{
		Fields:     out.Fields,
		Flags:      flags,
		Confidence: aggregate,
	})
	if err != nil {
		log.Error("failed to record extraction", "case_id", result.CaseID, "error", err)
		return
	}
	e.metrics.RecordExtraction(outcome, result.Duration)
	log.Debug("extraction applied",
		"case_id", result.CaseID,
		"to", to,
		"confidence", aggregate,
		"flags", len(flags),
		"duration", result.Duration)
}

// ============================================================================
// Snapshots
// ============================================================================

func (e *Engine) snapshotLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("snapshot loop stopped")
			return
		case <-ticker.C:
			if err := e.takeSnapshot(); err != nil {
				log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot seals the WAL, copies state and writes it, then archives the
// sealed segment. State is copied after sealing, so the snapshot contains at
// least every sealed record; newer records are replayed idempotently.
func (e *Engine) takeSnapshot() error {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	start := time.Now()

	sealedSeq, err := e.wal.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	data := e.cases.Snapshot()
	data.Masks = e.masks.All()
	data.SchemaVer = snapshot.SchemaVersion
	data.LastSeq = sealedSeq

	if err := e.snapshot.WriteWithBackup(data, e.cfg.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := e.wal.Archive(); err != nil {
		return fmt.Errorf("failed to archive WAL segment: %w", err)
	}

	e.metrics.UpdateCaseCounts(e.cases.CountByState())
	log.Info("snapshot taken",
		"duration", time.Since(start),
		"cases", len(data.Cases),
		"masks", len(data.Masks),
		"last_seq", sealedSeq,
		"path", e.snapshot.GetPath())
	return nil
}
