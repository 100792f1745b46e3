// ============================================================================
// Docflow Worker - Extraction Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: runs OCR extractions, each Worker in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Call the extractor under a per-task timeout
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   Each task gets its own context.WithTimeout. The extractor runs in its
//   own goroutine and the worker waits on it and on the deadline, so an
//   extractor that ignores ctx still yields a failed Result on time and the
//   worker slot is freed. The abandoned call's result is dropped.
//
// Panics:
//   A panicking extractor is turned into a failed Result so the case does
//   not stay in Processing and the worker keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/docflow/internal/ocr"
)

// Worker represents a work execution unit
type Worker struct {
	id        int
	extractor ocr.Extractor
	taskCh    <-chan Task
	resultCh  chan<- Result
	stopCh    <-chan struct{}
}

func newWorker(id int, extractor ocr.Extractor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:        id,
		extractor: extractor,
		taskCh:    taskCh,
		resultCh:  resultCh,
		stopCh:    stopCh,
	}
}

// Run is the main loop of Worker.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		timeout := task.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		out, err := w.execute(ctx, task)
		cancel()

		result := Result{
			CaseID:   task.CaseID,
			Output:   out,
			Error:    err,
			Duration: time.Since(start),
		}

		// Results are never dropped while the pool runs: a lost result would
		// strand its case in Processing.
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Warn("worker stopping, result discarded", "worker_id", w.id, "case_id", task.CaseID)
		}
	}
}

type extraction struct {
	out *ocr.ExtractionResult
	err error
}

func (w *Worker) execute(ctx context.Context, task Task) (*ocr.ExtractionResult, error) {
	done := make(chan extraction, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- extraction{err: fmt.Errorf("%w: extractor panic: %v", ocr.ErrExtractionFailure, r)}
			}
		}()
		out, err := w.extractor.Extract(ctx, task.Request)
		done <- extraction{out: out, err: err}
	}()

	var out *ocr.ExtractionResult
	var err error
	select {
	case res := <-done:
		out, err = res.out, res.err
	case <-ctx.Done():
		log.Warn("extraction abandoned at deadline", "worker_id", w.id, "case_id", task.CaseID)
		return nil, fmt.Errorf("%w: %w", ocr.ErrExtractionFailure, ctx.Err())
	}

	if err == nil && out == nil {
		err = fmt.Errorf("%w: empty result", ocr.ErrExtractionFailure)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		out = nil
		if !errors.Is(err, ocr.ErrExtractionFailure) {
			err = fmt.Errorf("%w: %v", ocr.ErrExtractionFailure, err)
		}
	}
	return out, err
}
