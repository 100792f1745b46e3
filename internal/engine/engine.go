// ============================================================================
// Docflow Engine - case lifecycle orchestrator
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Function: wires the case store, mask registry, policy, retry scheduler,
// export gate, WAL, snapshots and worker pool into one running system
//
// Components:
//   - casemanager.Manager: case records, per-case locks, transition table
//   - masks.Registry: case and vendor noise masks
//   - policy.Evaluator: extraction -> AutoApproved | NeedsReview
//   - retry.Scheduler: Failed -> Queued
//   - export.Gate: idempotent Approved/AutoApproved -> Exported
//   - wal.WAL: every transition and mask change, written ahead
//   - snapshot.Manager: periodic full state for fast recovery
//   - worker.Pool: bounded extraction concurrency
//
// Loops (3 goroutines):
//   1. dispatch - claim the next Queued case while a worker is free
//   2. result   - apply extraction outcomes
//   3. snapshot - rotate WAL, write snapshot, archive the sealed segment
//
// Recovery on Start:
//   1. load snapshot
//   2. replay WAL records after the snapshot's LastSeq
//   3. rebuild the claim FIFO
//   4. fail every case left in Processing: its extraction died with the
//      process, and Failed makes it retryable
//
// ============================================================================

package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/export"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/masks"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/ocr"
	"github.com/ChuLiYu/docflow/internal/policy"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/internal/reviewqueue"
	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/internal/storage/wal"
	"github.com/ChuLiYu/docflow/internal/worker"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.For("engine")

// Actors recorded on engine-initiated transitions.
const (
	ActorIngest     = "ingest"
	ActorDispatcher = "dispatcher"
	ActorWorker     = "worker"
	ActorRecovery   = "recovery"
)

var (
	// ErrInvalidArgument marks malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotRunning is returned by actions after Stop.
	ErrNotRunning = errors.New("engine not running")

	errInterrupted = fmt.Errorf("%w: interrupted by restart", ocr.ErrExtractionFailure)
)

// Config holds the engine's tunables.
type Config struct {
	WorkerCount       int
	ExtractionTimeout time.Duration
	DispatchInterval  time.Duration
	SnapshotInterval  time.Duration
	SnapshotBackups   int
	WALPath           string
	SnapshotPath      string
	SyncWAL           bool
	DefaultBounds     masks.Bounds
	Policy            policy.Config
	Retry             retry.Config
}

// Deps are the external collaborators.
type Deps struct {
	Extractor ocr.Extractor
	Exporter  export.Exporter
	Ledger    export.Ledger
	// Registerer receives the engine's metrics. Nil means a private registry.
	Registerer prometheus.Registerer
}

// Engine runs the case lifecycle.
type Engine struct {
	cfg Config

	cases    *casemanager.Manager
	masks    *masks.Registry
	policy   *policy.Evaluator
	retry    *retry.Scheduler
	gate     *export.Gate
	index    *reviewqueue.Index
	wal      *wal.WAL
	snapshot *snapshot.Manager
	pool     *worker.Pool
	metrics  *metrics.Collector

	mu       sync.Mutex
	started  bool
	stopped  bool
	resubmit []types.CaseID // Processing cases waiting for a free worker

	snapMu    sync.Mutex
	stopCh    chan struct{}
	wakeCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
}

// New opens the WAL and builds every component. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Extractor == nil || deps.Exporter == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("%w: extractor, exporter and ledger are required", ErrInvalidArgument)
	}
	cfg = withDefaults(cfg)

	w, err := wal.NewWAL(cfg.WALPath, cfg.SyncWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	collector := metrics.NewCollector(reg)
	sink := &walSink{wal: w, metrics: collector}

	e := &Engine{
		cfg:      cfg,
		cases:    casemanager.NewManager(casemanager.WithSink(sink)),
		masks:    masks.NewRegistry(sink),
		policy:   policy.New(cfg.Policy),
		wal:      w,
		snapshot: snapshot.NewManager(cfg.SnapshotPath),
		pool:     worker.NewPool(deps.Extractor, cfg.WorkerCount),
		metrics:  collector,
		stopCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
	e.retry = retry.NewScheduler(e.cases, e, collector, cfg.Retry)
	e.gate = export.NewGate(e.cases, deps.Ledger, deps.Exporter, collector)
	e.index = reviewqueue.New(e.cases)
	return e, nil
}

func withDefaults(cfg Config) Config {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = worker.DefaultTimeout
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 100 * time.Millisecond
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.WALPath == "" {
		cfg.WALPath = "data/docflow.wal"
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = "data/snapshot.json"
	}
	if cfg.Retry.DefaultProfile == "" {
		cfg.Retry.DefaultProfile = "standard"
	}
	return cfg
}

// Start recovers persisted state, then starts the worker pool and the loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.startTime = time.Now()
	log.Info("starting recovery")
	if err := e.recover(); err != nil {
		e.abort()
		return fmt.Errorf("recovery failed: %w", err)
	}

	if err := e.pool.Start(e.cfg.WorkerCount); err != nil {
		e.abort()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.loopWg.Add(3)
	go e.dispatchLoop()
	go e.resultLoop()
	go e.snapshotLoop()

	e.wake()
	log.Info("engine started", "workers", e.cfg.WorkerCount)
	return nil
}

// recover rebuilds state from the snapshot and the WAL tail.
func (e *Engine) recover() error {
	start := time.Now()

	data, err := e.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	e.cases.Restore(data)
	e.masks.Restore(data.Masks)
	e.wal.AdvanceTo(data.LastSeq)

	replayed := 0
	err = e.wal.Replay(data.LastSeq, func(rec wal.Record) error {
		switch rec.Type {
		case wal.RecordTransition:
			if rec.Event == nil || rec.Case == nil {
				return fmt.Errorf("transition record seq=%d has no payload", rec.Seq)
			}
			e.cases.Replay(*rec.Event, rec.Case)
		case wal.RecordMaskAdd:
			e.masks.Replay(masks.OpAdd, rec.Mask)
		case wal.RecordMaskRemove:
			e.masks.Replay(masks.OpRemove, rec.Mask)
		default:
			return fmt.Errorf("unknown record type %q", rec.Type)
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	e.cases.RebuildQueue()

	interrupted := 0
	for _, c := range e.cases.List() {
		if c.State != types.StateProcessing {
			continue
		}
		if _, err := e.cases.RecordFailure(c.ID, ActorRecovery, errInterrupted); err != nil {
			return fmt.Errorf("failed to fail interrupted case %s: %w", c.ID, err)
		}
		interrupted++
	}

	elapsed := time.Since(start)
	e.metrics.SetRecoveryTime(elapsed)
	e.metrics.UpdateCaseCounts(e.cases.CountByState())
	if elapsed > 3*time.Second {
		log.Warn("recovery took longer than 3s", "duration", elapsed)
	}
	log.Info("recovery completed",
		"duration", elapsed,
		"cases", len(data.Cases),
		"masks", e.masks.Len(),
		"replayed_records", replayed,
		"interrupted", interrupted)
	return nil
}

// Stop shuts the engine down.
//
// Order:
//  1. close(stopCh): dispatch and snapshot loops return
//  2. pool.Stop(): workers drain, resultCh closes, result loop returns
//  3. loopWg.Wait()
//  4. final snapshot, then close the WAL
//
// Extractions still running at step 2 lose their result; their cases stay in
// Processing in the final snapshot and recovery fails them on next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.started {
		e.mu.Unlock()
		e.abort()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	log.Info("stopping engine")
	close(e.stopCh)
	e.pool.Stop()
	e.loopWg.Wait()

	if err := e.takeSnapshot(); err != nil {
		log.Error("failed to take final snapshot", "error", err)
	}
	if err := e.wal.Close(); err != nil {
		log.Error("failed to close WAL", "error", err)
	}
	log.Info("engine stopped", "uptime", time.Since(e.startTime))
}

// abort closes the WAL after a failed Start. No snapshot is written: the
// in-memory state may be partial.
func (e *Engine) abort() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	if err := e.wal.Close(); err != nil {
		log.Error("failed to close WAL", "error", err)
	}
}

// QueueDepth implements retry.Capacity.
func (e *Engine) QueueDepth() int { return e.cases.QueueDepth() }

// Workers implements retry.Capacity.
func (e *Engine) Workers() int { return e.cfg.WorkerCount }

// Metrics returns the engine's collector.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return ErrNotRunning
	}
	return nil
}

// wake nudges the dispatch loop without blocking.
func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}
