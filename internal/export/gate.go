// Package export moves approved cases to Exported exactly once.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/pkg/types"
	"golang.org/x/sync/singleflight"
)

var log = logging.For("export")

// ErrExportFailure means the downstream call failed. The case is unchanged and
// ExportCase may be called again.
var ErrExportFailure = errors.New("export failure")

// Result labels for Observer.
const (
	ResultExported = "exported"
	ResultReused   = "reused"
	ResultFailed   = "failed"
)

// Observer is told the outcome of every export attempt.
type Observer interface {
	ExportResult(result string)
}

// Gate is the idempotent boundary in front of an Exporter.
type Gate struct {
	cases    *casemanager.Manager
	ledger   Ledger
	exporter Exporter
	observer Observer
	group    singleflight.Group
}

// NewGate builds a gate. observer may be nil.
func NewGate(cases *casemanager.Manager, ledger Ledger, exporter Exporter, observer Observer) *Gate {
	return &Gate{cases: cases, ledger: ledger, exporter: exporter, observer: observer}
}

// ExportCase exports an AutoApproved or Approved case and returns its ref.
// Repeated calls return the same ref; the exporter runs at most once per case.
// Concurrent calls for the same case share one attempt. The attempt is not
// cancelled with any single caller; a caller whose ctx ends stops waiting and
// gets ctx.Err() while the others keep the shared result.
func (g *Gate) ExportCase(ctx context.Context, id types.CaseID, actor string) (string, error) {
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(string(id), func() (any, error) {
		return g.export(shared, id, actor)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gate) export(ctx context.Context, id types.CaseID, actor string) (string, error) {
	c, err := g.cases.Get(id)
	if err != nil {
		return "", err
	}
	if c.ExportRef != "" {
		g.observe(ResultReused)
		return c.ExportRef, nil
	}
	if c.State != types.StateAutoApproved && c.State != types.StateApproved {
		return "", &casemanager.TransitionError{
			CaseID: id, From: c.State, To: types.StateExported, Trigger: casemanager.TriggerExport,
		}
	}

	ref, found, err := g.ledger.Lookup(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailure, err)
	}
	if found {
		// Delivered before a crash; finish the transition only.
		log.Info("export found in ledger, completing transition", "case_id", id, "export_ref", ref)
		if _, err := g.cases.MarkExported(id, actor, ref); err != nil {
			return "", err
		}
		g.observe(ResultReused)
		return ref, nil
	}

	ref, err = g.exporter.Export(ctx, c)
	if err != nil {
		g.observe(ResultFailed)
		log.Warn("export failed", "case_id", id, "error", err)
		return "", fmt.Errorf("%w: case %s: %v", ErrExportFailure, id, err)
	}
	if err := g.ledger.Record(ctx, id, ref); err != nil {
		g.observe(ResultFailed)
		return "", fmt.Errorf("%w: %v", ErrExportFailure, err)
	}
	if _, err := g.cases.MarkExported(id, actor, ref); err != nil {
		return "", err
	}

	g.observe(ResultExported)
	log.Info("case exported", "case_id", id, "export_ref", ref)
	return ref, nil
}

func (g *Gate) observe(result string) {
	if g.observer != nil {
		g.observer.ExportResult(result)
	}
}
