package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/masks"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/internal/reviewqueue"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/google/uuid"
)

// IngestRequest describes a new document. An empty CaseID gets a generated id.
type IngestRequest struct {
	CaseID      types.CaseID
	DocumentURI string
	VendorID    string
	VendorName  string
	PageWidth   int
	PageHeight  int
	Actor       string
}

// Ingest creates a Queued case and wakes the dispatcher.
func (e *Engine) Ingest(req IngestRequest) (*types.Case, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if req.DocumentURI == "" {
		return nil, fmt.Errorf("%w: document_uri is required", ErrInvalidArgument)
	}
	if req.PageWidth < 0 || req.PageHeight < 0 {
		return nil, fmt.Errorf("%w: page size must be non-negative", ErrInvalidArgument)
	}
	id := req.CaseID
	if id == "" {
		id = types.CaseID(uuid.NewString())
	}
	actor := req.Actor
	if actor == "" {
		actor = ActorIngest
	}

	c, err := e.cases.Create(types.Case{
		ID:          id,
		DocumentURI: req.DocumentURI,
		VendorID:    req.VendorID,
		VendorName:  req.VendorName,
		PageWidth:   req.PageWidth,
		PageHeight:  req.PageHeight,
	}, actor)
	if err != nil {
		return nil, err
	}
	log.Info("case ingested", "case_id", c.ID, "vendor_id", c.VendorID)
	e.wake()
	return c, nil
}

// GetCase returns one case.
func (e *Engine) GetCase(id types.CaseID) (*types.Case, error) {
	return e.cases.Get(id)
}

// History returns the case's transition events, oldest first.
func (e *Engine) History(id types.CaseID) ([]types.TransitionEvent, error) {
	return e.cases.History(id)
}

// EffectiveMasks returns the masks the next extraction of id will use.
func (e *Engine) EffectiveMasks(id types.CaseID) ([]types.Mask, error) {
	c, err := e.cases.Get(id)
	if err != nil {
		return nil, err
	}
	return e.masks.EffectiveMasks(c.ID, c.VendorID), nil
}

// OpenCase gives reviewer exclusive hold of a NeedsReview case.
func (e *Engine) OpenCase(id types.CaseID, reviewer string) (*types.Case, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidArgument)
	}
	return e.cases.Open(id, reviewer)
}

// ReleaseCase returns an InReview case to NeedsReview.
func (e *Engine) ReleaseCase(id types.CaseID, reviewer, reason string) (*types.Case, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.cases.Release(id, reviewer, reason)
}

// DecideCase approves or rejects an InReview case.
func (e *Engine) DecideCase(id types.CaseID, reviewer string, approve bool, reason string) (*types.Case, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.cases.Decide(id, reviewer, approve, reason)
}

// MaskRequest describes a mask drawn on a case.
type MaskRequest struct {
	CaseID         types.CaseID
	Type           types.MaskType
	Region         types.Region
	VendorSpecific bool
	Actor          string
}

// AddMask stores a mask and, when the case is in NeedsReview, InReview or
// Failed, sends it back to Processing so the next extraction uses the new
// mask set. A Queued case just picks the mask up on its first extraction.
// If the transition cannot be recorded the mask is removed again.
func (e *Engine) AddMask(req MaskRequest) (*types.Mask, *types.Case, error) {
	if err := e.running(); err != nil {
		return nil, nil, err
	}
	var added *types.Mask
	c, reprocess, err := e.cases.MutateMasks(req.CaseID, req.Actor, func(c *types.Case) (func(), error) {
		m, err := e.masks.AddMask(masks.Scope{
			CaseID:   c.ID,
			VendorID: c.VendorID,
			Bounds:   e.bounds(c),
		}, req.Type, req.Region, req.VendorSpecific)
		if err != nil {
			return nil, err
		}
		added = m
		return func() {
			if _, err := e.masks.RemoveMask(m.ID); err != nil {
				log.Error("failed to roll back mask add", "mask_id", m.ID, "error", err)
			}
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Info("mask added",
		"mask_id", added.ID, "case_id", req.CaseID, "vendor_specific", added.VendorSpecific, "reprocess", reprocess)
	if reprocess {
		e.submit(c)
	}
	return added, c, nil
}

// RemoveMask deletes a mask. Unknown ids succeed with a nil case. When the
// originating case is in a mask-mutable state it is re-processed; otherwise
// only the registry changes.
func (e *Engine) RemoveMask(maskID, actor string) (*types.Case, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	m, ok := e.masks.Get(maskID)
	if !ok {
		return nil, nil
	}

	c, reprocess, err := e.cases.MutateMasks(m.CaseID, actor, func(*types.Case) (func(), error) {
		removed, err := e.masks.RemoveMask(maskID)
		if err != nil || removed == nil {
			return nil, err
		}
		return func() {
			if err := e.masks.Reinstate(removed); err != nil {
				log.Error("failed to roll back mask removal", "mask_id", maskID, "error", err)
			}
		}, nil
	})
	var te *casemanager.TransitionError
	switch {
	case err == nil:
	case errors.As(err, &te), errors.Is(err, casemanager.ErrCaseNotFound):
		// The originating case is past review; later cases still lose the mask.
		if _, err := e.masks.RemoveMask(maskID); err != nil {
			return nil, err
		}
		log.Info("mask removed", "mask_id", maskID, "case_id", m.CaseID, "reprocess", false)
		return nil, nil
	default:
		return nil, err
	}

	log.Info("mask removed", "mask_id", maskID, "case_id", m.CaseID, "reprocess", reprocess)
	if reprocess {
		e.submit(c)
	}
	return c, nil
}

func (e *Engine) bounds(c *types.Case) masks.Bounds {
	if c.PageWidth > 0 || c.PageHeight > 0 {
		return masks.Bounds{Width: c.PageWidth, Height: c.PageHeight}
	}
	return e.cfg.DefaultBounds
}

// RetryCase re-queues a Failed case with profile.
func (e *Engine) RetryCase(id types.CaseID, profile, actor string) (*retry.Result, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	res, err := e.retry.RetryCase(id, profile, actor)
	if err != nil {
		return nil, err
	}
	e.wake()
	return res, nil
}

// MaxRetries is the retry cap in force.
func (e *Engine) MaxRetries() int { return e.retry.MaxRetries() }

// ExportCase exports an approved case; repeated calls return the same ref.
func (e *Engine) ExportCase(ctx context.Context, id types.CaseID, actor string) (string, error) {
	if err := e.running(); err != nil {
		return "", err
	}
	return e.gate.ExportCase(ctx, id, actor)
}

// Query pages through the review queue.
func (e *Engine) Query(f reviewqueue.Filter, s reviewqueue.Sort, p reviewqueue.Page) (*reviewqueue.Result, error) {
	return e.index.Query(f, s, p)
}

// Stats aggregates the live case set.
func (e *Engine) Stats() types.QueueStats {
	return e.index.Stats()
}
