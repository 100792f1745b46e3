package engine

import (
	"fmt"

	"github.com/ChuLiYu/docflow/internal/masks"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/storage/wal"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// walSink writes every case transition and mask mutation to the WAL before
// the caller publishes it. It serves both casemanager.EventSink and
// masks.Sink.
type walSink struct {
	wal     *wal.WAL
	metrics *metrics.Collector
}

func (s *walSink) RecordTransition(ev types.TransitionEvent, c *types.Case) error {
	if _, err := s.wal.AppendTransition(ev, c); err != nil {
		return err
	}
	s.metrics.RecordTransition(ev.From, ev.To)
	return nil
}

func (s *walSink) RecordMask(op masks.Op, m *types.Mask) error {
	var typ wal.RecordType
	switch op {
	case masks.OpAdd:
		typ = wal.RecordMaskAdd
	case masks.OpRemove:
		typ = wal.RecordMaskRemove
	default:
		return fmt.Errorf("unknown mask op %q", op)
	}
	_, err := s.wal.AppendMask(typ, m)
	return err
}
