package worker

import (
	"time"

	"github.com/ChuLiYu/docflow/internal/ocr"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Task is one extraction attempt for one case.
type Task struct {
	CaseID  types.CaseID          // Case being extracted
	Request ocr.ExtractionRequest // Document, effective masks, profile
	Timeout time.Duration         // Deadline for the OCR call
}

// Result is the outcome of a Task.
type Result struct {
	CaseID   types.CaseID
	Output   *ocr.ExtractionResult // nil when Error is set
	Error    error                 // wraps ocr.ErrExtractionFailure on engine errors and timeouts
	Duration time.Duration
}

// Success reports whether the extraction produced output.
func (r Result) Success() bool { return r.Error == nil && r.Output != nil }
