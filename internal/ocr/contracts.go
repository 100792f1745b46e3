// Package ocr defines the contract with the external field-extraction engine
// and an HTTP client for it.
package ocr

import (
	"context"
	"errors"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrExtractionFailure wraps every error the engine reports, including
// timeouts. The caller turns it into Processing -> Failed.
var ErrExtractionFailure = errors.New("extraction failure")

// ExtractionRequest is one extraction attempt.
type ExtractionRequest struct {
	CaseID      types.CaseID
	DocumentURI string
	Masks       []types.Mask // effective set, insertion order
	Profile     string
}

// ExtractionResult is the engine's answer.
type ExtractionResult struct {
	Fields          map[string]types.Field
	ValidationFlags []string
}

// Extractor is implemented by OCR engine clients.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResult, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, req ExtractionRequest) (*ExtractionResult, error)

func (f ExtractorFunc) Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResult, error) {
	return f(ctx, req)
}
