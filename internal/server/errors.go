package server

import (
	"context"
	"errors"

	"github.com/ChuLiYu/docflow/internal/casemanager"
	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/internal/export"
	"github.com/ChuLiYu/docflow/internal/masks"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/internal/reviewqueue"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes. Errors that already carry a
// status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, casemanager.ErrCaseNotFound):
		return codes.NotFound
	case errors.Is(err, casemanager.ErrDuplicateCase):
		return codes.AlreadyExists
	case errors.Is(err, casemanager.ErrAlreadyInReview):
		return codes.Aborted
	case errors.Is(err, casemanager.ErrInvalidTransition),
		errors.Is(err, retry.ErrRetryNotAllowed):
		return codes.FailedPrecondition
	case errors.Is(err, masks.ErrInvalidRegion),
		errors.Is(err, masks.ErrInvalidMaskType),
		errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, reviewqueue.ErrInvalidQuery):
		return codes.InvalidArgument
	case errors.Is(err, retry.ErrRetryExhausted):
		return codes.ResourceExhausted
	case errors.Is(err, export.ErrExportFailure),
		errors.Is(err, engine.ErrNotRunning):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}
