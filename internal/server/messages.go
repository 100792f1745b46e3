package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ============================================================================
// Requests
// ============================================================================

type IngestRequest struct {
	CaseID      string `json:"case_id,omitempty" validate:"omitempty,max=128"`
	DocumentURI string `json:"document_uri" validate:"required,uri"`
	VendorID    string `json:"vendor_id,omitempty"`
	VendorName  string `json:"vendor_name,omitempty"`
	PageWidth   int    `json:"page_width,omitempty" validate:"gte=0"`
	PageHeight  int    `json:"page_height,omitempty" validate:"gte=0"`
	Actor       string `json:"actor,omitempty"`
}

type CaseRequest struct {
	CaseID string `json:"case_id" validate:"required"`
}

type OpenRequest struct {
	CaseID   string `json:"case_id" validate:"required"`
	Reviewer string `json:"reviewer" validate:"required"`
}

type ReleaseRequest struct {
	CaseID   string `json:"case_id" validate:"required"`
	Reviewer string `json:"reviewer" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

// Decision values accepted by DecideCase.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type DecideRequest struct {
	CaseID   string `json:"case_id" validate:"required"`
	Reviewer string `json:"reviewer" validate:"required"`
	Decision string `json:"decision" validate:"oneof=approve reject"`
	Reason   string `json:"reason,omitempty"`
}

type AddMaskRequest struct {
	CaseID         string       `json:"case_id" validate:"required"`
	Type           string       `json:"type" validate:"oneof=logo watermark header footer custom"`
	Region         types.Region `json:"region"`
	VendorSpecific bool         `json:"vendor_specific,omitempty"`
	Actor          string       `json:"actor,omitempty"`
}

type RemoveMaskRequest struct {
	MaskID string `json:"mask_id" validate:"required"`
	Actor  string `json:"actor,omitempty"`
}

type RetryRequest struct {
	CaseID  string `json:"case_id" validate:"required"`
	Profile string `json:"profile,omitempty"`
	Actor   string `json:"actor,omitempty"`
}

type ExportRequest struct {
	CaseID string `json:"case_id" validate:"required"`
	Actor  string `json:"actor,omitempty"`
}

// QueryRequest filters the review queue. An unset state means needs_review.
type QueryRequest struct {
	State         string   `json:"state,omitempty"`
	Vendor        string   `json:"vendor,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty" validate:"omitempty,min=0,max=100"`
	MaxConfidence *float64 `json:"max_confidence,omitempty" validate:"omitempty,min=0,max=100"`
	SortBy        string   `json:"sort_by,omitempty"`
	Order         string   `json:"order,omitempty"`
	Page          int      `json:"page,omitempty" validate:"gte=0"`
	PageSize      int      `json:"page_size,omitempty" validate:"gte=0,lte=500"`
}

type StatsRequest struct{}

// ============================================================================
// Responses
// ============================================================================

type CaseResponse struct {
	Case *types.Case `json:"case"`
}

type HistoryResponse struct {
	Events []types.TransitionEvent `json:"events"`
}

type MaskResponse struct {
	Mask *types.Mask `json:"mask"`
	Case *types.Case `json:"case"`
}

// RemoveMaskResponse carries the re-processed case, if any.
type RemoveMaskResponse struct {
	Case *types.Case `json:"case,omitempty"`
}

type RetryResponse struct {
	Case            *types.Case `json:"case"`
	Profile         string      `json:"profile"`
	EstimatedTimeMs int64       `json:"estimated_time_ms"`
}

type ExportResponse struct {
	CaseID    string `json:"case_id"`
	ExportRef string `json:"export_ref"`
}

type QueryResponse struct {
	Entries    []types.QueueEntry `json:"entries"`
	Total      int                `json:"total"`
	TotalPages int                `json:"total_pages"`
	Page       int                `json:"page"`
}

// ============================================================================
// Struct codec
// ============================================================================

var validate = validator.New()

// decodeRequest maps a Struct onto v, rejecting unknown keys, and validates
// it. Every failure is InvalidArgument.
func decodeRequest(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return status.Errorf(codes.InvalidArgument, "%s failed %q", fe.Field(), fe.Tag())
		}
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// decodeResponse maps a Struct onto v, ignoring unknown keys.
func decodeResponse(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// encode converts a JSON-tagged value into a Struct.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}
