// ============================================================================
// Docflow Server - gRPC ReviewService
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: exposes engine actions as docflow.v1.ReviewService
//
// Every method is unary and exchanges google.protobuf.Struct messages. The
// Struct is a JSON object whose keys match the json tags in messages.go, so
// any gRPC client (grpcurl included) can call the service without generated
// stubs.
//
// Methods:
//   Ingest, GetCase, History                 - cases
//   OpenCase, ReleaseCase, DecideCase        - review
//   AddMask, RemoveMask                      - masks
//   RetryCase, ExportCase                    - recovery and export
//   QueryQueue, QueueStats                   - queue views
//
// Also registered: grpc.health.v1.Health and server reflection.
//
// ============================================================================

package server

import (
	"context"
	"time"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/internal/reviewqueue"
	"github.com/ChuLiYu/docflow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = logging.For("server")

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "docflow.v1.ReviewService"

// DefaultActor is recorded when a request names no actor.
const DefaultActor = "api"

// Engine is the subset of *engine.Engine the service calls.
type Engine interface {
	Ingest(req engine.IngestRequest) (*types.Case, error)
	GetCase(id types.CaseID) (*types.Case, error)
	History(id types.CaseID) ([]types.TransitionEvent, error)
	OpenCase(id types.CaseID, reviewer string) (*types.Case, error)
	ReleaseCase(id types.CaseID, reviewer, reason string) (*types.Case, error)
	DecideCase(id types.CaseID, reviewer string, approve bool, reason string) (*types.Case, error)
	AddMask(req engine.MaskRequest) (*types.Mask, *types.Case, error)
	RemoveMask(maskID, actor string) (*types.Case, error)
	RetryCase(id types.CaseID, profile, actor string) (*retry.Result, error)
	ExportCase(ctx context.Context, id types.CaseID, actor string) (string, error)
	Query(f reviewqueue.Filter, s reviewqueue.Sort, p reviewqueue.Page) (*reviewqueue.Result, error)
	Stats() types.QueueStats
}

// ReviewService is the handler interface behind the service descriptor.
type ReviewService interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenCase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseCase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideCase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddMask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveMask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryCase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportCase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ReviewService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(ReviewService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes docflow.v1.ReviewService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReviewService)(nil),
	Methods: []grpc.MethodDesc{
		method("Ingest", ReviewService.Ingest),
		method("GetCase", ReviewService.GetCase),
		method("History", ReviewService.History),
		method("OpenCase", ReviewService.OpenCase),
		method("ReleaseCase", ReviewService.ReleaseCase),
		method("DecideCase", ReviewService.DecideCase),
		method("AddMask", ReviewService.AddMask),
		method("RemoveMask", ReviewService.RemoveMask),
		method("RetryCase", ReviewService.RetryCase),
		method("ExportCase", ReviewService.ExportCase),
		method("QueryQueue", ReviewService.QueryQueue),
		method("QueueStats", ReviewService.QueueStats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docflow/v1/review.proto",
}

// Server implements ReviewService over an Engine.
type Server struct {
	engine Engine
}

// NewServer creates a service instance.
func NewServer(eng Engine) *Server {
	return &Server{engine: eng}
}

// NewGRPCServer builds a grpc.Server with the review service, the health
// service (reporting SERVING) and reflection registered.
func NewGRPCServer(svc *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logRequests)}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	return gs, hs
}

// logRequests logs every unary call; failures at Warn.
func logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("rpc failed",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"error", err,
			"duration", time.Since(start))
		return resp, err
	}
	log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	return resp, nil
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}

// reply encodes v or maps err.
func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ============================================================================
// Cases
// ============================================================================

func (s *Server) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IngestRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	c, err := s.engine.Ingest(engine.IngestRequest{
		CaseID:      types.CaseID(req.CaseID),
		DocumentURI: req.DocumentURI,
		VendorID:    req.VendorID,
		VendorName:  req.VendorName,
		PageWidth:   req.PageWidth,
		PageHeight:  req.PageHeight,
		Actor:       req.Actor,
	})
	return reply(CaseResponse{Case: c}, err)
}

func (s *Server) GetCase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CaseRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	c, err := s.engine.GetCase(types.CaseID(req.CaseID))
	return reply(CaseResponse{Case: c}, err)
}

func (s *Server) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CaseRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	events, err := s.engine.History(types.CaseID(req.CaseID))
	return reply(HistoryResponse{Events: events}, err)
}

// ============================================================================
// Review
// ============================================================================

func (s *Server) OpenCase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req OpenRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	c, err := s.engine.OpenCase(types.CaseID(req.CaseID), req.Reviewer)
	return reply(CaseResponse{Case: c}, err)
}

func (s *Server) ReleaseCase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReleaseRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	c, err := s.engine.ReleaseCase(types.CaseID(req.CaseID), req.Reviewer, req.Reason)
	return reply(CaseResponse{Case: c}, err)
}

func (s *Server) DecideCase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DecideRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	approve := req.Decision == DecisionApprove
	c, err := s.engine.DecideCase(types.CaseID(req.CaseID), req.Reviewer, approve, req.Reason)
	return reply(CaseResponse{Case: c}, err)
}

// ============================================================================
// Masks
// ============================================================================

func (s *Server) AddMask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddMaskRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	m, c, err := s.engine.AddMask(engine.MaskRequest{
		CaseID:         types.CaseID(req.CaseID),
		Type:           types.MaskType(req.Type),
		Region:         req.Region,
		VendorSpecific: req.VendorSpecific,
		Actor:          actorOr(req.Actor, DefaultActor),
	})
	return reply(MaskResponse{Mask: m, Case: c}, err)
}

func (s *Server) RemoveMask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RemoveMaskRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	c, err := s.engine.RemoveMask(req.MaskID, actorOr(req.Actor, DefaultActor))
	return reply(RemoveMaskResponse{Case: c}, err)
}

// ============================================================================
// Retry and export
// ============================================================================

func (s *Server) RetryCase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetryRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	res, err := s.engine.RetryCase(types.CaseID(req.CaseID), req.Profile, actorOr(req.Actor, DefaultActor))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(RetryResponse{
		Case:            res.Case,
		Profile:         res.Profile,
		EstimatedTimeMs: res.EstimatedTimeMs,
	}, nil)
}

func (s *Server) ExportCase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ExportRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	ref, err := s.engine.ExportCase(ctx, types.CaseID(req.CaseID), actorOr(req.Actor, DefaultActor))
	return reply(ExportResponse{CaseID: req.CaseID, ExportRef: ref}, err)
}

// ============================================================================
// Queue
// ============================================================================

func (s *Server) QueryQueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QueryRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}

	f := reviewqueue.Filter{State: types.State(req.State), Vendor: req.Vendor}
	if req.MinConfidence != nil || req.MaxConfidence != nil {
		r := &reviewqueue.ConfidenceRange{Min: 0, Max: 100}
		if req.MinConfidence != nil {
			r.Min = *req.MinConfidence
		}
		if req.MaxConfidence != nil {
			r.Max = *req.MaxConfidence
		}
		f.Confidence = r
	}
	res, err := s.engine.Query(f,
		reviewqueue.Sort{Field: reviewqueue.SortField(req.SortBy), Order: reviewqueue.Order(req.Order)},
		reviewqueue.Page{Number: req.Page, Size: req.PageSize})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(QueryResponse{
		Entries:    res.Entries,
		Total:      res.Total,
		TotalPages: res.TotalPages,
		Page:       res.Page,
	}, nil)
}

func (s *Server) QueueStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StatsRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.Stats(), nil)
}
