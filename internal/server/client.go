package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/docflow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls ReviewService. Errors are gRPC status errors.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	owned  bool
}

// Dial connects to addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := NewClient(conn)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

// Close closes the connection if Dial opened it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return decodeResponse(out, resp)
}

// Healthy reports whether the server answers SERVING for the review service.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*types.Case, error) {
	var resp CaseResponse
	if err := c.invoke(ctx, "Ingest", req, &resp); err != nil {
		return nil, err
	}
	return resp.Case, nil
}

func (c *Client) GetCase(ctx context.Context, id string) (*types.Case, error) {
	var resp CaseResponse
	if err := c.invoke(ctx, "GetCase", CaseRequest{CaseID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Case, nil
}

func (c *Client) History(ctx context.Context, id string) ([]types.TransitionEvent, error) {
	var resp HistoryResponse
	if err := c.invoke(ctx, "History", CaseRequest{CaseID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) OpenCase(ctx context.Context, id, reviewer string) (*types.Case, error) {
	var resp CaseResponse
	if err := c.invoke(ctx, "OpenCase", OpenRequest{CaseID: id, Reviewer: reviewer}, &resp); err != nil {
		return nil, err
	}
	return resp.Case, nil
}

func (c *Client) ReleaseCase(ctx context.Context, id, reviewer, reason string) (*types.Case, error) {
	var resp CaseResponse
	req := ReleaseRequest{CaseID: id, Reviewer: reviewer, Reason: reason}
	if err := c.invoke(ctx, "ReleaseCase", req, &resp); err != nil {
		return nil, err
	}
	return resp.Case, nil
}

func (c *Client) DecideCase(ctx context.Context, id, reviewer string, approve bool, reason string) (*types.Case, error) {
	decision := DecisionReject
	if approve {
		decision = DecisionApprove
	}
	var resp CaseResponse
	req := DecideRequest{CaseID: id, Reviewer: reviewer, Decision: decision, Reason: reason}
	if err := c.invoke(ctx, "DecideCase", req, &resp); err != nil {
		return nil, err
	}
	return resp.Case, nil
}

func (c *Client) AddMask(ctx context.Context, req AddMaskRequest) (*MaskResponse, error) {
	var resp MaskResponse
	if err := c.invoke(ctx, "AddMask", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveMask returns the re-processed case, or nil when none was.
func (c *Client) RemoveMask(ctx context.Context, maskID, actor string) (*types.Case, error) {
	var resp RemoveMaskResponse
	if err := c.invoke(ctx, "RemoveMask", RemoveMaskRequest{MaskID: maskID, Actor: actor}, &resp); err != nil {
		return nil, err
	}
	return resp.Case, nil
}

func (c *Client) RetryCase(ctx context.Context, req RetryRequest) (*RetryResponse, error) {
	var resp RetryResponse
	if err := c.invoke(ctx, "RetryCase", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ExportCase(ctx context.Context, id, actor string) (string, error) {
	var resp ExportResponse
	if err := c.invoke(ctx, "ExportCase", ExportRequest{CaseID: id, Actor: actor}, &resp); err != nil {
		return "", err
	}
	return resp.ExportRef, nil
}

func (c *Client) QueryQueue(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var resp QueryResponse
	if err := c.invoke(ctx, "QueryQueue", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	var resp types.QueueStats
	if err := c.invoke(ctx, "QueueStats", StatsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
