// Package grpcserver implements the SearchService gRPC server.
//
// It delegates all business logic to search.Service and handles only the
// gRPC transport concerns: metadata extraction, error mapping, and
// conversion between the domain types and google.protobuf.Struct messages.
// Messages are Structs so the service needs no generated code; the service
// descriptor below is declared by hand.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/plan"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/search"
)

const (
	ServiceName       = "pncp.search.v1.SearchService"
	SearchMethod      = "/" + ServiceName + "/Search"
	ResolvePlanMethod = "/" + ServiceName + "/ResolvePlan"
)

// Searcher is the orchestrator surface the server needs.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	ResolvePlan(ctx context.Context, userID string) (plan.Resolution, error)
}

// SearchServiceServer is the server API for SearchService.
type SearchServiceServer interface {
	Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ResolvePlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements SearchServiceServer.
type Server struct {
	svc Searcher
}

// NewServer constructs a gRPC Server backed by the given Searcher.
func NewServer(svc Searcher) *Server {
	return &Server{svc: svc}
}

// Register installs the search service and a health service on gs.
func Register(gs *grpc.Server, srv SearchServiceServer) *health.Server {
	gs.RegisterService(&serviceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// ─── RPC implementations ──────────────────────────────────────────────────────

// Search runs one search. The request Struct has the same fields as the
// HTTP body of POST /search.
func (s *Server) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userIDFromCtx(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}
	var params search.Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	req, err := params.Request(userID)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp, err := s.svc.Search(ctx, req)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(resp)
}

// ResolvePlan returns the caller's plan record and the layer it came from.
func (s *Server) ResolvePlan(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userIDFromCtx(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.ResolvePlan(ctx, userID)
	if err != nil && !errors.Is(err, plan.ErrUnavailable) {
		return nil, toGRPCError(err)
	}
	out, err := toStruct(res.Record)
	if err != nil {
		return nil, err
	}
	out.Fields["degraded"] = structpb.NewBoolValue(res.Degraded())
	out.Fields["resolvedAt"] = structpb.NewStringValue(time.Now().UTC().Format(time.RFC3339))
	return out, nil
}

// ─── Service descriptor ──────────────────────────────────────────────────────

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SearchServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: searchHandler},
		{MethodName: "ResolvePlan", Handler: resolvePlanHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pncp/search/v1/search.proto",
}

func searchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SearchServiceServer).Search(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SearchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SearchServiceServer).Search(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resolvePlanHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SearchServiceServer).ResolvePlan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResolvePlanMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SearchServiceServer).ResolvePlan(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// userIDFromCtx extracts the x-user-id value forwarded by the Gateway
// via gRPC metadata.
func userIDFromCtx(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("x-user-id")
	if len(vals) == 0 || vals[0] == "" {
		return "", status.Error(codes.Unauthenticated, "missing x-user-id metadata")
	}
	return vals[0], nil
}

// toGRPCError maps domain errors to gRPC status errors.
func toGRPCError(err error) error {
	var ve *search.ValidationError
	if errors.As(err, &ve) {
		return status.Error(codes.InvalidArgument, ve.Msg)
	}
	var f *search.Failure
	if errors.As(err, &f) {
		switch {
		case f.Retryable:
			return status.Error(codes.Unavailable, f.Error())
		case f.State == search.StateFetching:
			return status.Error(codes.FailedPrecondition, f.Error())
		}
	}
	return status.Error(codes.Internal, "internal server error")
}

// toStruct converts any JSON-serialisable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
