package grpcserver_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/grpcserver"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/plan"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/search"
)

type fakeSearcher struct {
	got  search.Request
	resp *search.Response
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (*search.Response, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeSearcher) ResolvePlan(context.Context, string) (plan.Resolution, error) {
	return plan.Resolution{Record: billing.NewPlanRecord("consultor_agil", "", billing.SourceProfile)}, nil
}

func dial(t *testing.T, svc grpcserver.Searcher) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	grpcserver.Register(gs, grpcserver.NewServer(svc))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func withUser(user string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-user-id", user)
}

func searchRequest(t *testing.T) *structpb.Struct {
	t.Helper()
	in, err := structpb.NewStruct(map[string]any{
		"jurisdictions": []any{"SP"},
		"dateFrom":      "2026-10-01",
		"dateTo":        "2026-10-14",
		"mode":          "open",
		"valueMin":      500.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	return in
}

// ── Search ─────────────────────────────────────────────────────────────────

func TestSearch_RoundTrip(t *testing.T) {
	fs := &fakeSearcher{resp: &search.Response{
		RequestID:    "r1",
		State:        search.StateDone,
		Bids:         []model.Bid{{ID: "b1", Jurisdiction: "SP"}},
		TotalMatches: 1,
		Revealed:     1,
		Warnings:     []string{},
	}}
	conn := dial(t, fs)

	out := new(structpb.Struct)
	if err := conn.Invoke(withUser("u1"), grpcserver.SearchMethod, searchRequest(t), out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.Fields["requestId"].GetStringValue(); got != "r1" {
		t.Errorf("requestId = %q, want r1", got)
	}
	if got := out.Fields["totalMatches"].GetNumberValue(); got != 1 {
		t.Errorf("totalMatches = %v, want 1", got)
	}
	if fs.got.UserID != "u1" || fs.got.Mode != model.ModeOpen || *fs.got.ValueMin != 500 {
		t.Errorf("request = %+v", fs.got)
	}
}

func TestSearch_MissingUser(t *testing.T) {
	conn := dial(t, &fakeSearcher{})
	err := conn.Invoke(context.Background(), grpcserver.SearchMethod, searchRequest(t), new(structpb.Struct))
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}

func TestSearch_ErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", &search.ValidationError{Msg: "bad"}, codes.InvalidArgument},
		{"retryable", &search.Failure{State: search.StateQuotaCheck, Retryable: true, Err: errors.New("down")}, codes.Unavailable},
		{"fatal registry", &search.Failure{State: search.StateFetching, Err: errors.New("400")}, codes.FailedPrecondition},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, c := range cases {
		conn := dial(t, &fakeSearcher{err: c.err})
		err := conn.Invoke(withUser("u1"), grpcserver.SearchMethod, searchRequest(t), new(structpb.Struct))
		if status.Code(err) != c.want {
			t.Errorf("%s: code = %v, want %v", c.name, status.Code(err), c.want)
		}
	}
}

func TestSearch_BadDate(t *testing.T) {
	conn := dial(t, &fakeSearcher{})
	in := searchRequest(t)
	in.Fields["dateTo"] = structpb.NewStringValue("yesterday")
	err := conn.Invoke(withUser("u1"), grpcserver.SearchMethod, in, new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}

// ── ResolvePlan / health ───────────────────────────────────────────────────

func TestResolvePlan(t *testing.T) {
	conn := dial(t, &fakeSearcher{})
	out := new(structpb.Struct)
	if err := conn.Invoke(withUser("u1"), grpcserver.ResolvePlanMethod, &structpb.Struct{}, out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.Fields["planId"].GetStringValue(); got != "consultor_agil" {
		t.Errorf("planId = %q, want consultor_agil", got)
	}
	if got := out.Fields["source"].GetStringValue(); got != "profile" {
		t.Errorf("source = %q, want profile", got)
	}
}

func TestHealth(t *testing.T) {
	conn := dial(t, &fakeSearcher{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.Status)
	}
}
