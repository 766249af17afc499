package ledger

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tallynet/tally/validator/internal/config"
)

// fakeGateway is an in-memory ledger gateway.
type fakeGateway struct {
	mu        sync.Mutex
	blocks    map[float64]float64 // slot -> blocks since update; absent = unknown
	minBlocks float64
	accept    bool
	submitErr error
	submitted []*structpb.Struct
	nodes     []interface{}
}

func (g *fakeGateway) BlocksSinceLastUpdate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	slot := req.GetFields()["slot"].GetNumberValue()
	b, ok := g.blocks[slot]
	if !ok {
		return structpb.NewStruct(map[string]interface{}{"blocks": nil})
	}
	return structpb.NewStruct(map[string]interface{}{"blocks": b})
}

func (g *fakeGateway) MinInterval(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"blocks": g.minBlocks})
}

func (g *fakeGateway) SubmitWeights(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	g.submitted = append(g.submitted, req)
	return structpb.NewStruct(map[string]interface{}{"success": g.accept, "message": "ok"})
}

func (g *fakeGateway) ListNodes(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"nodes": g.nodes})
}

// startGateway serves gw over bufconn and returns a dialer wired to it.
func startGateway(t *testing.T, gw *fakeGateway, cfg config.LedgerConfig, opts ...grpc.ServerOption) *GRPCDialer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&gatewayDesc, gw)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	d := NewGRPCDialer(cfg)
	d.extra = []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})}
	return d
}

func dial(t *testing.T, d *GRPCDialer) Conn {
	t.Helper()
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

var testCfg = config.LedgerConfig{Endpoint: "bufnet", DialTimeout: 2 * time.Second, CallTimeout: 2 * time.Second}

func TestBlocksSinceLastUpdate(t *testing.T) {
	gw := &fakeGateway{blocks: map[float64]float64{3: 5}}
	conn := dial(t, startGateway(t, gw, testCfg))

	blocks, known, err := conn.BlocksSinceLastUpdate(context.Background(), 3)
	if err != nil {
		t.Fatalf("BlocksSinceLastUpdate: %v", err)
	}
	if !known || blocks != 5 {
		t.Errorf("got (%d, %v), want (5, true)", blocks, known)
	}

	_, known, err = conn.BlocksSinceLastUpdate(context.Background(), 99)
	if err != nil {
		t.Fatalf("BlocksSinceLastUpdate(unknown): %v", err)
	}
	if known {
		t.Error("unregistered slot reported as known")
	}
}

func TestMinInterval(t *testing.T) {
	conn := dial(t, startGateway(t, &fakeGateway{minBlocks: 20}, testCfg))
	n, err := conn.MinInterval(context.Background(), 3)
	if err != nil {
		t.Fatalf("MinInterval: %v", err)
	}
	if n != 20 {
		t.Errorf("MinInterval = %d, want 20", n)
	}
}

func TestSubmitWeights(t *testing.T) {
	gw := &fakeGateway{accept: true}
	conn := dial(t, startGateway(t, gw, testCfg))

	ok, err := conn.SubmitWeights(context.Background(), Submission{
		SlotIDs:       []int{1, 4},
		Weights:       []float64{0.25, 1},
		ValidatorSlot: 7,
		VersionKey:    3,
	})
	if err != nil {
		t.Fatalf("SubmitWeights: %v", err)
	}
	if !ok {
		t.Fatal("SubmitWeights = false, want true")
	}

	if len(gw.submitted) != 1 {
		t.Fatalf("gateway received %d submissions, want 1", len(gw.submitted))
	}
	f := gw.submitted[0].GetFields()
	slots := f["slot_ids"].GetListValue().GetValues()
	if len(slots) != 2 || slots[1].GetNumberValue() != 4 {
		t.Errorf("slot_ids = %v", slots)
	}
	if f["validator_slot"].GetNumberValue() != 7 || f["version_key"].GetNumberValue() != 3 {
		t.Errorf("validator_slot/version_key = %v/%v", f["validator_slot"], f["version_key"])
	}
	if f["wait_for_inclusion"].GetBoolValue() || f["wait_for_finalization"].GetBoolValue() {
		t.Error("wait flags should be false")
	}
}

func TestSubmitWeights_Rejected(t *testing.T) {
	conn := dial(t, startGateway(t, &fakeGateway{accept: false}, testCfg))
	ok, err := conn.SubmitWeights(context.Background(), Submission{SlotIDs: []int{1}, Weights: []float64{1}})
	if err != nil || ok {
		t.Errorf("SubmitWeights = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestSubmitWeights_MismatchedLengths(t *testing.T) {
	gw := &fakeGateway{accept: true}
	conn := dial(t, startGateway(t, gw, testCfg))
	if _, err := conn.SubmitWeights(context.Background(), Submission{SlotIDs: []int{1, 2}, Weights: []float64{1}}); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
	if len(gw.submitted) != 0 {
		t.Error("malformed submission reached the gateway")
	}
}

func TestSubmitWeights_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "node syncing"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"invalid", status.Error(codes.InvalidArgument, "bad vector"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, startGateway(t, &fakeGateway{submitErr: tc.err}, testCfg))
			_, err := conn.SubmitWeights(context.Background(), Submission{SlotIDs: []int{1}, Weights: []float64{1}})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrUnavailable); got != tc.transient {
				t.Errorf("errors.Is(err, ErrUnavailable) = %v, want %v (err=%v)", got, tc.transient, err)
			}
		})
	}
}

func TestListNodes(t *testing.T) {
	gw := &fakeGateway{nodes: []interface{}{
		map[string]interface{}{"slot": 0, "node_id": "5Fabc"},
		map[string]interface{}{"slot": 2, "node_id": "5Gdef"},
		map[string]interface{}{"slot": 3},
	}}
	d := startGateway(t, gw, testCfg)

	nodes, err := Membership{Dialer: d}.ListNodes(context.Background())
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %+v, want 2 (entry without node_id dropped)", nodes)
	}
	if nodes[1].SlotID != 2 || nodes[1].NodeID != "5Gdef" {
		t.Errorf("nodes[1] = %+v", nodes[1])
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv("TEST_LEDGER_KEY", "s3cret")
	server := grpc.UnaryInterceptor(requireKey("x-api-key", "s3cret"))

	t.Run("valid key", func(t *testing.T) {
		cfg := testCfg
		cfg.Auth = config.AuthConfig{Mode: "apikey", Header: "x-api-key", KeyEnv: "TEST_LEDGER_KEY"}
		conn := dial(t, startGateway(t, &fakeGateway{minBlocks: 1}, cfg, server))
		if _, err := conn.MinInterval(context.Background(), 0); err != nil {
			t.Fatalf("MinInterval with valid key: %v", err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		conn := dial(t, startGateway(t, &fakeGateway{minBlocks: 1}, testCfg, server))
		_, err := conn.MinInterval(context.Background(), 0)
		if status.Code(errors.Unwrap(err)) != codes.Unauthenticated {
			t.Fatalf("err = %v, want Unauthenticated", err)
		}
		if errors.Is(err, ErrUnavailable) {
			t.Error("auth failure classified as transient")
		}
	})
}

func TestDial_Unreachable(t *testing.T) {
	d := NewGRPCDialer(config.LedgerConfig{Endpoint: "bufnet", DialTimeout: 100 * time.Millisecond})
	d.extra = []grpc.DialOption{grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})}
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Dial err = %v, want ErrUnavailable", err)
	}
}
