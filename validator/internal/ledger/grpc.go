package ledger

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tallynet/tally/validator/internal/config"
	"github.com/tallynet/tally/validator/internal/registry"
)

// ServiceName is the fully qualified gateway service name.
const ServiceName = "tally.ledger.v1.Gateway"

const (
	methodBlocksSince   = "/" + ServiceName + "/BlocksSinceLastUpdate"
	methodMinInterval   = "/" + ServiceName + "/MinInterval"
	methodSubmitWeights = "/" + ServiceName + "/SubmitWeights"
	methodListNodes     = "/" + ServiceName + "/ListNodes"
)

// dialFunc opens a gRPC connection. Abstracted so tests can inject an
// in-memory bufconn dialer.
type dialFunc func(ctx context.Context, endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error)

// GRPCDialer dials the ledger gateway described by a LedgerConfig.
type GRPCDialer struct {
	cfg    config.LedgerConfig
	dialFn dialFunc
	extra  []grpc.DialOption
}

// NewGRPCDialer returns a dialer for cfg.
func NewGRPCDialer(cfg config.LedgerConfig) *GRPCDialer {
	return &GRPCDialer{cfg: cfg, dialFn: defaultDial}
}

func defaultDial(ctx context.Context, endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, endpoint, opts...) //nolint:staticcheck // DialContext honours WithBlock
}

// Dial opens a new connection and waits until it is ready or the dial
// timeout elapses.
func (d *GRPCDialer) Dial(ctx context.Context) (Conn, error) {
	opts, err := dialOptions(d.cfg.Auth)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithBlock()) //nolint:staticcheck
	opts = append(opts, d.extra...)

	if d.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}

	cc, err := d.dialFn(ctx, d.cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, d.cfg.Endpoint, err)
	}
	return &GRPCConn{cc: cc, callTimeout: d.cfg.CallTimeout}, nil
}

// dialOptions builds transport credentials and the API key interceptor.
func dialOptions(auth config.AuthConfig) ([]grpc.DialOption, error) {
	switch auth.Mode {
	case "mtls":
		creds, err := buildMTLSCreds(auth)
		if err != nil {
			return nil, fmt.Errorf("ledger: build mtls creds: %w", err)
		}
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil

	case "apikey":
		return []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUnaryInterceptor(apiKeyClientInterceptor(auth.Header, auth.Key())),
		}, nil

	default:
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
}

// apiKeyClientInterceptor attaches the API key to every outgoing call.
func apiKeyClientInterceptor(header, key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if key != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, header, key)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// GRPCConn is a Ledger over one gateway connection.
type GRPCConn struct {
	cc          *grpc.ClientConn
	callTimeout time.Duration
}

// Close releases the connection.
func (c *GRPCConn) Close() error { return c.cc.Close() }

func (c *GRPCConn) call(ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode %s: %w", method, err)
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
		}
		return nil, fmt.Errorf("ledger: %s: %w", method, err)
	}
	return out, nil
}

// isTransient returns true for gRPC errors worth retrying on a new
// connection.
func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return true
	}
	return false
}

// BlocksSinceLastUpdate implements Ledger.
func (c *GRPCConn) BlocksSinceLastUpdate(ctx context.Context, slot int) (int64, bool, error) {
	out, err := c.call(ctx, methodBlocksSince, map[string]interface{}{"slot": slot})
	if err != nil {
		return 0, false, err
	}
	v, ok := out.GetFields()["blocks"]
	if !ok {
		return 0, false, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, false, nil
	}
	return int64(v.GetNumberValue()), true, nil
}

// MinInterval implements Ledger.
func (c *GRPCConn) MinInterval(ctx context.Context, slot int) (int64, error) {
	out, err := c.call(ctx, methodMinInterval, map[string]interface{}{"slot": slot})
	if err != nil {
		return 0, err
	}
	v, ok := out.GetFields()["blocks"]
	if !ok {
		return 0, fmt.Errorf("ledger: MinInterval: response has no blocks field")
	}
	return int64(v.GetNumberValue()), nil
}

// SubmitWeights implements Ledger. A rejected submission returns
// (false, nil).
func (c *GRPCConn) SubmitWeights(ctx context.Context, s Submission) (bool, error) {
	if len(s.SlotIDs) != len(s.Weights) {
		return false, fmt.Errorf("ledger: SubmitWeights: %d slots but %d weights", len(s.SlotIDs), len(s.Weights))
	}
	slots := make([]interface{}, len(s.SlotIDs))
	for i, id := range s.SlotIDs {
		slots[i] = id
	}
	weights := make([]interface{}, len(s.Weights))
	for i, w := range s.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return false, fmt.Errorf("ledger: SubmitWeights: non-finite weight for slot %d", s.SlotIDs[i])
		}
		weights[i] = w
	}

	out, err := c.call(ctx, methodSubmitWeights, map[string]interface{}{
		"slot_ids":              slots,
		"weights":               weights,
		"validator_slot":        s.ValidatorSlot,
		"version_key":           s.VersionKey,
		"wait_for_inclusion":    s.WaitForInclusion,
		"wait_for_finalization": s.WaitForFinalization,
	})
	if err != nil {
		return false, err
	}
	return out.GetFields()["success"].GetBoolValue(), nil
}

// ListNodes implements Ledger and registry.Source.
func (c *GRPCConn) ListNodes(ctx context.Context) ([]registry.Node, error) {
	out, err := c.call(ctx, methodListNodes, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	list := out.GetFields()["nodes"].GetListValue().GetValues()
	nodes := make([]registry.Node, 0, len(list))
	for _, v := range list {
		f := v.GetStructValue().GetFields()
		id := f["node_id"].GetStringValue()
		if id == "" {
			continue
		}
		nodes = append(nodes, registry.Node{
			SlotID: int(f["slot"].GetNumberValue()),
			NodeID: id,
		})
	}
	return nodes, nil
}

var _ Conn = (*GRPCConn)(nil)
