package quality

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GRPCConfig configures a unary classification service. The method takes a
// google.protobuf.BytesValue and returns a google.protobuf.Struct with
// "score" and "labels" fields.
type GRPCConfig struct {
	Endpoint string `yaml:"endpoint"`
	Method   string `yaml:"method"`
}

const defaultMethod = "/harvester.quality.v1.Classifier/Score"

// GRPC calls a classification service over gRPC.
type GRPC struct {
	conn   *grpc.ClientConn
	method string
}

// NewGRPC creates a gRPC-backed provider.
func NewGRPC(ctx context.Context, cfg GRPCConfig) (*GRPC, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("grpc quality provider requires an endpoint")
	}

	// Parse endpoint to determine if TLS is needed
	target := cfg.Endpoint
	var opts []grpc.DialOption
	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}

	method := cfg.Method
	if method == "" {
		method = defaultMethod
	}
	return &GRPC{conn: conn, method: method}, nil
}

// NewGRPCWithConn wraps an existing connection.
func NewGRPCWithConn(conn *grpc.ClientConn, method string) *GRPC {
	if method == "" {
		method = defaultMethod
	}
	return &GRPC{conn: conn, method: method}
}

func (p *GRPC) Name() string { return "grpc" }

// Score implements Provider. gRPC status errors are returned as-is for the
// fault classifier.
func (p *GRPC) Score(ctx context.Context, data []byte, contentType string) (Result, error) {
	out := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, p.method, wrapperspb.Bytes(data), out); err != nil {
		return Result{}, err
	}

	fields := out.GetFields()
	r := Result{Score: fields["score"].GetNumberValue()}
	for _, v := range fields["labels"].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			r.Labels = append(r.Labels, s)
		}
	}
	return r, nil
}

// Close releases the connection.
func (p *GRPC) Close() error {
	return p.conn.Close()
}
