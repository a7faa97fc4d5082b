package quality

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vietddude/harvester/internal/core/fault"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantScore float64
		wantErr   bool
	}{
		{"plain", `{"score":0.75,"labels":["cat"]}`, 0.75, false},
		{"clamped high", `{"score":3}`, 1, false},
		{"clamped low", `{"score":-1}`, 0, false},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResult(tt.content)
			if tt.wantErr {
				if fault.KindOf(err) != fault.KindMalformed {
					t.Fatalf("expected malformed fault, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", r.Score, tt.wantScore)
			}
		})
	}
}

func TestResult_HasLabel(t *testing.T) {
	r := Result{Labels: []string{"Cat", "Watermark"}}
	if l, ok := r.HasLabel("nsfw", "watermark"); !ok || l != "Watermark" {
		t.Errorf("HasLabel = %q, %v", l, ok)
	}
	if _, ok := r.HasLabel("dog"); ok {
		t.Error("unexpected label match")
	}
}

func TestNew_Static(t *testing.T) {
	p, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, _ := p.Score(context.Background(), nil, "")
	if p.Name() != "static" || r.Score != 1 {
		t.Errorf("default provider = %s score %v", p.Name(), r.Score)
	}
	if _, err := New(context.Background(), Config{Provider: "magic"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestOpenAI_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "vision-test" {
			t.Errorf("model = %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"score":0.9,"labels":["dog"]}`,
				},
			}},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "vision-test"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	r, err := p.Score(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if r.Score != 0.9 || len(r.Labels) != 1 || r.Labels[0] != "dog" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestOpenAI_RateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	p, _ := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	_, err := p.Score(context.Background(), []byte{1}, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if v := fault.Classify(err); v.Kind != fault.KindRateLimit {
		t.Errorf("kind = %s, want rate_limit (err %v)", v.Kind, err)
	}
}

func TestGRPC_Score(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		in := &wrapperspb.BytesValue{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, _ := structpb.NewStruct(map[string]any{
			"score":  float64(len(in.GetValue())) / 10,
			"labels": []any{"cat", ""},
		})
		return stream.SendMsg(out)
	}))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	p := NewGRPCWithConn(conn, "")
	defer p.Close()

	r, err := p.Score(context.Background(), []byte{1, 2, 3, 4, 5}, "image/png")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if r.Score != 0.5 {
		t.Errorf("score = %v, want 0.5", r.Score)
	}
	if len(r.Labels) != 1 || r.Labels[0] != "cat" {
		t.Errorf("labels = %v", r.Labels)
	}
}
