package collector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeConn отвечает на Invoke заранее заданной структурой или ошибкой.
type fakeConn struct {
	method string
	req    *structpb.Struct
	resp   *structpb.Struct
	err    error
}

func (c *fakeConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	c.method = method
	c.req = args.(*structpb.Struct)
	if c.err != nil {
		return c.err
	}
	proto.Merge(reply.(*structpb.Struct), c.resp)
	return nil
}

func (c *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams are not supported")
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGRPCCollector_Measure(t *testing.T) {
	conn := &fakeConn{resp: mustStruct(t, map[string]any{
		"lcp_ms":        2100.0,
		"cls_score":     0.02,
		"https_enabled": true,
	})}
	c := NewGRPCCollector(conn, "")

	bag, err := c.Measure(context.Background(), "https://example.com", Options{Device: "mobile"})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if conn.method != MeasureMethod {
		t.Errorf("method = %s", conn.method)
	}
	if got := conn.req.GetFields()["url"].GetStringValue(); got != "https://example.com" {
		t.Errorf("request url = %q", got)
	}
	if v, _ := bag.Number("lcp_ms"); v != 2100 {
		t.Errorf("lcp_ms = %v", v)
	}
	if v, _ := bag.Bool("https_enabled"); !v {
		t.Errorf("https_enabled = false")
	}
}

func TestGRPCCollector_Errors(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		conn      *fakeConn
		transient bool
		check     func(t *testing.T, err error)
	}{
		{
			name: "bad url",
			url:  "ftp://example.com",
			conn: &fakeConn{},
			check: func(t *testing.T, err error) {
				var v *ValidationError
				if !errors.As(err, &v) {
					t.Fatalf("want ValidationError, got %v", err)
				}
			},
		},
		{
			name:      "unavailable is transient",
			url:       "https://example.com",
			conn:      &fakeConn{err: status.Error(codes.Unavailable, "down")},
			transient: true,
		},
		{
			name:      "deadline is transient",
			url:       "https://example.com",
			conn:      &fakeConn{err: status.Error(codes.DeadlineExceeded, "slow")},
			transient: true,
		},
		{
			name:      "resource exhausted is throttle",
			url:       "https://example.com",
			conn:      &fakeConn{err: status.Error(codes.ResourceExhausted, "slow down")},
			transient: true,
			check: func(t *testing.T, err error) {
				var th *ThrottleError
				if !errors.As(err, &th) || th.RetryAfter != time.Second {
					t.Fatalf("want ThrottleError(1s), got %v", err)
				}
			},
		},
		{
			name: "invalid argument is permanent",
			url:  "https://example.com",
			conn: &fakeConn{err: status.Error(codes.InvalidArgument, "no such host")},
		},
		{
			name: "string field is malformed",
			url:  "https://example.com",
			conn: &fakeConn{resp: mustStruct(t, map[string]any{"lcp_ms": "fast"})},
		},
		{
			name: "empty response is malformed",
			url:  "https://example.com",
			conn: &fakeConn{resp: &structpb.Struct{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGRPCCollector(tt.conn, "test").Measure(context.Background(), tt.url, Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, !tt.transient, tt.transient)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestRetryAfterHeader(t *testing.T) {
	md := metadata.Pairs("retry-after", "7")
	if got := retryAfter(md); got != 7*time.Second {
		t.Fatalf("retryAfter = %v", got)
	}
	if got := retryAfter(metadata.MD{}); got != defaultRetryAfter {
		t.Fatalf("default retryAfter = %v", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&TransientError{Op: "x", Cause: errors.New("reset")}, true},
		{fmt.Errorf("wrapped: %w", &ThrottleError{RetryAfter: time.Second}), true},
		{context.DeadlineExceeded, true},
		{Invalid("bad"), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFake(t *testing.T) {
	ctx := context.Background()
	boom := &TransientError{Op: "measure", Cause: errors.New("reset")}
	f := NewFake().
		Set("https://a.test", map[string]any{"lcp_ms": 1000.0}).
		FailWith("https://a.test", boom)

	if _, err := f.Measure(ctx, "https://a.test", Options{}); !errors.Is(err, boom) {
		t.Fatalf("first call err = %v", err)
	}
	bag, err := f.Measure(ctx, "https://a.test", Options{})
	if err != nil || bag["lcp_ms"] != 1000.0 {
		t.Fatalf("second call = %v, %v", bag, err)
	}
	if f.Calls("https://a.test") != 2 {
		t.Fatalf("calls = %d", f.Calls("https://a.test"))
	}
	if _, err := f.Measure(ctx, "https://unknown.test", Options{}); err == nil {
		t.Fatal("expected error for URL without fixture")
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	f := NewSynthetic()
	a, err := f.Measure(context.Background(), "https://shop.test", Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.Measure(context.Background(), "https://shop.test", Options{})
	for k, v := range a {
		if b[k] != v {
			t.Fatalf("key %s differs: %v vs %v", k, v, b[k])
		}
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("synthetic bag invalid: %v", err)
	}
}
