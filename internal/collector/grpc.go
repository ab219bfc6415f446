package collector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// MeasureMethod — полное имя unary-метода удаленного коллектора.
// Запрос и ответ — google.protobuf.Struct, так что генерированный клиент не нужен.
const MeasureMethod = "/siteaudit.collector.v1.Collector/Measure"

const defaultRetryAfter = time.Second

// GRPCCollector вызывает удаленный коллектор по gRPC.
type GRPCCollector struct {
	conn   grpc.ClientConnInterface
	source string
}

// NewGRPCCollector создает адаптер поверх готового соединения.
func NewGRPCCollector(conn grpc.ClientConnInterface, source string) *GRPCCollector {
	if source == "" {
		source = "siteaudit-engine"
	}
	return &GRPCCollector{conn: conn, source: source}
}

// Dial открывает соединение с коллектором (без TLS: коллектор живет во внутренней сети).
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("collector: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Measure реализует Collector.
func (c *GRPCCollector) Measure(ctx context.Context, target string, opts Options) (domain.RawMetricBag, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, Invalid("bad target url %q", target)
	}

	req, err := structpb.NewStruct(map[string]any{
		"url":     target,
		"profile": string(opts.Profile),
		"device":  opts.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("collector: build request: %w", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, "x-source", c.source)
	var header metadata.MD
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MeasureMethod, req, resp, grpc.Header(&header)); err != nil {
		return nil, classifyStatus(err, header)
	}

	return bagFromStruct(resp)
}

// bagFromStruct превращает ответ в RawMetricBag: допустимы только числа и bool.
func bagFromStruct(s *structpb.Struct) (domain.RawMetricBag, error) {
	bag := make(domain.RawMetricBag, len(s.GetFields()))
	for k, v := range s.GetFields() {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			bag[k] = kind.NumberValue
		case *structpb.Value_BoolValue:
			bag[k] = kind.BoolValue
		default:
			return nil, Invalid("malformed response: field %q has unsupported kind %T", k, kind)
		}
	}
	if len(bag) == 0 {
		return nil, Invalid("malformed response: empty metric bag")
	}
	return bag, nil
}

func classifyStatus(err error, header metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return &TransientError{Op: "collector.Measure", Cause: err}
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: retryAfter(header), Cause: err}
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.OutOfRange,
		codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated:
		return Invalid("collector rejected request: %s", st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("collector.Measure: %w", context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("collector.Measure: %w", context.Canceled)
	}
	return &TransientError{Op: "collector.Measure", Cause: err}
}

func retryAfter(md metadata.MD) time.Duration {
	if v := md.Get("retry-after"); len(v) > 0 {
		if secs, err := strconv.Atoi(v[0]); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}
