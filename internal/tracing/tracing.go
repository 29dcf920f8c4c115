// Package tracing sets up the global Jaeger tracer
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/config"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init installs the global tracer. When tracing is disabled the opentracing
// no-op tracer stays in place and spans cost nothing.
func Init(cfg config.TracingConfig) (io.Closer, error) {
	if !cfg.Enabled {
		opentracing.SetGlobalTracer(opentracing.NoopTracer{})
		return nopCloser{}, nil
	}

	tc := &jaegercfg.Configuration{
		ServiceName: cfg.ServiceName,
		Sampler:     samplerFor(cfg.SampleRatio),
		Reporter: &jaegercfg.ReporterConfig{
			CollectorEndpoint:   cfg.Endpoint,
			BufferFlushInterval: time.Second,
		},
	}

	tracer, closer, err := tc.NewTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

func samplerFor(ratio float64) *jaegercfg.SamplerConfig {
	if ratio <= 0 || ratio >= 1 {
		return &jaegercfg.SamplerConfig{Type: jaeger.SamplerTypeConst, Param: 1}
	}
	return &jaegercfg.SamplerConfig{Type: jaeger.SamplerTypeProbabilistic, Param: ratio}
}

// InjectHTTP propagates the span in ctx to an outbound request
func InjectHTTP(ctx context.Context, req *http.Request) {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return
	}
	// a failed inject only loses the trace link
	_ = opentracing.GlobalTracer().Inject(span.Context(), opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(req.Header))
}

// StartSpan starts a new span with the given operation name
func StartSpan(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContext(ctx, operationName)
}

// FinishSpan finishes a span
func FinishSpan(span opentracing.Span) {
	if span != nil {
		span.Finish()
	}
}

// LogError logs an error to the span
func LogError(span opentracing.Span, err error) {
	if span != nil && err != nil {
		span.SetTag("error", true)
		span.LogKV("error", err.Error())
	}
}

// SetTag sets a tag on the span
func SetTag(span opentracing.Span, key string, value interface{}) {
	if span != nil {
		span.SetTag(key, value)
	}
}
