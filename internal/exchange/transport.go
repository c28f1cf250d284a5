package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"channelsync/internal/logging"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// Transport performs the outbound call of a batch.
type Transport interface {
	Do(ctx context.Context, req *Request) (*RawResponse, error)
}

// HTTPTransport sends requests with a timeout and an outbound rate limit.
// Network errors, 5xx replies and non-JSON bodies are returned as *TransportError.
type HTTPTransport struct {
	client  *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *zerolog.Logger
}

// NewHTTPTransport builds a transport. rps <= 0 disables the limiter.
func NewHTTPTransport(timeout time.Duration, rps float64, logger *zerolog.Logger) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		tracer: otel.Tracer("channelsync/exchange"),
		logger: logging.Component(logger, "transport"),
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return t
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*RawResponse, error) {
	ctx, span := t.tracer.Start(ctx, "exchange.http",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL),
			attribute.Int("exchange.items", len(req.Correlation)),
		))
	defer span.End()

	raw, err := t.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", raw.StatusCode))
	return raw, nil
}

func (t *HTTPTransport) do(ctx context.Context, req *Request) (*RawResponse, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, Integrity("build request: %v", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	t.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Int("items", len(req.Correlation)).
		Dur("duration", time.Since(start)).
		Msg("exchange call")

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: errors.New(snippet(data))}
	}
	if len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed body: %s", snippet(data))}
	}
	return &RawResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

func snippet(data []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
