// Package completion performs outbound LLM completion requests and turns
// streamed or single-document responses into a final text.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/internal/stream"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a completion request when none is configured.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps a non-streamed response body.
const maxBodyBytes = 16 << 20

var tracer = otel.Tracer("chatrelay/completion")

// Request is one outbound completion call. Body is the encoded JSON payload.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Options tells the executor where the content lives in provider payloads.
// Paths use gjson syntax.
type Options struct {
	// ContentPath locates the text fragment in a streamed chunk.
	ContentPath string
	// FullContentPath locates the text in a single JSON response.
	FullContentPath string
	// ErrorPath locates the provider's error message.
	ErrorPath string
	// Parser decodes SSE records; stream.DefaultParser when nil.
	Parser stream.Parser[json.RawMessage]
}

// OpenAIOptions matches the OpenAI chat completions payloads.
func OpenAIOptions() Options {
	return Options{
		ContentPath:     "choices.0.delta.content",
		FullContentPath: "choices.0.message.content",
		ErrorPath:       "error.message",
	}
}

// PathExtractor returns the string at path, or "" when absent.
func PathExtractor(path string) func(json.RawMessage) string {
	return func(raw json.RawMessage) string {
		if path == "" {
			return ""
		}
		return gjson.GetBytes(raw, path).String()
	}
}

// Executor issues completion requests.
type Executor struct {
	client   *http.Client
	timeout  time.Duration
	throttle stream.Throttle
	metrics  *metrics.Collector
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the HTTP client. Its own Timeout should be zero; the
// executor's deadline governs the request.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithTimeout bounds every request; non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithThrottle sets the progress update policy for streamed responses.
func WithThrottle(t stream.Throttle) Option {
	return func(e *Executor) { e.throttle = t }
}

// WithMetrics records request metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		throttle: stream.DefaultThrottle(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the configured request deadline.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Execute posts req and returns the completion text. Streaming is requested
// by passing a non-nil onProgress; the response is then aggregated when the
// provider answers with an event stream, and parsed as one JSON document
// otherwise.
//
// A deadline that fires mid-stream yields the partial text ending in an
// "\nError: " note together with a *TimeoutError.
func (e *Executor) Execute(ctx context.Context, req Request, opts Options, onProgress stream.ProgressFunc) (text string, err error) {
	start := time.Now()
	mode := "single"
	if onProgress != nil {
		mode = "stream"
	}

	ctx, span := tracer.Start(ctx, "completion.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", hostOf(req.URL)),
			attribute.String("completion.mode", mode),
		),
	)
	defer func() {
		outcome := Outcome(err)
		span.SetAttributes(attribute.String("completion.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		e.metrics.ObserveCompletion(mode, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithTimeoutCause(ctx, e.timeout, ErrTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", e.classify(ctx, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if onProgress != nil && isSuccess(resp.StatusCode) && IsEventStream(resp.Header) {
		return e.aggregate(ctx, resp, cancel, opts, onProgress)
	}

	defer resp.Body.Close()
	return e.decodeJSON(ctx, resp, opts)
}

func (e *Executor) aggregate(ctx context.Context, resp *http.Response, cancel context.CancelFunc, opts Options, onProgress stream.ProgressFunc) (string, error) {
	parser := opts.Parser
	if parser == nil {
		parser = stream.DefaultParser
	}
	s, err := stream.NewStream(ctx, resp, cancel, parser)
	if err != nil {
		return "", &ProtocolError{Reason: "streaming response", Err: err}
	}
	defer s.Close()

	progress := func(ctx context.Context, text string) error {
		e.metrics.StreamUpdate()
		return onProgress(ctx, text)
	}
	text := stream.Aggregate(ctx, s, PathExtractor(opts.ContentPath), progress, e.throttle)

	if errors.Is(context.Cause(ctx), ErrTimeout) && (text == "" || !s.Done()) {
		err := &TimeoutError{Timeout: e.timeout}
		if text == "" {
			return "", err
		}
		return text + "\nError: " + err.Error(), err
	}
	// A caller abort ends silently with whatever arrived.
	if !s.Done() && ctx.Err() != nil {
		log.Warn().Err(context.Cause(ctx)).Int("chars", len(text)).Msg("Completion stream aborted, returning partial text")
	}
	return text, nil
}

func (e *Executor) decodeJSON(ctx context.Context, resp *http.Response, opts Options) (string, error) {
	if !IsJSON(resp.Header) {
		if !isSuccess(resp.StatusCode) {
			return "", &UpstreamError{StatusCode: resp.StatusCode, Message: statusText(resp)}
		}
		return "", &ProtocolError{Reason: fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", e.classify(ctx, err)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return "", &ProtocolError{Reason: "decode response", Err: ErrEmptyResponse}
	}
	if !gjson.ValidBytes(body) {
		return "", &ProtocolError{Reason: "decode response", Err: errors.New("invalid JSON body")}
	}

	if opts.ErrorPath != "" {
		if msg := gjson.GetBytes(body, opts.ErrorPath).String(); msg != "" {
			return "", &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
		}
	}
	if !isSuccess(resp.StatusCode) {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: statusText(resp)}
	}
	return gjson.GetBytes(body, opts.FullContentPath).String(), nil
}

func (e *Executor) classify(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return &TimeoutError{Timeout: e.timeout}
	}
	return &TransportError{Err: err}
}

// IsEventStream reports a streamed response content type.
func IsEventStream(h http.Header) bool {
	mt := mediaType(h)
	return mt == "text/event-stream" || mt == "application/stream+json"
}

// IsJSON reports a JSON response content type.
func IsJSON(h http.Header) bool {
	return mediaType(h) == "application/json"
}

func mediaType(h http.Header) string {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func isSuccess(code int) bool { return code >= 200 && code < 300 }

func statusText(resp *http.Response) string {
	if t := http.StatusText(resp.StatusCode); t != "" {
		return t
	}
	return resp.Status
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
