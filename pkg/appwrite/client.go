package appwrite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fathom-labs/appwarden/pkg/contracts"
	"github.com/fathom-labs/appwarden/pkg/redact"
)

// ResponseFormat is the upstream API revision this adapter speaks.
const ResponseFormat = "1.8.0"

// DefaultRetryStatuses is the upstream status set that triggers a retry for
// retryable requests.
var DefaultRetryStatuses = []int{408, 425, 429, 500, 502, 503, 504}

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
)

// Options tunes the adapter. The zero value gets sane defaults.
type Options struct {
	HTTPClient     *http.Client
	ResponseFormat string
	Timeout        time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryStatuses  []int
	RateLimit      rate.Limit
	RateBurst      int
	Logger         *slog.Logger
}

// Client executes operations against an upstream Appwrite-compatible API.
// Request construction is pure; only the execution loop touches the network.
type Client struct {
	httpClient     *http.Client
	responseFormat string
	timeout        time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	retryStatuses  map[int]bool
	limiter        *rate.Limiter
	logger         *slog.Logger

	tracer     trace.Tracer
	requests   metric.Int64Counter
	retries    metric.Int64Counter
	durationMs metric.Float64Histogram
}

// NewClient builds an adapter from options.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ResponseFormat == "" {
		opts.ResponseFormat = ResponseFormat
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if len(opts.RetryStatuses) == 0 {
		opts.RetryStatuses = DefaultRetryStatuses
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	statuses := make(map[int]bool, len(opts.RetryStatuses))
	for _, s := range opts.RetryStatuses {
		statuses[s] = true
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	meter := otel.Meter("appwarden/appwrite")
	requests, _ := meter.Int64Counter("appwrite.requests")
	retries, _ := meter.Int64Counter("appwrite.retries")
	durationMs, _ := meter.Float64Histogram("appwrite.request.duration_ms")

	return &Client{
		httpClient:     opts.HTTPClient,
		responseFormat: opts.ResponseFormat,
		timeout:        opts.Timeout,
		maxRetries:     opts.MaxRetries,
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		retryStatuses:  statuses,
		limiter:        limiter,
		logger:         opts.Logger,
		tracer:         otel.Tracer("appwarden/appwrite"),
		requests:       requests,
		retries:        retries,
		durationMs:     durationMs,
	}
}

// ExecuteOperation performs one operation against the target project. A
// *StandardError return means the operation failed in a client-reportable
// way; param validation failures never reach the network.
func (c *Client) ExecuteOperation(ctx context.Context, targetProjectID string, op contracts.Operation, auth contracts.AuthContext, correlationID string) (any, *contracts.StandardError) {
	spec, errStd := buildRequest(op.Action, op.Params)
	if errStd != nil {
		errStd.Target = targetProjectID
		errStd.OperationID = op.OperationID
		return nil, errStd
	}

	ctx, span := c.tracer.Start(ctx, "appwrite.execute",
		trace.WithAttributes(
			attribute.String("appwrite.action", op.Action),
			attribute.String("appwrite.project", targetProjectID),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("action", op.Action))
	c.requests.Add(ctx, 1, attrs)
	start := time.Now()
	defer func() {
		c.durationMs.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}()

	retryable := spec.Method == http.MethodGet || op.IdempotencyKey != ""

	var lastErr *contracts.StandardError
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, c.operationError(targetProjectID, op, fmt.Sprintf("rate limit wait: %v", err), false)
			}
		}

		data, stdErr, trigger := c.attempt(ctx, targetProjectID, spec, auth, correlationID)
		if stdErr == nil {
			return data, nil
		}
		lastErr = stdErr
		lastErr.Retryable = trigger

		if !retryable || !trigger || attempt == c.maxRetries+1 {
			break
		}
		c.retries.Add(ctx, 1, attrs)
		c.logger.Debug("retrying upstream call",
			"action", op.Action, "attempt", attempt, "correlation_id", correlationID)
		if err := c.sleep(ctx, attempt); err != nil {
			break
		}
	}

	lastErr.Target = targetProjectID
	lastErr.OperationID = op.OperationID
	return nil, lastErr
}

// attempt runs one HTTP exchange. The third return reports whether the
// failure was a retryable trigger (retry-set status, timeout, transport).
func (c *Client) attempt(ctx context.Context, projectID string, spec *requestSpec, auth contracts.AuthContext, correlationID string) (any, *contracts.StandardError, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newHTTPRequest(attemptCtx, projectID, spec, auth)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeInternalError, fmt.Sprintf("request build failed: %v", err)), false
	}
	req.Header.Set("X-Appwrite-Correlation-Id", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and transport failures are both retryable triggers.
		return nil, contracts.NewError(contracts.CodeInternalError, fmt.Sprintf("upstream request failed: %v", redact.String(err.Error()))), true
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeInternalError, fmt.Sprintf("upstream body read failed: %v", err)), true
	}

	parsed := parseBody(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return parsed, nil, false
	}

	message := upstreamMessage(parsed)
	stdErr := contracts.NewError(contracts.CodeInternalError, fmt.Sprintf("Appwrite %d: %s", resp.StatusCode, message))
	return nil, stdErr, c.retryStatuses[resp.StatusCode]
}

func (c *Client) newHTTPRequest(ctx context.Context, projectID string, spec *requestSpec, auth contracts.AuthContext) (*http.Request, error) {
	endpoint := strings.TrimSuffix(auth.Endpoint, "/")
	u := endpoint + spec.Path
	if len(spec.Query) > 0 {
		u += "?" + spec.Query.Encode()
	}

	var (
		reader      io.Reader
		contentType string
	)
	switch {
	case spec.Multipart:
		buf := new(bytes.Buffer)
		w := multipart.NewWriter(buf)
		for k, v := range spec.MultipartFields {
			if err := w.WriteField(k, v); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		reader = buf
		contentType = w.FormDataContentType()
	case spec.Body != nil:
		encoded, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("body marshal: %w", err)
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	default:
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Appwrite-Key", auth.APIKey)
	req.Header.Set("X-Appwrite-Response-Format", c.responseFormat)
	req.Header.Set("Content-Type", contentType)
	if !spec.OmitProjectHdr {
		req.Header.Set("X-Appwrite-Project", projectID)
	}
	return req, nil
}

// sleep waits the backoff delay for the attempt just failed, aborting early
// on context cancellation.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	var jitter time.Duration
	if quarter := int64(c.baseDelay) / 4; quarter > 0 {
		jitter = time.Duration(rand.Int63n(quarter))
	}
	t := time.NewTimer(delay + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) operationError(projectID string, op contracts.Operation, message string, retryable bool) *contracts.StandardError {
	e := contracts.NewError(contracts.CodeInternalError, message)
	e.Target = projectID
	e.OperationID = op.OperationID
	e.Retryable = retryable
	return e
}

// parseBody decodes the body as JSON when possible; otherwise the raw text
// is wrapped so callers always receive structured data.
func parseBody(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return map[string]any{"raw": string(body)}
}

func upstreamMessage(parsed any) string {
	if obj, ok := parsed.(map[string]any); ok {
		if m, ok := obj["message"].(string); ok && m != "" {
			return m
		}
		if raw, ok := obj["raw"].(string); ok && raw != "" {
			return raw
		}
	}
	return "request failed"
}
