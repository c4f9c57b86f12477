package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/toonify/toonify-agent/internal/logging"
	"github.com/toonify/toonify-agent/internal/telemetry"
)

const (
	uploadPath   = "api/upload"
	transferPath = "api/transfer"

	// multipart field name the service reads the image from
	uploadField = "file"

	defaultFilename = "blob"
	maxErrorBody    = 4096

	DefaultUploadTimeout = 60 * time.Second
)

// ErrUploadFailed matches every *UploadError.
var ErrUploadFailed = errors.New("upload failed")

// UploadError reports a failed upload: either a transport error (Err set)
// or a non-success response from the service.
type UploadError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	return fmt.Sprintf("upload failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}

// IsRetryable returns true for server errors (5xx) and transport errors.
// Client errors (4xx) are considered permanent.
func (e *UploadError) IsRetryable() bool {
	return e.Err != nil || e.StatusCode >= 500
}

// HTTPClient is the real service client.
type HTTPClient struct {
	baseURL *url.URL
	// httpClient bounds the upload exchange; streamClient has no overall
	// timeout because a push stream stays open for the whole run.
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewHTTPClient creates a client for the service rooted at baseURL.
// A zero uploadTimeout selects DefaultUploadTimeout.
func NewHTTPClient(baseURL string, uploadTimeout time.Duration, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid service url %q: scheme must be http or https", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		baseURL:      u,
		httpClient:   &http.Client{Timeout: uploadTimeout},
		streamClient: &http.Client{},
		logger:       logging.WithComponent(logger, "cloud"),
	}, nil
}

// BaseURL returns the normalized service root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL.String()
}

// ArtifactURL resolves an artifact locator against the service origin.
// Absolute locators are returned unchanged.
func (c *HTTPClient) ArtifactURL(locator string) string {
	ref, err := url.Parse(locator)
	if err != nil {
		return locator
	}
	return c.baseURL.ResolveReference(ref).String()
}

func (c *HTTPClient) endpoint(path string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

type uploadResponse struct {
	ID json.RawMessage `json:"id"`
}

// Upload posts blob as a single multipart file and returns the job handle.
// It never retries; every failure is an *UploadError.
func (c *HTTPClient) Upload(ctx context.Context, filename string, blob io.Reader) (JobHandle, error) {
	ctx, span := telemetry.StartSpan(ctx, "cloud.upload")
	defer span.End()

	if filename == "" {
		filename = defaultFilename
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(uploadField, filename)
	if err != nil {
		return "", c.uploadFailed(span, &UploadError{Err: fmt.Errorf("create form file: %w", err)})
	}
	if _, err := io.Copy(part, blob); err != nil {
		return "", c.uploadFailed(span, &UploadError{Err: fmt.Errorf("read image: %w", err)})
	}
	if err := mw.Close(); err != nil {
		return "", c.uploadFailed(span, &UploadError{Err: fmt.Errorf("close form: %w", err)})
	}

	endpoint := c.endpoint(uploadPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", c.uploadFailed(span, &UploadError{Err: fmt.Errorf("create request: %w", err)})
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.decorate(ctx, req)

	span.SetAttributes(attribute.Int("upload.bytes", body.Len()))
	c.logger.Info("uploading image",
		"url", endpoint,
		"filename", filename,
		"body_bytes", body.Len(),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.uploadFailed(span, &UploadError{Err: fmt.Errorf("http request failed: %w", err)})
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.uploadFailed(span, &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	var result uploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", c.uploadFailed(span, &UploadError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("unmarshal upload response: %w", err),
		})
	}

	job, err := parseJobID(result.ID)
	if err != nil {
		return "", c.uploadFailed(span, &UploadError{StatusCode: resp.StatusCode, Body: string(respBody), Err: err})
	}

	span.SetAttributes(attribute.String("job.id", job.String()))
	c.logger.Info("upload succeeded", "job_id", job.String())
	return job, nil
}

// parseJobID accepts a JSON string or number.
func parseJobID(raw json.RawMessage) (JobHandle, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("upload response has no id")
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode job id: %w", err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("job id must be a string or number: %w", err)
		}
		s = n.String()
	}

	if s == "" {
		return "", errors.New("upload response has an empty id")
	}
	return JobHandle(s), nil
}

func (c *HTTPClient) uploadFailed(span trace.Span, err *UploadError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Warn("upload failed", "status_code", err.StatusCode, "error", err)
	return err
}

// OpenStream opens the push stream. query carries the job id and run
// configuration. The returned Stream must be closed by the caller.
func (c *HTTPClient) OpenStream(ctx context.Context, query url.Values) (*Stream, error) {
	ctx, span := telemetry.StartSpan(ctx, "cloud.open_stream")
	defer span.End()

	u := c.baseURL.ResolveReference(&url.URL{Path: transferPath, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.decorate(ctx, req)

	c.logger.Info("opening push stream", "url", u.String())

	resp, err := c.streamClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		err := fmt.Errorf("push stream rejected: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return NewStream(resp.Body), nil
}

func (c *HTTPClient) decorate(ctx context.Context, req *http.Request) {
	req.Header.Set("X-Request-Id", uuid.NewString())
	telemetry.Inject(ctx, propagation.HeaderCarrier(req.Header))
}
