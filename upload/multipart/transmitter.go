package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/plan"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Transmitter sends the bytes of one part to a destination and returns the remote token.
// A Transmitter has no side effects besides the network call, so retrying it is always safe.
type Transmitter interface {
	Transmit(ctx context.Context, dest Destination, part plan.PartSpec, src io.ReaderAt) (string, error)
}

// HTTPTransmitter uploads parts with a single HTTP request each.
type HTTPTransmitter struct {
	httpClient *http.Client
	logger     log.Logger
	now        func() time.Time
}

// NewHTTPTransmitter creates a transmitter. A nil client is replaced by DefaultHTTPClient(DefaultConcurrency()).
func NewHTTPTransmitter(httpClient *http.Client, logger log.Logger) *HTTPTransmitter {
	if httpClient == nil {
		httpClient = DefaultHTTPClient(DefaultConcurrency())
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &HTTPTransmitter{
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *HTTPTransmitter) CloseIdleConnections() {
	if transport, ok := t.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Transmit reads exactly part.Length bytes at part.Offset from src and sends them to dest.
func (t *HTTPTransmitter) Transmit(ctx context.Context, dest Destination, part plan.PartSpec, src io.ReaderAt) (string, error) {
	if dest.URL == "" {
		return "", uploaderr.Rejected(0, fmt.Sprintf("missing destination for part %d", part.Number))
	}
	if dest.Expired(t.now()) {
		return "", uploaderr.Expired(0, fmt.Sprintf("destination for part %d expired at %s", part.Number, dest.ExpiresAt.Format(time.RFC3339)))
	}

	data, err := readPart(src, part)
	if err != nil {
		return "", err
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(data))
	if err != nil {
		return "", uploaderr.Rejected(0, fmt.Sprintf("create request: %s", err))
	}
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("part %d transmission cancelled: %w", part.Number, ctxErr)
		}
		return "", uploaderr.Transient(0, fmt.Errorf("do request: %w", err))
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Debugf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyResponse(resp)
	}

	etag := normalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", uploaderr.Rejected(resp.StatusCode, "no ETag in response")
	}

	return etag, nil
}

// readPart reads the part into memory so every attempt sends identical bytes.
func readPart(src io.ReaderAt, part plan.PartSpec) ([]byte, error) {
	data := make([]byte, part.Length)
	if part.Length == 0 {
		return data, nil
	}

	n, err := io.ReadFull(io.NewSectionReader(src, part.Offset, part.Length), data)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: part %d: read %d of %d bytes at offset %d, the source changed during upload",
				uploaderr.ErrStateMismatch, part.Number, n, part.Length, part.Offset)
		}
		return nil, fmt.Errorf("read part %d: %w", part.Number, err)
	}

	return data, nil
}

func classifyResponse(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	message := strings.TrimSpace(string(errorBody[:n]))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return uploaderr.Transient(resp.StatusCode, errors.New(message))
	case resp.StatusCode == http.StatusForbidden && isExpiryMessage(message):
		return uploaderr.Expired(resp.StatusCode, message)
	default:
		return uploaderr.Rejected(resp.StatusCode, message)
	}
}

// isExpiryMessage matches the bodies S3 compatible stores send for expired presigned URLs.
func isExpiryMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "expired") || strings.Contains(lower, "request has expired")
}

func normalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
