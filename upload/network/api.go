package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodySize = 4096

type initiateRequest struct {
	SubmissionID string `json:"submissionId"`
	Filename     string `json:"filename"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
}

type initiateResponse struct {
	FileUploadID string `json:"fileUploadId"`
	UploadID     string `json:"uploadId"`
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	PartSize     int64  `json:"partSize"`
	PartNumber   int    `json:"partNumber"`
	PresignedURL string `json:"presignedUrl"`
	ExpiresAt    string `json:"expiresAt"`
}

type presignedPartResponse struct {
	PartNumber   int    `json:"partNumber"`
	PresignedURL string `json:"presignedUrl"`
	ExpiresAt    string `json:"expiresAt"`
}

type completedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type completeRequest struct {
	FileUploadID string          `json:"fileUploadId"`
	UploadID     string          `json:"uploadId"`
	Parts        []completedPart `json:"parts"`
	Checksum     string          `json:"checksum"`
}

type completeResponse struct {
	FileUploadID string `json:"fileUploadId"`
	Status       string `json:"status"`
	Location     string `json:"location"`
	Message      string `json:"message"`
	Severity     string `json:"severity"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) initiate(ctx context.Context, requestBody initiateRequest, idempotencyKey string) (initiateResponse, error) {
	url := fmt.Sprintf("%s/upload/initiate", c.baseURL)

	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	var response initiateResponse
	if err := c.sendJSON(ctx, http.MethodPost, url, requestBody, headers, &response); err != nil {
		return initiateResponse{}, err
	}
	return response, nil
}

func (c apiClient) presignedURL(ctx context.Context, fileUploadID string, chunkIndex int) (presignedPartResponse, error) {
	query := url.Values{}
	query.Set("fileUploadId", fileUploadID)
	query.Set("chunkIndex", strconv.Itoa(chunkIndex))
	apiURL := fmt.Sprintf("%s/upload/presigned-url?%s", c.baseURL, query.Encode())

	var response presignedPartResponse
	if err := c.sendJSON(ctx, http.MethodGet, apiURL, nil, nil, &response); err != nil {
		return presignedPartResponse{}, err
	}
	return response, nil
}

func (c apiClient) complete(ctx context.Context, requestBody completeRequest) (completeResponse, error) {
	url := fmt.Sprintf("%s/upload/complete", c.baseURL)

	var response completeResponse
	if err := c.sendJSON(ctx, http.MethodPost, url, requestBody, nil, &response); err != nil {
		return completeResponse{}, err
	}
	return response, nil
}

func (c apiClient) sendJSON(ctx context.Context, method, url string, requestBody interface{}, headers map[string]string, response interface{}) error {
	var body interface{}
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return uploaderr.Invalid("encode request: %s", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return uploaderr.Invalid("create request: %s", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, req.URL.Path, ctxErr)
		}
		if resp == nil {
			return uploaderr.Transient(0, err)
		}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf("close response body: %s", err)
		}
	}(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("%s %s response dump: %s", method, req.URL.Path, string(dump))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && !errors.Is(err, io.EOF) {
		return uploaderr.Rejected(resp.StatusCode, fmt.Sprintf("decode response: %s", err))
	}
	return nil
}

// unwrapError maps a non-2xx response to the engine's error kinds.
func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return uploaderr.Transient(resp.StatusCode, fmt.Errorf("read error response: %w", err))
	}
	message := strings.TrimSpace(string(errorResp))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return uploaderr.Transient(resp.StatusCode, errors.New(message))
	default:
		return uploaderr.Rejected(resp.StatusCode, message)
	}
}
