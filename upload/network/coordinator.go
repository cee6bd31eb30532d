// Package network implements the remote side of the multipart upload protocol: the dataset API
// coordinator and a coordinator talking to S3 directly.
package network

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// APIParams ...
type APIParams struct {
	BaseURL string
	Token   string
	// HTTPClient overrides the retrying client built with retryhttp.NewClient.
	HTTPClient *retryablehttp.Client
}

// APICoordinator coordinates uploads through the dataset API: it opens the upload,
// hands out presigned part URLs and completes the upload.
type APICoordinator struct {
	client apiClient
	logger log.Logger
}

var _ multipart.Coordinator = (*APICoordinator)(nil)

// NewAPICoordinator creates an APICoordinator.
func NewAPICoordinator(params APIParams, logger log.Logger) (*APICoordinator, error) {
	if params.BaseURL == "" {
		return nil, uploaderr.Invalid("API base URL must not be empty")
	}
	if params.Token == "" {
		return nil, uploaderr.Invalid("API token must not be empty")
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
	}
	// Hand the last response back so the status code can be classified.
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &APICoordinator{
		client: newAPIClient(httpClient, params.BaseURL, params.Token, logger),
		logger: logger,
	}, nil
}

// Initiate opens a multipart upload for the descriptor.
func (c *APICoordinator) Initiate(ctx context.Context, req multipart.InitiateRequest) (multipart.Initiation, error) {
	c.logger.Debugf("Initiate upload of %s (%d bytes) for submission %s", req.Descriptor.Filename, req.TotalSize, req.Descriptor.SubmissionID)

	resp, err := c.client.initiate(ctx, initiateRequest{
		SubmissionID: req.Descriptor.SubmissionID,
		Filename:     req.Descriptor.Filename,
		FileSize:     req.TotalSize,
		MimeType:     req.Descriptor.MimeType,
	}, uuid.NewString())
	if err != nil {
		return multipart.Initiation{}, fmt.Errorf("initiate upload: %w", err)
	}
	if resp.FileUploadID == "" || resp.UploadID == "" {
		return multipart.Initiation{}, uploaderr.Rejected(0, "upload initiation did not return expected fields")
	}
	if resp.PartSize < 0 {
		return multipart.Initiation{}, uploaderr.Rejected(0, fmt.Sprintf("upload initiation returned invalid part size %d", resp.PartSize))
	}
	c.logger.Debugf("File upload ID: %s", resp.FileUploadID)

	initiation := multipart.Initiation{
		Session: multipart.SessionRef{
			ID:        resp.FileUploadID,
			UploadID:  resp.UploadID,
			ObjectKey: resp.Key,
		},
		PartSize: resp.PartSize,
	}
	if resp.PresignedURL != "" && (resp.PartNumber == 0 || resp.PartNumber == 1) {
		initiation.First = &multipart.Destination{
			Method:    http.MethodPut,
			URL:       resp.PresignedURL,
			ExpiresAt: c.parseExpiry(resp.ExpiresAt),
		}
	}

	return initiation, nil
}

// PartDestination requests a presigned URL for the part.
func (c *APICoordinator) PartDestination(ctx context.Context, session multipart.SessionRef, partNumber int) (multipart.Destination, error) {
	if partNumber < 1 {
		return multipart.Destination{}, uploaderr.Invalid("part number must be positive, got %d", partNumber)
	}

	resp, err := c.client.presignedURL(ctx, session.ID, partNumber-1)
	if err != nil {
		return multipart.Destination{}, fmt.Errorf("get presigned URL for part %d: %w", partNumber, err)
	}
	if resp.PresignedURL == "" {
		return multipart.Destination{}, uploaderr.Rejected(0, fmt.Sprintf("missing presigned URL for part %d", partNumber))
	}
	if resp.PartNumber != 0 && resp.PartNumber != partNumber {
		return multipart.Destination{}, uploaderr.Rejected(0, fmt.Sprintf("requested URL for part %d, got part %d", partNumber, resp.PartNumber))
	}

	return multipart.Destination{
		Method:    http.MethodPut,
		URL:       resp.PresignedURL,
		ExpiresAt: c.parseExpiry(resp.ExpiresAt),
	}, nil
}

// Complete finishes the upload and stores the checksum on the server.
func (c *APICoordinator) Complete(ctx context.Context, session multipart.SessionRef, parts []multipart.CompletedPart, checksum string) (multipart.FinalResult, error) {
	if len(parts) == 0 {
		return multipart.FinalResult{}, uploaderr.Invalid("parts must contain at least one uploaded part")
	}
	if session.UploadID == "" {
		return multipart.FinalResult{}, uploaderr.Invalid("upload ID must not be empty")
	}

	body := completeRequest{
		FileUploadID: session.ID,
		UploadID:     session.UploadID,
		Parts:        make([]completedPart, 0, len(parts)),
		Checksum:     checksum,
	}
	for _, part := range parts {
		body.Parts = append(body.Parts, completedPart{PartNumber: part.Number, ETag: part.Token})
	}

	resp, err := c.client.complete(ctx, body)
	if err != nil {
		return multipart.FinalResult{}, fmt.Errorf("complete upload: %w", err)
	}

	id := resp.FileUploadID
	if id == "" {
		id = session.ID
	}
	return multipart.FinalResult{
		ID:       id,
		Location: resp.Location,
		Status:   resp.Status,
		Message:  resp.Message,
		Severity: resp.Severity,
	}, nil
}

func (c *APICoordinator) parseExpiry(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		c.logger.Debugf("Ignoring unparsable expiry %q: %s", value, err)
		return time.Time{}
	}
	return t
}
