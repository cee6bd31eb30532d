package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	numS3Retries         = 3
	defaultPresignExpiry = 15 * time.Minute
	// minS3PartSize is the smallest part S3 accepts for every part but the last.
	minS3PartSize = 5 * units.MiB
	maxS3Parts    = 10000
	// Used only to look up the bucket region.
	discoveryRegion = "us-east-1"
)

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Prefix is prepended to the descriptor filename to form the object key.
	Prefix string
	// PresignExpiry is the lifetime of part URLs. Default: 15 minutes
	PresignExpiry time.Duration
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

type partPresigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Coordinator runs the multipart protocol against an S3 bucket directly,
// handing out presigned UploadPart URLs as part destinations.
type S3Coordinator struct {
	client        s3API
	presigner     partPresigner
	bucket        string
	prefix        string
	presignExpiry time.Duration
	retryWait     time.Duration
	logger        log.Logger
	now           func() time.Time
}

var _ multipart.Coordinator = (*S3Coordinator)(nil)

// NewS3Coordinator loads AWS credentials and creates an S3Coordinator.
// An empty region is resolved from the bucket.
func NewS3Coordinator(ctx context.Context, params S3Params, logger log.Logger) (*S3Coordinator, error) {
	if params.Bucket == "" {
		return nil, uploaderr.Invalid("bucket must not be empty")
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	region := params.Region
	if region == "" {
		discovered, err := discoverBucketRegion(ctx, params, logger)
		if err != nil {
			return nil, err
		}
		region = discovered
	}

	cfg, err := loadAWSCredentials(ctx, region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	return newS3Coordinator(client, s3.NewPresignClient(client), params, logger), nil
}

func newS3Coordinator(client s3API, presigner partPresigner, params S3Params, logger log.Logger) *S3Coordinator {
	expiry := params.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}

	return &S3Coordinator{
		client:        client,
		presigner:     presigner,
		bucket:        params.Bucket,
		prefix:        strings.Trim(params.Prefix, "/"),
		presignExpiry: expiry,
		retryWait:     5 * time.Second,
		logger:        logger,
		now:           time.Now,
	}
}

func discoverBucketRegion(ctx context.Context, params S3Params, logger log.Logger) (string, error) {
	cfg, err := loadAWSCredentials(ctx, discoveryRegion, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return "", fmt.Errorf("load aws credentials: %w", err)
	}

	region, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(*cfg), params.Bucket)
	if err != nil {
		var notFound manager.BucketNotFound
		if errors.As(err, &notFound) {
			return "", uploaderr.Invalid("bucket %s not found", params.Bucket)
		}
		return "", fmt.Errorf("get bucket region: %w", err)
	}
	logger.Debugf("Bucket %s is in region %s", params.Bucket, region)

	return region, nil
}

// Initiate creates the multipart upload. A part size S3 would not accept is raised, see s3PartSize.
func (c *S3Coordinator) Initiate(ctx context.Context, req multipart.InitiateRequest) (multipart.Initiation, error) {
	if req.Descriptor.Filename == "" {
		return multipart.Initiation{}, uploaderr.Invalid("filename must not be empty")
	}
	key := c.objectKey(req.Descriptor.Filename)

	var uploadID string
	err := c.withRetry(ctx, "create multipart upload", func() error {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}
		if req.Descriptor.MimeType != "" {
			input.ContentType = aws.String(req.Descriptor.MimeType)
		}
		out, err := c.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			return err
		}
		if out.UploadId == nil || *out.UploadId == "" {
			return uploaderr.Rejected(0, "no upload id in CreateMultipartUpload response")
		}
		uploadID = *out.UploadId
		return nil
	})
	if err != nil {
		return multipart.Initiation{}, fmt.Errorf("create multipart upload s3://%s/%s: %w", c.bucket, key, err)
	}
	c.logger.Debugf("Created multipart upload %s for s3://%s/%s", uploadID, c.bucket, key)

	initiation := multipart.Initiation{
		Session: multipart.SessionRef{ID: uploadID, UploadID: uploadID, ObjectKey: key},
	}
	if partSize := s3PartSize(req.TotalSize, req.PartSize); partSize != req.PartSize {
		c.logger.Debugf("Raising part size to %s for S3", units.HumanSizeWithPrecision(float64(partSize), 3))
		initiation.PartSize = partSize
	}
	return initiation, nil
}

// s3PartSize returns the smallest part size not below partSize that S3 accepts for totalSize:
// at least 5 MiB unless the source fits into one part, and at most 10000 parts.
func s3PartSize(totalSize, partSize int64) int64 {
	if partSize < minS3PartSize && totalSize > partSize {
		partSize = minS3PartSize
	}
	if floor := (totalSize + maxS3Parts - 1) / maxS3Parts; partSize < floor {
		partSize = floor
	}
	return partSize
}

// PartDestination presigns an UploadPart request for the part.
func (c *S3Coordinator) PartDestination(ctx context.Context, session multipart.SessionRef, partNumber int) (multipart.Destination, error) {
	if partNumber < 1 || partNumber > maxS3Parts {
		return multipart.Destination{}, uploaderr.Invalid("part number must be between 1 and %d, got %d", maxS3Parts, partNumber)
	}

	expiresAt := c.now().Add(c.presignExpiry)
	presigned, err := c.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(session.ObjectKey),
		UploadId:   aws.String(session.UploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(c.presignExpiry))
	if err != nil {
		return multipart.Destination{}, fmt.Errorf("presign part %d: %w", partNumber, classifyS3Error(err))
	}

	headers := map[string]string{}
	for name, values := range presigned.SignedHeader {
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	method := presigned.Method
	if method == "" {
		method = http.MethodPut
	}
	return multipart.Destination{
		Method:    method,
		URL:       presigned.URL,
		Headers:   headers,
		ExpiresAt: expiresAt,
	}, nil
}

// Complete assembles the parts. The whole-file checksum is only logged: S3 verifies
// composite checksums per part, which presigned parts don't carry.
func (c *S3Coordinator) Complete(ctx context.Context, session multipart.SessionRef, parts []multipart.CompletedPart, checksum string) (multipart.FinalResult, error) {
	if len(parts) == 0 {
		return multipart.FinalResult{}, uploaderr.Invalid("parts must contain at least one uploaded part")
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(fmt.Sprintf("%q", part.Token)),
			PartNumber: aws.Int32(int32(part.Number)),
		})
	}

	var out *s3.CompleteMultipartUploadOutput
	err := c.withRetry(ctx, "complete multipart upload", func() error {
		resp, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(session.ObjectKey),
			UploadId:        aws.String(session.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return multipart.FinalResult{}, fmt.Errorf("complete multipart upload %s: %w", session.UploadID, err)
	}
	c.logger.Debugf("Completed s3://%s/%s (sha256 %s)", c.bucket, session.ObjectKey, checksum)

	result := multipart.FinalResult{
		ID:       session.ObjectKey,
		Location: fmt.Sprintf("s3://%s/%s", c.bucket, session.ObjectKey),
		Status:   "completed",
	}
	if out != nil && out.Location != nil {
		result.Location = *out.Location
	}
	return result, nil
}

func (c *S3Coordinator) objectKey(filename string) string {
	if c.prefix == "" {
		return filename
	}
	return path.Join(c.prefix, filename)
}

// withRetry retries transient failures of an S3 control plane call.
func (c *S3Coordinator) withRetry(ctx context.Context, operation string, fn func() error) error {
	return retry.Times(numS3Retries).Wait(c.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			c.logger.Debugf("Retrying %s (attempt %d/%d)", operation, attempt+1, numS3Retries+1)
		}

		err := fn()
		if err == nil {
			return nil, true
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr, true
		}

		classified := classifyS3Error(err)
		if uploaderr.IsRetriable(classified) {
			c.logger.Warnf("%s failed: %s", operation, err)
			return classified, false
		}
		return classified, true
	})
}

func classifyS3Error(err error) error {
	if errors.Is(err, uploaderr.ErrRejected) || errors.Is(err, uploaderr.ErrTransientTransport) {
		return err
	}

	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return uploaderr.Rejected(http.StatusNotFound, fmt.Sprintf("upload no longer exists: %s", err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return uploaderr.Transient(0, err)
		}
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return uploaderr.Transient(0, err)
		}
		return uploaderr.Rejected(0, fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()))
	}

	return uploaderr.Transient(0, err)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, uploaderr.Invalid("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
