package network

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	createInputs   []*s3.CreateMultipartUploadInput
	completeInputs []*s3.CompleteMultipartUploadInput
	createErrs     []error
	completeErrs   []error
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.createInputs = append(f.createInputs, params)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("s3-upload-1")}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completeInputs = append(f.completeInputs, params)
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return nil, err
	}
	return &s3.CompleteMultipartUploadOutput{Location: aws.String("https://datasets.s3.amazonaws.com/incoming/dataset.tar.gz")}, nil
}

type fakePresigner struct {
	inputs []*s3.UploadPartInput
}

func (f *fakePresigner) PresignUploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.inputs = append(f.inputs, params)
	return &v4.PresignedHTTPRequest{
		URL:    "https://datasets.s3.amazonaws.com/incoming/dataset.tar.gz?partNumber=2&X-Amz-Signature=abc",
		Method: http.MethodPut,
		SignedHeader: http.Header{
			"Host":           []string{"datasets.s3.amazonaws.com"},
			"X-Amz-Checksum": []string{"none"},
		},
	}, nil
}

func newTestS3Coordinator(api *fakeS3, presigner *fakePresigner) *S3Coordinator {
	c := newS3Coordinator(api, presigner, S3Params{Bucket: "datasets", Prefix: "/incoming/"}, log.NewLogger())
	c.retryWait = 0
	c.now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

var testInitiateRequest = multipart.InitiateRequest{
	Descriptor: multipart.Descriptor{SubmissionID: "sub-1", Filename: "dataset.tar.gz", MimeType: "application/gzip"},
	TotalSize:  64 << 20,
	PartSize:   16 << 20,
}

func TestS3Coordinator_Initiate(t *testing.T) {
	api := &fakeS3{}
	coordinator := newTestS3Coordinator(api, &fakePresigner{})

	initiation, err := coordinator.Initiate(context.Background(), testInitiateRequest)
	require.NoError(t, err)

	assert.Equal(t, multipart.SessionRef{ID: "s3-upload-1", UploadID: "s3-upload-1", ObjectKey: "incoming/dataset.tar.gz"}, initiation.Session)
	assert.Zero(t, initiation.PartSize)
	require.Len(t, api.createInputs, 1)
	assert.Equal(t, "datasets", aws.ToString(api.createInputs[0].Bucket))
	assert.Equal(t, "application/gzip", aws.ToString(api.createInputs[0].ContentType))
}

func TestS3Coordinator_Initiate_RaisesSmallPartSize(t *testing.T) {
	coordinator := newTestS3Coordinator(&fakeS3{}, &fakePresigner{})

	req := testInitiateRequest
	req.PartSize = 1 << 20
	initiation, err := coordinator.Initiate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), initiation.PartSize)

	req.TotalSize = 1000
	initiation, err = coordinator.Initiate(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, initiation.PartSize, "a single small part is allowed")
}

func TestS3Coordinator_Initiate_KeepsPartCountWithinLimit(t *testing.T) {
	coordinator := newTestS3Coordinator(&fakeS3{}, &fakePresigner{})

	req := testInitiateRequest
	req.TotalSize = 100 << 30
	req.PartSize = 5 << 20
	initiation, err := coordinator.Initiate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64((100<<30+maxS3Parts-1)/maxS3Parts), initiation.PartSize)
	partCount := (req.TotalSize + initiation.PartSize - 1) / initiation.PartSize
	assert.LessOrEqual(t, partCount, int64(maxS3Parts))
}

func Test_s3PartSize(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int64
		partSize  int64
		want      int64
	}{
		{name: "accepted as is", totalSize: 64 << 20, partSize: 16 << 20, want: 16 << 20},
		{name: "below minimum", totalSize: 64 << 20, partSize: 1 << 20, want: 5 << 20},
		{name: "single small part", totalSize: 1000, partSize: 1 << 20, want: 1 << 20},
		{name: "too many parts", totalSize: 1000001 << 20, partSize: 100 << 20, want: (1000001<<20 + maxS3Parts - 1) / maxS3Parts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s3PartSize(tt.totalSize, tt.partSize))
		})
	}
}

func TestS3Coordinator_Initiate_Retries(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{
			name:      "server fault is retried",
			errs:      []error{&smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}},
			wantCalls: 2,
		},
		{
			name:      "network error is retried",
			errs:      []error{errors.New("connection reset by peer")},
			wantCalls: 2,
		},
		{
			name:      "access denied is not retried",
			errs:      []error{&smithy.GenericAPIError{Code: "AccessDenied", Message: "denied", Fault: smithy.FaultClient}},
			wantErr:   uploaderr.ErrRejected,
			wantCalls: 1,
		},
		{
			name: "gives up after retries",
			errs: []error{
				&smithy.GenericAPIError{Code: "SlowDown"},
				&smithy.GenericAPIError{Code: "SlowDown"},
				&smithy.GenericAPIError{Code: "SlowDown"},
				&smithy.GenericAPIError{Code: "SlowDown"},
			},
			wantErr:   uploaderr.ErrTransientTransport,
			wantCalls: numS3Retries + 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeS3{createErrs: tt.errs}
			coordinator := newTestS3Coordinator(api, &fakePresigner{})

			_, err := coordinator.Initiate(context.Background(), testInitiateRequest)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, api.createInputs, tt.wantCalls)
		})
	}
}

func TestS3Coordinator_PartDestination(t *testing.T) {
	presigner := &fakePresigner{}
	coordinator := newTestS3Coordinator(&fakeS3{}, presigner)
	session := multipart.SessionRef{ID: "s3-upload-1", UploadID: "s3-upload-1", ObjectKey: "incoming/dataset.tar.gz"}

	dest, err := coordinator.PartDestination(context.Background(), session, 2)
	require.NoError(t, err)

	require.Len(t, presigner.inputs, 1)
	assert.Equal(t, int32(2), aws.ToInt32(presigner.inputs[0].PartNumber))
	assert.Equal(t, "s3-upload-1", aws.ToString(presigner.inputs[0].UploadId))
	assert.Equal(t, "incoming/dataset.tar.gz", aws.ToString(presigner.inputs[0].Key))
	assert.Equal(t, http.MethodPut, dest.Method)
	assert.Equal(t, map[string]string{"X-Amz-Checksum": "none"}, dest.Headers)
	assert.Equal(t, time.Date(2025, 1, 1, 12, 15, 0, 0, time.UTC), dest.ExpiresAt)

	_, err = coordinator.PartDestination(context.Background(), session, 0)
	require.ErrorIs(t, err, uploaderr.ErrInvalidConfiguration)
}

func TestS3Coordinator_Complete(t *testing.T) {
	api := &fakeS3{}
	coordinator := newTestS3Coordinator(api, &fakePresigner{})
	session := multipart.SessionRef{ID: "s3-upload-1", UploadID: "s3-upload-1", ObjectKey: "incoming/dataset.tar.gz"}

	result, err := coordinator.Complete(context.Background(), session,
		[]multipart.CompletedPart{{Number: 1, Token: "e1"}, {Number: 2, Token: "e2"}}, "abc")
	require.NoError(t, err)

	assert.Equal(t, "https://datasets.s3.amazonaws.com/incoming/dataset.tar.gz", result.Location)
	assert.Equal(t, "completed", result.Status)
	require.Len(t, api.completeInputs, 1)
	parts := api.completeInputs[0].MultipartUpload.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, `"e1"`, aws.ToString(parts[0].ETag))
	assert.Equal(t, int32(2), aws.ToInt32(parts[1].PartNumber))
}

func TestS3Coordinator_Complete_NoSuchUpload(t *testing.T) {
	api := &fakeS3{completeErrs: []error{&types.NoSuchUpload{Message: aws.String("The specified upload does not exist")}}}
	coordinator := newTestS3Coordinator(api, &fakePresigner{})

	_, err := coordinator.Complete(context.Background(), multipart.SessionRef{UploadID: "gone", ObjectKey: "k"},
		[]multipart.CompletedPart{{Number: 1, Token: "e1"}}, "")
	require.ErrorIs(t, err, uploaderr.ErrRejected)
	assert.Len(t, api.completeInputs, 1)
}
