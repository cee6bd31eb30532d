package upload

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/plan"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates the analytics tracker of one upload.
type TrackerFactory func(logger log.Logger, properties ...analytics.Properties) analytics.Tracker

type noopTracker struct{}

func newNoopTracker(log.Logger, ...analytics.Properties) analytics.Tracker {
	return noopTracker{}
}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}

func (noopTracker) Wait() {}

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

var _ multipart.Observer = uploadTracker{}

func newUploadTracker(stepID string, descriptor multipart.Descriptor, envRepo env.Repository, logger log.Logger, factory TrackerFactory) uploadTracker {
	p := analytics.Properties{
		"step_id":       stepID,
		"build_slug":    envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":      envRepo.Get("BITRISE_APP_SLUG"),
		"submission_id": descriptor.SubmissionID,
		"mime_type":     descriptor.MimeType,
	}
	return uploadTracker{
		tracker: factory(logger, p),
		logger:  logger,
	}
}

func (t uploadTracker) PartTransmitted(part plan.PartSpec, took time.Duration) {
	t.tracker.Enqueue("dataset_upload_part_transmitted", analytics.Properties{
		"part_number":     part.Number,
		"part_size_bytes": part.Length,
		"upload_time_ms":  took.Milliseconds(),
	})
}

func (t uploadTracker) PartRetried(part plan.PartSpec, attempt int, err error) {
	t.tracker.Enqueue("dataset_upload_part_retried", analytics.Properties{
		"part_number": part.Number,
		"attempt":     attempt,
		"error":       err.Error(),
	})
}

func (t uploadTracker) logUploadFinished(result *multipart.Result, took time.Duration, uploadedBytes int64) {
	t.tracker.Enqueue("dataset_upload_finished", analytics.Properties{
		"upload_time_s":     took.Truncate(time.Second).Seconds(),
		"upload_size_bytes": uploadedBytes,
		"part_count":        len(result.Parts),
		"transmitted_parts": result.Transmitted,
		"already_completed": result.AlreadyCompleted,
		"remote_status":     result.Remote.Status,
		"file_upload_id":    result.Session.ID,
	})
}

func (t uploadTracker) logUploadFailed(err error, phase multipart.Phase) {
	t.tracker.Enqueue("dataset_upload_failed", analytics.Properties{
		"phase":      phase.String(),
		"error_kind": errorKind(err),
		"retriable":  uploaderr.IsRetriable(err),
	})
}

func (t uploadTracker) wait() {
	t.tracker.Wait()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, uploaderr.ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, uploaderr.ErrNotFound):
		return "not_found"
	case errors.Is(err, uploaderr.ErrCorruptState):
		return "corrupt_state"
	case errors.Is(err, uploaderr.ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, uploaderr.ErrTransientTransport):
		return "transient_transport"
	case errors.Is(err, uploaderr.ErrDestinationExpired):
		return "destination_expired"
	case errors.Is(err, uploaderr.ErrRejected):
		return "rejected"
	case errors.Is(err, uploaderr.ErrIncompleteUpload):
		return "incomplete_upload"
	default:
		return "other"
	}
}
