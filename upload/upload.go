// Package upload uploads a dataset archive through a resumable multipart upload in a single call.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/network"
	"github.com/bitrise-io/go-dataset-uploader/upload/state"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// UploadInput describes one dataset file upload.
type UploadInput struct {
	// StepID identifies the caller in analytics events.
	StepID  string
	Verbose bool
	// SourcePath is the archive to upload.
	SourcePath   string `validate:"required"`
	SubmissionID string `validate:"required"`
	// MimeType is detected from the file content when empty.
	MimeType string `validate:"omitempty,contains=/"`
	// Filename overrides the uploaded file name. Default: the base name of SourcePath.
	Filename string `validate:"omitempty,excludesall=/\\"`
	// StatePath overrides where the upload progress is persisted.
	// Default: <SourcePath>.mdc-upload.json
	StatePath string
	// PartSize is a human readable size, like "16MiB". Empty picks a size from the file size.
	PartSize string
	// Concurrency is the number of parts in flight. 0 uses the default.
	Concurrency int `validate:"gte=0,lte=64"`
	// Restart discards any persisted progress and starts a new upload.
	Restart bool
	// VerifyContent fingerprints the file content, not just its size and modification time.
	VerifyContent bool
}

func (i UploadInput) trimmed() UploadInput {
	i.SourcePath = strings.TrimSpace(i.SourcePath)
	i.SubmissionID = strings.TrimSpace(i.SubmissionID)
	i.MimeType = strings.TrimSpace(i.MimeType)
	i.Filename = strings.TrimSpace(i.Filename)
	i.StatePath = strings.TrimSpace(i.StatePath)
	i.PartSize = strings.TrimSpace(i.PartSize)
	return i
}

// Uploader ...
type Uploader interface {
	Upload(ctx context.Context, input UploadInput) (*multipart.Result, error)
	// Clear deletes the persisted progress of input's upload.
	Clear(input UploadInput) error
}

type uploader struct {
	envRepo        env.Repository
	logger         log.Logger
	pathModifier   pathutil.PathModifier
	pathChecker    pathutil.PathChecker
	fileManager    fileutil.FileManager
	coordinator    multipart.Coordinator
	transmitter    multipart.Transmitter
	trackerFactory TrackerFactory
}

// NewUploader creates a new dataset uploader instance. `coordinator` can be nil, unless you want to provide
// a custom `multipart.Coordinator` implementation. By default the dataset API configured by MDC_API_URL and
// MDC_API_KEY is used.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	fileManager fileutil.FileManager,
	coordinator multipart.Coordinator,
) *uploader {
	return &uploader{
		envRepo:        envRepo,
		logger:         logger,
		pathModifier:   pathModifier,
		pathChecker:    pathChecker,
		fileManager:    fileManager,
		coordinator:    coordinator,
		trackerFactory: newNoopTracker,
	}
}

// WithAnalytics sends upload events through the trackers factory creates, for example
// analytics.NewDefaultTracker. Without it no events leave the process.
func (u *uploader) WithAnalytics(factory TrackerFactory) *uploader {
	if factory != nil {
		u.trackerFactory = factory
	}
	return u
}

// Upload uploads the file, resuming a previous attempt when its progress was persisted.
func (u *uploader) Upload(ctx context.Context, input UploadInput) (*multipart.Result, error) {
	u.logger.EnableDebugLog(input.Verbose)
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	config, err := u.createConfig(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	u.logger.TDebugf("Config created")

	coordinator, err := u.coordinatorFor(config)
	if err != nil {
		return nil, err
	}

	tracker := newUploadTracker(input.StepID, config.Descriptor, u.envRepo, u.logger, u.trackerFactory)
	defer tracker.wait()

	session, err := multipart.NewSession(multipart.SessionParams{
		SourcePath:  config.SourcePath,
		Descriptor:  config.Descriptor,
		Coordinator: coordinator,
		Store:       state.NewFileStore(config.StatePath, u.fileManager),
		Transmitter: u.transmitter,
		Config:      config.Engine,
		Logger:      u.logger,
		FileManager: u.fileManager,
		Observer:    tracker,
	})
	if err != nil {
		return nil, err
	}

	u.logger.Println()
	u.logger.Infof("Uploading %s as %s...", config.SourcePath, config.Descriptor.Filename)
	u.logger.Debugf("Upload progress is stored in %s", config.StatePath)
	uploadStartTime := time.Now()
	result, err := session.Run(ctx)
	if err != nil {
		tracker.logUploadFailed(err, session.Phase())
		if !errors.Is(err, uploaderr.ErrInvalidConfiguration) {
			u.logger.Warnf("Upload progress is kept in %s, run the upload again to resume", config.StatePath)
		}
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)

	uploadedBytes := session.Stats().Bytes()
	tracker.logUploadFinished(result, uploadTime, uploadedBytes)
	if result.AlreadyCompleted {
		u.logger.Donef("Nothing to upload, %s was already uploaded", config.SourcePath)
	} else {
		u.logger.Donef("Uploaded %s in %s (%d parts)", units.HumanSizeWithPrecision(float64(uploadedBytes), 3), uploadTime, result.Transmitted)
	}
	if result.Remote.Location != "" {
		u.logger.Printf("Location: %s", result.Remote.Location)
	}

	return result, nil
}

// Clear removes the persisted progress of an upload. It is the explicit way to give up a
// resumable upload besides UploadInput.Restart.
func (u *uploader) Clear(input UploadInput) error {
	input = input.trimmed()
	if input.SourcePath == "" && input.StatePath == "" {
		return uploaderr.Invalid("source path or state path is required")
	}

	var statePath string
	if input.StatePath != "" {
		p, err := u.statePath("", input.StatePath)
		if err != nil {
			return err
		}
		statePath = p
	} else {
		absPath, err := u.pathModifier.AbsPath(input.SourcePath)
		if err != nil {
			return uploaderr.Invalid("source path %s: %s", input.SourcePath, err)
		}
		statePath = state.DefaultPath(absPath)
	}

	if err := state.NewFileStore(statePath, u.fileManager).Remove(); err != nil {
		return err
	}
	u.logger.Donef("Removed upload progress %s", statePath)
	return nil
}

func (u *uploader) coordinatorFor(config uploadConfig) (multipart.Coordinator, error) {
	if u.coordinator != nil {
		return u.coordinator, nil
	}
	u.logger.Debugf("Dataset API: %s (key %s)", config.APIBaseURL, config.APIKey)
	return network.NewAPICoordinator(network.APIParams{
		BaseURL: config.APIBaseURL,
		Token:   string(config.APIKey),
	}, u.logger)
}
