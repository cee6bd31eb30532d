package upload

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/state"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

const (
	apiURLEnvKey  = "MDC_API_URL"
	apiKeyEnvKey  = "MDC_API_KEY"
	defaultAPIURL = "https://datacollective.mozillafoundation.org/api"
)

// Secret is a string that is redacted when printed.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// GoString redacts %#v too.
func (s Secret) GoString() string {
	return s.String()
}

type uploadConfig struct {
	SourcePath string
	StatePath  string
	Descriptor multipart.Descriptor
	Engine     multipart.Config
	APIBaseURL string
	APIKey     Secret
}

var validate = validator.New()

func (u *uploader) createConfig(input UploadInput) (uploadConfig, error) {
	input = input.trimmed()
	if err := validate.Struct(input); err != nil {
		return uploadConfig{}, uploaderr.Invalid("%s", describeValidationError(err))
	}

	sourcePath, err := u.sourcePath(input.SourcePath)
	if err != nil {
		return uploadConfig{}, err
	}

	statePath, err := u.statePath(sourcePath, input.StatePath)
	if err != nil {
		return uploadConfig{}, err
	}

	filename := input.Filename
	if filename == "" {
		filename = filepath.Base(sourcePath)
	}

	mimeType := input.MimeType
	if mimeType == "" {
		detected, err := mimetype.DetectFile(sourcePath)
		if err != nil {
			return uploadConfig{}, uploaderr.Invalid("detect MIME type of %s: %s", sourcePath, err)
		}
		mimeType, _, _ = strings.Cut(detected.String(), ";")
		u.logger.Debugf("Detected MIME type: %s", mimeType)
	}

	engine := multipart.DefaultConfig()
	engine.DisableResume = input.Restart
	engine.VerifyContent = input.VerifyContent
	if input.Concurrency > 0 {
		engine.Concurrency = input.Concurrency
	}
	if input.PartSize != "" {
		partSize, err := units.RAMInBytes(input.PartSize)
		if err != nil {
			return uploadConfig{}, uploaderr.Invalid("part size %q: %s", input.PartSize, err)
		}
		if partSize <= 0 {
			return uploadConfig{}, uploaderr.Invalid("part size must be positive, got %q", input.PartSize)
		}
		engine.PartSize = partSize
	}

	config := uploadConfig{
		SourcePath: sourcePath,
		StatePath:  statePath,
		Descriptor: multipart.Descriptor{
			SubmissionID: input.SubmissionID,
			Filename:     filename,
			MimeType:     mimeType,
		},
		Engine: engine,
	}

	if u.coordinator == nil {
		config.APIBaseURL = strings.TrimRight(u.envRepo.Get(apiURLEnvKey), "/")
		if config.APIBaseURL == "" {
			config.APIBaseURL = defaultAPIURL
		}
		config.APIKey = Secret(u.envRepo.Get(apiKeyEnvKey))
		if config.APIKey == "" {
			return uploadConfig{}, uploaderr.Invalid("the secret '%s' is not defined", apiKeyEnvKey)
		}
	}

	return config, nil
}

func (u *uploader) sourcePath(path string) (string, error) {
	absPath, err := u.pathModifier.AbsPath(path)
	if err != nil {
		return "", uploaderr.Invalid("source path %s: %s", path, err)
	}
	exists, err := u.pathChecker.IsPathExists(absPath)
	if err != nil {
		return "", uploaderr.Invalid("source path %s: %s", absPath, err)
	}
	if !exists {
		return "", uploaderr.Invalid("source file not found: %s", absPath)
	}
	return absPath, nil
}

func (u *uploader) statePath(sourcePath, override string) (string, error) {
	if override == "" {
		return state.DefaultPath(sourcePath), nil
	}
	absPath, err := u.pathModifier.AbsPath(override)
	if err != nil {
		return "", uploaderr.Invalid("state path %s: %s", override, err)
	}
	return absPath, nil
}

func describeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		switch fieldErr.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s must not be empty", fieldErr.Field()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed the '%s' check (value: %v)", fieldErr.Field(), fieldErr.Tag(), fieldErr.Value()))
		}
	}
	return strings.Join(messages, "; ")
}
