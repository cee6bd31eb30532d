// Package state persists the progress of a resumable multipart upload.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/plan"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
)

// Version is the schema version written by this package. Documents with any other
// version are rejected as corrupt.
const Version = 1

// Destination describes where the upload goes on the remote side.
type Destination struct {
	SubmissionID string `json:"submissionId"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
}

// Session is the identity issued by the coordinator when the upload was initiated.
type Session struct {
	ID        string `json:"id"`
	UploadID  string `json:"uploadId,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
}

// IsZero reports whether no session has been initiated yet.
func (s Session) IsZero() bool {
	return s.ID == ""
}

// PartRecord is the immutable evidence that a part was received by the remote side.
type PartRecord struct {
	Token      string    `json:"etag"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Completion is recorded after the coordinator finalized the upload.
type Completion struct {
	CompletedAt time.Time `json:"completedAt"`
	ID          string    `json:"id,omitempty"`
	Location    string    `json:"location,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// UploadState is the persisted progress of one upload attempt.
type UploadState struct {
	Version     int                `json:"version"`
	Source      SourceIdentity     `json:"source"`
	Destination Destination        `json:"destination"`
	Session     Session            `json:"session"`
	PartSize    int64              `json:"partSize"`
	TotalSize   int64              `json:"totalSize"`
	Parts       map[int]PartRecord `json:"parts"`
	Checksum    string             `json:"checksum,omitempty"`
	Completion  *Completion        `json:"completion,omitempty"`
}

// New creates an empty state for the given source.
func New(source SourceIdentity, destination Destination, partSize int64) (*UploadState, error) {
	if _, err := plan.PartCount(source.Size, partSize); err != nil {
		return nil, err
	}

	return &UploadState{
		Version:     Version,
		Source:      source,
		Destination: destination,
		PartSize:    partSize,
		TotalSize:   source.Size,
		Parts:       map[int]PartRecord{},
	}, nil
}

// PartCount returns the number of parts the state covers.
func (s *UploadState) PartCount() int {
	count, err := plan.PartCount(s.TotalSize, s.PartSize)
	if err != nil {
		return 0
	}
	return count
}

// Plan recomputes the part plan the state was recorded against.
func (s *UploadState) Plan() (plan.UploadPlan, error) {
	return plan.New(s.TotalSize, s.PartSize)
}

// RecordPart stores the token of a received part. An existing record is never overwritten:
// recording a part twice returns false and keeps the first token.
func (s *UploadState) RecordPart(number int, token string, at time.Time) (bool, error) {
	if number < 1 || number > s.PartCount() {
		return false, fmt.Errorf("part %d is outside [1, %d]", number, s.PartCount())
	}
	if token == "" {
		return false, fmt.Errorf("part %d: empty token", number)
	}
	if s.Parts == nil {
		s.Parts = map[int]PartRecord{}
	}
	if _, ok := s.Parts[number]; ok {
		return false, nil
	}

	s.Parts[number] = PartRecord{Token: token, UploadedAt: at.UTC()}
	return true, nil
}

// Resolved reports whether the part already has a record.
func (s *UploadState) Resolved(number int) bool {
	_, ok := s.Parts[number]
	return ok
}

// ResolvedCount returns the number of recorded parts.
func (s *UploadState) ResolvedCount() int {
	return len(s.Parts)
}

// Outstanding returns the parts of p without a record, in ascending part number order.
func (s *UploadState) Outstanding(p plan.UploadPlan) []plan.PartSpec {
	var outstanding []plan.PartSpec
	for _, part := range p.Parts {
		if !s.Resolved(part.Number) {
			outstanding = append(outstanding, part)
		}
	}
	return outstanding
}

// CompletedPart pairs a part number with its token.
type CompletedPart struct {
	Number int
	Token  string
}

// OrderedParts returns all part tokens in part number order. It fails with
// ErrIncompleteUpload if any planned part is missing.
func (s *UploadState) OrderedParts() ([]CompletedPart, error) {
	count := s.PartCount()
	if count == 0 {
		return nil, uploaderr.Invalid("state has no parts (total size %d, part size %d)", s.TotalSize, s.PartSize)
	}

	var missing []int
	parts := make([]CompletedPart, 0, count)
	for number := 1; number <= count; number++ {
		record, ok := s.Parts[number]
		if !ok {
			missing = append(missing, number)
			continue
		}
		parts = append(parts, CompletedPart{Number: number, Token: record.Token})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d parts missing (first missing: %d)", uploaderr.ErrIncompleteUpload, len(missing), count, missing[0])
	}

	return parts, nil
}

// Completed reports whether the upload was already finalized.
func (s *UploadState) Completed() bool {
	return s.Completion != nil
}

// Clone returns a deep copy, safe to serialize while the original keeps changing.
func (s *UploadState) Clone() *UploadState {
	clone := *s
	clone.Parts = make(map[int]PartRecord, len(s.Parts))
	for k, v := range s.Parts {
		clone.Parts[k] = v
	}
	if s.Completion != nil {
		completion := *s.Completion
		clone.Completion = &completion
	}
	return &clone
}

// validate checks the invariants of a freshly decoded state.
func (s *UploadState) validate() error {
	if s.Version != Version {
		return fmt.Errorf("unsupported version %d (expected %d)", s.Version, Version)
	}
	count, err := plan.PartCount(s.TotalSize, s.PartSize)
	if err != nil {
		return err
	}
	if s.Source.Size != s.TotalSize {
		return fmt.Errorf("source size %d differs from total size %d", s.Source.Size, s.TotalSize)
	}

	numbers := make([]int, 0, len(s.Parts))
	for number := range s.Parts {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	for _, number := range numbers {
		if number < 1 || number > count {
			return fmt.Errorf("part %d is outside [1, %d]", number, count)
		}
		if s.Parts[number].Token == "" {
			return fmt.Errorf("part %d has an empty token", number)
		}
	}
	if len(s.Parts) > 0 && s.Session.IsZero() {
		return fmt.Errorf("%d parts recorded without an upload session", len(s.Parts))
	}
	if s.Completion != nil && len(s.Parts) != count {
		return fmt.Errorf("completed with %d of %d parts", len(s.Parts), count)
	}
	return nil
}

// ValidateAgainstFile fails with ErrStateMismatch if the state was recorded for a different source file.
func ValidateAgainstFile(s *UploadState, source SourceIdentity) error {
	if err := s.Source.Matches(source); err != nil {
		return fmt.Errorf("%w: %s", uploaderr.ErrStateMismatch, err)
	}
	return nil
}

// ValidateAgainst is ValidateAgainstFile that also requires the same destination.
func ValidateAgainst(s *UploadState, source SourceIdentity, destination Destination) error {
	if err := ValidateAgainstFile(s, source); err != nil {
		return err
	}
	if s.Destination != destination {
		return fmt.Errorf("%w: recorded destination %+v, requested %+v", uploaderr.ErrStateMismatch, s.Destination, destination)
	}
	return nil
}
