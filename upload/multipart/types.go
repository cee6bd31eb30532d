// Package multipart drives a resumable multipart upload: it plans parts, transmits the
// outstanding ones in parallel with retries, persists every received part and finalizes
// the upload exactly once.
package multipart

import (
	"context"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/state"
)

// Descriptor describes the remote destination of an upload.
type Descriptor = state.Destination

// SessionRef identifies an initiated upload on the coordinator side.
type SessionRef = state.Session

// CompletedPart is a part number with the token the remote side returned for it.
type CompletedPart = state.CompletedPart

// Destination is a short-lived reference authorizing the upload of one part.
type Destination struct {
	Method  string
	URL     string
	Headers map[string]string
	// ExpiresAt is zero when the coordinator did not report an expiry.
	ExpiresAt time.Time
}

// Expired reports whether the destination is known to be expired at now.
func (d Destination) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// InitiateRequest ...
type InitiateRequest struct {
	Descriptor Descriptor
	TotalSize  int64
	PartSize   int64
}

// Initiation is the coordinator's answer to an initiate call.
type Initiation struct {
	Session SessionRef
	// PartSize is the part size dictated by the coordinator, 0 if it accepts the requested one.
	PartSize int64
	// First optionally carries the destination of part 1.
	First *Destination
}

// FinalResult is returned by the coordinator once the parts are assembled.
type FinalResult struct {
	ID       string
	Location string
	Status   string
	Message  string
	Severity string
}

// Coordinator is the remote side of the protocol.
type Coordinator interface {
	// Initiate opens a new upload session.
	Initiate(ctx context.Context, req InitiateRequest) (Initiation, error)
	// PartDestination returns a fresh destination for the given part.
	PartDestination(ctx context.Context, session SessionRef, partNumber int) (Destination, error)
	// Complete assembles the parts. parts is ordered by part number.
	Complete(ctx context.Context, session SessionRef, parts []CompletedPart, checksum string) (FinalResult, error)
}
