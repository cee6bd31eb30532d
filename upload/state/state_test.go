package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/plan"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/stretchr/testify/require"
)

func TestUploadState_RecordPartIsIdempotent(t *testing.T) {
	st := newTestState(t, 500, 100)

	added, err := st.RecordPart(3, "token-a", time.Now())
	require.NoError(t, err)
	require.True(t, added)

	added, err = st.RecordPart(3, "token-b", time.Now())
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, "token-a", st.Parts[3].Token)
	require.Equal(t, 1, st.ResolvedCount())
}

func TestUploadState_RecordPartRejectsInvalid(t *testing.T) {
	st := newTestState(t, 250, 100)

	_, err := st.RecordPart(0, "t", time.Now())
	require.Error(t, err)
	_, err = st.RecordPart(4, "t", time.Now())
	require.Error(t, err)
	_, err = st.RecordPart(1, "", time.Now())
	require.Error(t, err)
	require.Equal(t, 0, st.ResolvedCount())
}

func TestUploadState_Outstanding(t *testing.T) {
	st := newTestState(t, 250, 100)
	p, err := st.Plan()
	require.NoError(t, err)

	require.Equal(t, p.Parts, st.Outstanding(p))

	_, err = st.RecordPart(2, "etag-2", time.Now())
	require.NoError(t, err)
	require.Equal(t, []plan.PartSpec{
		{Number: 1, Offset: 0, Length: 100},
		{Number: 3, Offset: 200, Length: 50},
	}, st.Outstanding(p))
}

func TestUploadState_OrderedParts(t *testing.T) {
	st := newTestState(t, 250, 100)

	for _, n := range []int{3, 1} {
		_, err := st.RecordPart(n, fmt.Sprintf("etag-%d", n), time.Now())
		require.NoError(t, err)
	}
	_, err := st.OrderedParts()
	require.ErrorIs(t, err, uploaderr.ErrIncompleteUpload)

	_, err = st.RecordPart(2, "etag-2", time.Now())
	require.NoError(t, err)
	parts, err := st.OrderedParts()
	require.NoError(t, err)
	require.Equal(t, []CompletedPart{
		{Number: 1, Token: "etag-1"},
		{Number: 2, Token: "etag-2"},
		{Number: 3, Token: "etag-3"},
	}, parts)
}

func TestUploadState_Clone(t *testing.T) {
	st := newTestState(t, 250, 100)
	_, err := st.RecordPart(1, "etag-1", time.Now())
	require.NoError(t, err)

	clone := st.Clone()
	_, err = st.RecordPart(2, "etag-2", time.Now())
	require.NoError(t, err)

	require.Equal(t, 1, clone.ResolvedCount())
	require.Equal(t, 2, st.ResolvedCount())
}

func TestValidateAgainst(t *testing.T) {
	st := newTestState(t, 250, 100)
	same := st.Source

	tests := []struct {
		name        string
		source      func() SourceIdentity
		destination Destination
		wantErr     bool
	}{
		{
			name:        "same file",
			source:      func() SourceIdentity { return same },
			destination: testDestination,
		},
		{
			name: "different size",
			source: func() SourceIdentity {
				s := same
				s.Size = 251
				return s
			},
			destination: testDestination,
			wantErr:     true,
		},
		{
			name: "different modification time",
			source: func() SourceIdentity {
				s := same
				s.ModTime = s.ModTime.Add(time.Second)
				return s
			},
			destination: testDestination,
			wantErr:     true,
		},
		{
			name: "moved file keeps identity",
			source: func() SourceIdentity {
				s := same
				s.Path = "/elsewhere/dataset.tar.gz"
				return s
			},
			destination: testDestination,
		},
		{
			name:        "different submission",
			source:      func() SourceIdentity { return same },
			destination: Destination{SubmissionID: "other", Filename: testDestination.Filename, MimeType: testDestination.MimeType},
			wantErr:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgainst(st, tt.source(), tt.destination)
			if tt.wantErr {
				require.ErrorIs(t, err, uploaderr.ErrStateMismatch)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestIdentify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello dataset"), 0o600))

	plain, err := Identify(path, false)
	require.NoError(t, err)
	require.Equal(t, int64(13), plain.Size)
	require.Empty(t, plain.Digest)

	withDigest, err := Identify(path, true)
	require.NoError(t, err)
	require.Len(t, withDigest.Digest, 64)
	require.NoError(t, plain.Matches(withDigest))

	other := withDigest
	other.Digest = "00"
	require.Error(t, withDigest.Matches(other))

	_, err = Identify(filepath.Dir(path), false)
	require.Error(t, err)
	_, err = Identify(filepath.Join(t.TempDir(), "missing"), false)
	require.Error(t, err)
}
