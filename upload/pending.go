package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-dataset-uploader/upload/state"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/fileutil"
)

// PendingUpload is an unfinished upload found on disk.
type PendingUpload struct {
	StatePath    string
	SourcePath   string
	SubmissionID string
	Filename     string
	// Resolved is the number of uploaded parts out of Total.
	Resolved int
	Total    int
	// Err is set when the state file can't be read. Such uploads can't be resumed.
	Err error
}

// Pending lists the unfinished uploads whose progress is stored under dir.
func Pending(dir string) ([]PendingUpload, error) {
	paths, err := state.Discover(dir)
	if err != nil {
		return nil, fmt.Errorf("search upload states in %s: %w", dir, err)
	}

	fileManager := fileutil.NewFileManager()
	var pending []PendingUpload
	for _, path := range paths {
		st, err := state.NewFileStore(path, fileManager).Load()
		if err != nil {
			if errors.Is(err, uploaderr.ErrNotFound) {
				continue
			}
			pending = append(pending, PendingUpload{StatePath: path, Err: err})
			continue
		}
		if st.Completed() {
			continue
		}

		pending = append(pending, PendingUpload{
			StatePath:    path,
			SourcePath:   st.Source.Path,
			SubmissionID: st.Destination.SubmissionID,
			Filename:     st.Destination.Filename,
			Resolved:     st.ResolvedCount(),
			Total:        st.PartCount(),
		})
	}

	return pending, nil
}
