package state

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// SourceIdentity fingerprints the source file so a state file is never resumed against
// a different file.
type SourceIdentity struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	// Digest is the hex BLAKE3 hash of the content. Empty unless content verification is enabled.
	Digest string `json:"digest,omitempty"`
}

// Identify stats the file at path. With withDigest the whole content is hashed as well.
func Identify(path string, withDigest bool) (SourceIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SourceIdentity{}, err
	}
	if info.IsDir() {
		return SourceIdentity{}, fmt.Errorf("%s is a directory", path)
	}

	identity := SourceIdentity{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}

	if withDigest {
		digest, err := digestOfFile(path)
		if err != nil {
			return SourceIdentity{}, fmt.Errorf("digest %s: %w", path, err)
		}
		identity.Digest = digest
	}

	return identity, nil
}

// Matches returns a description of the first difference between the recorded identity and other.
func (id SourceIdentity) Matches(other SourceIdentity) error {
	if id.Size != other.Size {
		return fmt.Errorf("size changed from %d to %d bytes", id.Size, other.Size)
	}
	if !id.ModTime.Equal(other.ModTime) {
		return fmt.Errorf("modification time changed from %s to %s", id.ModTime.Format(time.RFC3339Nano), other.ModTime.Format(time.RFC3339Nano))
	}
	if id.Digest != "" && other.Digest != "" && id.Digest != other.Digest {
		return fmt.Errorf("content digest changed from %s to %s", id.Digest, other.Digest)
	}
	return nil
}

func digestOfFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	hash := blake3.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
