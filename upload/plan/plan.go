// Package plan splits a source of known size into fixed-size, numbered parts.
package plan

import (
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
)

const (
	// MaxParts bounds the part count OptimalPartSize plans for.
	MaxParts = 10000

	minOptimalPartSize = 8 * 1024 * 1024
	maxOptimalPartSize = 100 * 1024 * 1024
)

// PartSpec is a contiguous byte range of the source. Number starts at 1.
type PartSpec struct {
	Number int
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the part.
func (p PartSpec) End() int64 {
	return p.Offset + p.Length
}

// UploadPlan is the ordered set of parts covering [0, TotalSize).
type UploadPlan struct {
	TotalSize int64
	PartSize  int64
	Parts     []PartSpec
}

// New computes the plan for totalSize bytes split into partSize parts.
// A zero sized source yields a single zero-length part.
func New(totalSize, partSize int64) (UploadPlan, error) {
	count, err := PartCount(totalSize, partSize)
	if err != nil {
		return UploadPlan{}, err
	}

	parts := make([]PartSpec, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * partSize
		length := partSize
		if remaining := totalSize - offset; remaining < length {
			length = remaining
		}
		parts[i] = PartSpec{Number: i + 1, Offset: offset, Length: length}
	}

	return UploadPlan{TotalSize: totalSize, PartSize: partSize, Parts: parts}, nil
}

// PartCount returns ceil(totalSize/partSize), or 1 for an empty source.
func PartCount(totalSize, partSize int64) (int, error) {
	if partSize <= 0 {
		return 0, uploaderr.Invalid("part size must be positive, got %d", partSize)
	}
	if totalSize < 0 {
		return 0, uploaderr.Invalid("total size must not be negative, got %d", totalSize)
	}
	if totalSize == 0 {
		return 1, nil
	}

	count := totalSize / partSize
	if totalSize%partSize != 0 {
		count++
	}
	return int(count), nil
}

// Part returns the PartSpec of the given part number.
func (p UploadPlan) Part(number int) (PartSpec, bool) {
	if number < 1 || number > len(p.Parts) {
		return PartSpec{}, false
	}
	return p.Parts[number-1], true
}

// Len returns the number of parts.
func (p UploadPlan) Len() int {
	return len(p.Parts)
}

// OptimalPartSize picks a part size that keeps concurrency workers busy while staying
// between 8 MiB and 100 MiB, and never exceeds MaxParts parts.
func OptimalPartSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	ps := optimalPartSize(uint64(totalSize), minOptimalPartSize, maxOptimalPartSize, uint64(concurrency))

	if floor := (uint64(totalSize) + MaxParts - 1) / MaxParts; ps < floor {
		ps = floor
	}

	return int64(ps)
}

func optimalPartSize(totalSize, min, max, concurrency uint64) uint64 {
	ps := totalSize / concurrency

	// Halve very large parts to improve parallelism
	if ps >= 100*1024*1024 {
		ps = ps / 2
	}

	if ps < min {
		ps = min
	}

	if max > 0 && ps > max {
		ps = max
	}

	return ps
}
