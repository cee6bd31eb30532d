package plan

import (
	"testing"

	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int64
		partSize  int64
		want      []PartSpec
		wantErr   error
	}{
		{
			name:      "uneven last part",
			totalSize: 250,
			partSize:  100,
			want: []PartSpec{
				{Number: 1, Offset: 0, Length: 100},
				{Number: 2, Offset: 100, Length: 100},
				{Number: 3, Offset: 200, Length: 50},
			},
		},
		{
			name:      "evenly divisible",
			totalSize: 200,
			partSize:  100,
			want: []PartSpec{
				{Number: 1, Offset: 0, Length: 100},
				{Number: 2, Offset: 100, Length: 100},
			},
		},
		{
			name:      "smaller than one part",
			totalSize: 7,
			partSize:  100,
			want:      []PartSpec{{Number: 1, Offset: 0, Length: 7}},
		},
		{
			name:      "zero byte source",
			totalSize: 0,
			partSize:  100,
			want:      []PartSpec{{Number: 1, Offset: 0, Length: 0}},
		},
		{
			name:      "zero part size",
			totalSize: 10,
			partSize:  0,
			wantErr:   uploaderr.ErrInvalidConfiguration,
		},
		{
			name:      "negative total size",
			totalSize: -1,
			partSize:  10,
			wantErr:   uploaderr.ErrInvalidConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.totalSize, tt.partSize)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Parts)
			require.Equal(t, tt.totalSize, got.TotalSize)
			require.Equal(t, tt.partSize, got.PartSize)
		})
	}
}

func TestNew_CoversSourceContiguously(t *testing.T) {
	for _, total := range []int64{1, 99, 100, 101, 999, 1000, 12345} {
		p, err := New(total, 100)
		require.NoError(t, err)

		var next int64
		for i, part := range p.Parts {
			require.Equal(t, i+1, part.Number)
			require.Equal(t, next, part.Offset)
			require.Greater(t, part.Length, int64(0))
			if i < len(p.Parts)-1 {
				require.Equal(t, int64(100), part.Length)
			}
			next = part.End()
		}
		require.Equal(t, total, next)
	}
}

func TestNew_ManySmallParts(t *testing.T) {
	p, err := New(1000001, 100)
	require.NoError(t, err)
	require.Equal(t, 10001, p.Len())

	last, ok := p.Part(10001)
	require.True(t, ok)
	require.Equal(t, PartSpec{Number: 10001, Offset: 1000000, Length: 1}, last)

	count, err := PartCount(1000001, 100)
	require.NoError(t, err)
	require.Equal(t, 10001, count)
}

func TestNew_Deterministic(t *testing.T) {
	first, err := New(123456, 1000)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := New(123456, 1000)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestUploadPlan_Part(t *testing.T) {
	p, err := New(250, 100)
	require.NoError(t, err)

	part, ok := p.Part(3)
	require.True(t, ok)
	require.Equal(t, PartSpec{Number: 3, Offset: 200, Length: 50}, part)

	_, ok = p.Part(0)
	require.False(t, ok)
	_, ok = p.Part(4)
	require.False(t, ok)
	require.Equal(t, 3, p.Len())
}

func TestOptimalPartSize(t *testing.T) {
	tests := []struct {
		name        string
		totalSize   int64
		concurrency int
		minExpected int64
		maxExpected int64
	}{
		{
			name:        "small file",
			totalSize:   10 * 1024 * 1024,
			concurrency: 4,
			minExpected: 8 * 1024 * 1024,
			maxExpected: 10 * 1024 * 1024,
		},
		{
			name:        "large file",
			totalSize:   1024 * 1024 * 1024,
			concurrency: 10,
			minExpected: 8 * 1024 * 1024,
			maxExpected: 100 * 1024 * 1024,
		},
		{
			name:        "huge file stays under the part limit",
			totalSize:   2 * 1024 * 1024 * 1024 * 1024,
			concurrency: 20,
			minExpected: 100 * 1024 * 1024,
			maxExpected: 256 * 1024 * 1024,
		},
		{
			name:        "zero concurrency",
			totalSize:   1024,
			concurrency: 0,
			minExpected: 8 * 1024 * 1024,
			maxExpected: 8 * 1024 * 1024,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OptimalPartSize(tt.totalSize, tt.concurrency)
			require.GreaterOrEqual(t, got, tt.minExpected)
			require.LessOrEqual(t, got, tt.maxExpected)

			count, err := PartCount(tt.totalSize, got)
			require.NoError(t, err)
			require.LessOrEqual(t, count, MaxParts)
		})
	}
}
