package multipart

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/stretchr/testify/require"
)

func fastRetryPolicy(attempts int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.MinWait = time.Millisecond
	p.MaxWait = 2 * time.Millisecond
	return p
}

func TestRetryPolicy_Do(t *testing.T) {
	transient := uploaderr.Transient(http.StatusServiceUnavailable, errors.New("unavailable"))
	rejected := uploaderr.Rejected(http.StatusForbidden, "denied")

	tests := []struct {
		name        string
		attempts    int
		results     []error
		wantErr     error
		wantCalls   int
		wantRetries int
	}{
		{
			name:      "first attempt succeeds",
			attempts:  3,
			results:   []error{nil},
			wantCalls: 1,
		},
		{
			name:        "succeeds on third attempt",
			attempts:    3,
			results:     []error{transient, transient, nil},
			wantCalls:   3,
			wantRetries: 2,
		},
		{
			name:        "gives up after max attempts",
			attempts:    3,
			results:     []error{transient, transient, transient, nil},
			wantErr:     uploaderr.ErrTransientTransport,
			wantCalls:   3,
			wantRetries: 2,
		},
		{
			name:      "does not retry rejections",
			attempts:  3,
			results:   []error{rejected, nil},
			wantErr:   uploaderr.ErrRejected,
			wantCalls: 1,
		},
		{
			name:      "zero attempts means one",
			attempts:  0,
			results:   []error{transient},
			wantErr:   uploaderr.ErrTransientTransport,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, retries := 0, 0
			err := fastRetryPolicy(tt.attempts).Do(context.Background(), func(attempt int) error {
				require.Equal(t, calls, attempt)
				calls++
				return tt.results[attempt]
			}, func(int, time.Duration, error) {
				retries++
			})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, calls)
			require.Equal(t, tt.wantRetries, retries)
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	p := fastRetryPolicy(5)
	p.MinWait = time.Hour
	p.MaxWait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		cancel()
		return uploaderr.Transient(0, errors.New("reset"))
	}, nil)

	require.ErrorIs(t, err, uploaderr.ErrTransientTransport)
	require.Equal(t, 1, calls)
}

func TestRetryPolicy_CustomPredicate(t *testing.T) {
	p := fastRetryPolicy(4)
	p.Retriable = func(err error) bool { return errors.Is(err, uploaderr.ErrRejected) }

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return uploaderr.Rejected(500, "flaky")
	}, nil)

	require.ErrorIs(t, err, uploaderr.ErrRejected)
	require.Equal(t, 4, calls)
}
