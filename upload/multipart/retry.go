package multipart

import (
	"context"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/hashicorp/go-retryablehttp"
)

// RetryPolicy retries an operation a bounded number of times with backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	// Backoff computes the wait before the next attempt. Defaults to retryablehttp.DefaultBackoff.
	Backoff retryablehttp.Backoff
	// Retriable decides whether an error is worth another attempt. Defaults to uploaderr.IsRetriable.
	Retriable func(error) bool
}

// DefaultRetryPolicy returns 3 attempts with exponential backoff between 1 and 30 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		MinWait:     1 * time.Second,
		MaxWait:     30 * time.Second,
		Backoff:     retryablehttp.DefaultBackoff,
		Retriable:   uploaderr.IsRetriable,
	}
}

// Do calls fn until it succeeds, returns a non-retriable error, the attempts run out or ctx is done.
// onRetry, if set, is called before every wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retriable := p.Retriable
	if retriable == nil {
		retriable = uploaderr.IsRetriable
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = retryablehttp.DefaultBackoff
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !retriable(err) || attempt == attempts-1 {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		wait := backoff(p.MinWait, p.MaxWait, attempt, nil)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}

	return err
}
