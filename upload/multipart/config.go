package multipart

import (
	"net/http"
	"runtime"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
)

// Config holds configuration for an upload session.
type Config struct {
	// PartSize is the size of every part but the last.
	// Default: 0, which picks plan.OptimalPartSize for the source.
	PartSize int64

	// Concurrency is the maximum number of parts in flight.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// Retry is applied around every part transmission.
	Retry RetryPolicy

	// PartTimeout bounds a single transmission attempt. 0 disables it.
	// Default: 10 minutes
	PartTimeout time.Duration

	// CallTimeout bounds every coordinator call. 0 disables it.
	// Default: 60 seconds
	CallTimeout time.Duration

	// MaxDestinationRefreshes is how many times an expired destination is re-requested for one part.
	// Default: 3
	MaxDestinationRefreshes int

	// HungThreshold cancels an attempt that runs this much longer than the average part.
	// Default: 30 seconds, 0 disables hung detection.
	HungThreshold time.Duration

	// HTTPClient is used to transmit parts.
	// Default: DefaultHTTPClient(Concurrency)
	HTTPClient *http.Client

	// DisableResume discards any persisted state instead of resuming from it.
	DisableResume bool

	// VerifyContent adds a content digest to the source fingerprint.
	VerifyContent bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:             DefaultConcurrency(),
		Retry:                   DefaultRetryPolicy(),
		PartTimeout:             10 * time.Minute,
		CallTimeout:             60 * time.Second,
		MaxDestinationRefreshes: 3,
		HungThreshold:           30 * time.Second,
	}
}

const (
	minDefaultConcurrency = 2
	maxDefaultConcurrency = 20
)

// DefaultConcurrency is 3 parts in flight per CPU, clamped to [2, 20].
func DefaultConcurrency() int {
	return min(max(runtime.NumCPU()*3, minDefaultConcurrency), maxDefaultConcurrency)
}

// DefaultHTTPClient creates a client for part uploads with one connection per worker to the storage host.
func DefaultHTTPClient(concurrency int) *http.Client {
	if concurrency < 1 {
		concurrency = DefaultConcurrency()
	}
	return &http.Client{
		// Attempts are bounded by Config.PartTimeout through the request context.
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxConnsPerHost:       concurrency,
			MaxIdleConnsPerHost:   concurrency,
			MaxIdleConns:          2 * concurrency,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

func (c Config) validate() error {
	if c.PartSize < 0 {
		return uploaderr.Invalid("part size must not be negative, got %d", c.PartSize)
	}
	if c.Concurrency < 1 {
		return uploaderr.Invalid("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Retry.MaxAttempts < 1 {
		return uploaderr.Invalid("retry attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.MaxDestinationRefreshes < 0 {
		return uploaderr.Invalid("destination refreshes must not be negative, got %d", c.MaxDestinationRefreshes)
	}
	if c.PartTimeout < 0 || c.CallTimeout < 0 || c.HungThreshold < 0 {
		return uploaderr.Invalid("timeouts must not be negative")
	}
	return nil
}
