package upload

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-dataset-uploader/upload/multipart"
	"github.com/bitrise-io/go-dataset-uploader/upload/plan"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
	waited bool
}

func (t *fakeTracker) Enqueue(eventName string, _ ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, eventName)
}

func (t *fakeTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

func (t *fakeTracker) count(eventName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e == eventName {
			n++
		}
	}
	return n
}

func (t *fakeTracker) factory() TrackerFactory {
	return func(log.Logger, ...analytics.Properties) analytics.Tracker {
		return t
	}
}

type fakeCoordinator struct {
	mu            sync.Mutex
	initiateCalls int
	completeCalls int
	completed     []multipart.CompletedPart
}

func (c *fakeCoordinator) Initiate(_ context.Context, req multipart.InitiateRequest) (multipart.Initiation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiateCalls++
	return multipart.Initiation{Session: multipart.SessionRef{ID: "fu-1", UploadID: "upload-1", ObjectKey: req.Descriptor.Filename}}, nil
}

func (c *fakeCoordinator) PartDestination(_ context.Context, _ multipart.SessionRef, partNumber int) (multipart.Destination, error) {
	return multipart.Destination{URL: fmt.Sprintf("https://bucket.example.com/part%d", partNumber)}, nil
}

func (c *fakeCoordinator) Complete(_ context.Context, session multipart.SessionRef, parts []multipart.CompletedPart, _ string) (multipart.FinalResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCalls++
	c.completed = parts
	return multipart.FinalResult{ID: session.ID, Location: "https://bucket.example.com/" + session.ObjectKey, Status: "completed"}, nil
}

type fakeTransmitter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTransmitter) Transmit(_ context.Context, _ multipart.Destination, part plan.PartSpec, src io.ReaderAt) (string, error) {
	buf := make([]byte, part.Length)
	if _, err := src.ReadAt(buf, part.Offset); err != nil && err != io.EOF {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return fmt.Sprintf("etag-%d", part.Number), nil
}
