package multipart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-dataset-uploader/upload/plan"
	"github.com/bitrise-io/go-dataset-uploader/upload/state"
	"github.com/bitrise-io/go-dataset-uploader/upload/uploaderr"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// Phase is a state of the upload state machine.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhasePlanning
	PhaseReconciling
	PhaseTransmitting
	PhaseFinalizing
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhasePlanning:
		return "planning"
	case PhaseReconciling:
		return "reconciling"
	case PhaseTransmitting:
		return "transmitting"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Observer is notified about part level events. Calls may come from several goroutines.
type Observer interface {
	PartTransmitted(part plan.PartSpec, took time.Duration)
	PartRetried(part plan.PartSpec, attempt int, err error)
}

// SessionParams ...
type SessionParams struct {
	SourcePath  string
	Descriptor  Descriptor
	Coordinator Coordinator
	// Store defaults to a state.FileStore at state.DefaultPath(SourcePath).
	Store state.Store
	// Transmitter defaults to an HTTPTransmitter using Config.HTTPClient.
	Transmitter Transmitter
	Config      Config
	Logger      log.Logger
	FileManager fileutil.FileManager
	Observer    Observer
}

// Result describes a finished upload.
type Result struct {
	Session   SessionRef
	StatePath string
	Parts     []CompletedPart
	// Transmitted is the number of parts sent by this run.
	Transmitted int
	// AlreadyCompleted is set when the persisted state was already finalized and nothing was sent.
	AlreadyCompleted bool
	Remote           FinalResult
	Checksum         string
}

// Session drives one upload from planning to completion. A Session runs once;
// resuming is done by a new Session over the same state store.
type Session struct {
	sourcePath  string
	descriptor  Descriptor
	coordinator Coordinator
	transmitter Transmitter
	store       state.Store
	config      Config
	logger      log.Logger
	fileManager fileutil.FileManager
	observer    Observer
	stats       *Stats
	hungCheck   time.Duration

	phase   atomic.Int32
	started atomic.Bool

	mu    sync.Mutex
	state *state.UploadState
	queue []plan.PartSpec
	first *Destination
}

// NewSession validates the parameters and creates a session.
func NewSession(params SessionParams) (*Session, error) {
	if params.SourcePath == "" {
		return nil, uploaderr.Invalid("source path is required")
	}
	if params.Coordinator == nil {
		return nil, uploaderr.Invalid("coordinator is required")
	}
	if err := params.Config.validate(); err != nil {
		return nil, err
	}

	logger := params.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	fileManager := params.FileManager
	if fileManager == nil {
		fileManager = fileutil.NewFileManager()
	}
	store := params.Store
	if store == nil {
		store = state.NewFileStore(state.DefaultPath(params.SourcePath), fileManager)
	}
	transmitter := params.Transmitter
	if transmitter == nil {
		httpClient := params.Config.HTTPClient
		if httpClient == nil {
			httpClient = DefaultHTTPClient(params.Config.Concurrency)
		}
		transmitter = NewHTTPTransmitter(httpClient, logger)
	}

	return &Session{
		sourcePath:  params.SourcePath,
		descriptor:  params.Descriptor,
		coordinator: params.Coordinator,
		transmitter: transmitter,
		store:       store,
		config:      params.Config,
		logger:      logger,
		fileManager: fileManager,
		observer:    params.Observer,
		stats:       NewStats(),
		hungCheck:   time.Second,
	}, nil
}

// Phase returns the current phase of the state machine.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Stats returns the transmission statistics of this run.
func (s *Session) Stats() *Stats {
	return s.stats
}

// Run executes the upload. On failure the persisted state is left in place for a later resume.
func (s *Session) Run(ctx context.Context) (result *Result, err error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, uploaderr.Invalid("session already ran")
	}
	defer func() {
		if err != nil {
			s.setPhase(PhaseFailed)
		}
	}()

	s.setPhase(PhasePlanning)
	source, err := state.Identify(s.sourcePath, s.config.VerifyContent)
	if err != nil {
		return nil, uploaderr.AtStep("identify", 0, uploaderr.Invalid("source %s: %s", s.sourcePath, err))
	}

	partSize := s.config.PartSize
	if partSize == 0 {
		partSize = plan.OptimalPartSize(source.Size, s.config.Concurrency)
	}
	p, err := plan.New(source.Size, partSize)
	if err != nil {
		return nil, uploaderr.AtStep("plan", 0, err)
	}

	s.setPhase(PhaseReconciling)
	st, err := s.reconcile(source, partSize)
	if err != nil {
		return nil, uploaderr.AtStep("reconcile", 0, err)
	}
	s.state = st

	if st.Completed() {
		s.logger.Donef("Upload of %s was already completed at %s", s.sourcePath, st.Completion.CompletedAt.Format(time.RFC3339))
		s.setPhase(PhaseCompleted)
		return s.completedResult(true, FinalResult{
			ID:       st.Completion.ID,
			Location: st.Completion.Location,
			Status:   st.Completion.Status,
		})
	}

	if st.PartSize != p.PartSize {
		if p, err = st.Plan(); err != nil {
			return nil, uploaderr.AtStep("plan", 0, err)
		}
	}

	file, err := s.fileManager.Open(source.Path)
	if err != nil {
		return nil, uploaderr.AtStep("open", 0, uploaderr.Invalid("open source: %s", err))
	}
	defer func() {
		if err := file.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", source.Path, err)
		}
	}()

	if st.Session.IsZero() {
		if p, err = s.initiate(ctx, p); err != nil {
			return nil, uploaderr.AtStep("initiate", 0, err)
		}
	} else {
		s.logger.Infof("Resuming upload session %s: %d/%d parts already uploaded", st.Session.ID, st.ResolvedCount(), p.Len())
	}

	s.setPhase(PhaseTransmitting)
	outstanding := st.Outstanding(p)
	s.logger.Infof("Uploading %d parts of %s (%s, part size %s, concurrency %d)",
		len(outstanding), s.sourcePath,
		units.HumanSizeWithPrecision(float64(p.TotalSize), 3),
		units.HumanSizeWithPrecision(float64(p.PartSize), 3),
		s.config.Concurrency)

	start := time.Now()
	if err := s.transmitAll(ctx, file, outstanding); err != nil {
		return nil, err
	}
	if len(outstanding) > 0 {
		s.logger.TDebugf("Uploaded %d parts in %s [avg=%s]", s.stats.FinishedCount(), time.Since(start).Round(time.Second), s.stats.Average().Round(time.Millisecond))
	}

	s.setPhase(PhaseFinalizing)
	remote, err := s.finalize(ctx, file)
	if err != nil {
		return nil, err
	}

	s.setPhase(PhaseCompleted)
	s.logger.Donef("Upload of %s completed", s.sourcePath)
	return s.completedResult(false, remote)
}

func (s *Session) setPhase(p Phase) {
	prev := Phase(s.phase.Swap(int32(p)))
	if prev != p {
		s.logger.Debugf("Upload phase: %s -> %s", prev, p)
	}
}

func (s *Session) reconcile(source state.SourceIdentity, partSize int64) (*state.UploadState, error) {
	if s.config.DisableResume {
		if err := s.store.Remove(); err != nil {
			return nil, fmt.Errorf("discard previous state: %w", err)
		}
		s.logger.Debugf("Resume disabled, starting a new upload state at %s", s.store.Path())
		return state.New(source, s.descriptor, partSize)
	}

	st, err := s.store.Load()
	if errors.Is(err, uploaderr.ErrNotFound) {
		s.logger.Debugf("No upload state at %s, starting a new one", s.store.Path())
		return state.New(source, s.descriptor, partSize)
	}
	if err != nil {
		return nil, err
	}

	if err := state.ValidateAgainst(st, source, s.descriptor); err != nil {
		return nil, fmt.Errorf("%w (state file: %s)", err, s.store.Path())
	}

	return st, nil
}

// initiate opens the remote session and persists its identity before anything is transmitted.
func (s *Session) initiate(ctx context.Context, p plan.UploadPlan) (plan.UploadPlan, error) {
	req := InitiateRequest{
		Descriptor: s.descriptor,
		TotalSize:  p.TotalSize,
		PartSize:   p.PartSize,
	}

	var initiation Initiation
	err := s.config.Retry.Do(ctx, func(int) error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()

		i, err := s.coordinator.Initiate(callCtx, req)
		if err != nil {
			return callError(ctx, callCtx, err)
		}
		initiation = i
		return nil
	}, func(attempt int, wait time.Duration, err error) {
		s.logger.Warnf("Initiating the upload failed (attempt %d), retrying in %s: %s", attempt+1, wait, err)
	})
	if err != nil {
		return p, err
	}
	if initiation.Session.IsZero() {
		return p, uploaderr.Rejected(0, "coordinator returned no upload session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Session = initiation.Session
	if initiation.PartSize > 0 && initiation.PartSize != p.PartSize {
		adopted, err := plan.New(p.TotalSize, initiation.PartSize)
		if err != nil {
			return p, fmt.Errorf("coordinator part size: %w", err)
		}
		s.logger.Infof("Coordinator requested part size %s", units.HumanSizeWithPrecision(float64(initiation.PartSize), 3))
		s.state.PartSize = initiation.PartSize
		p = adopted
	}
	if initiation.First != nil {
		first := *initiation.First
		s.first = &first
	}

	if err := s.store.Save(s.state); err != nil {
		return p, fmt.Errorf("persist upload session: %w", err)
	}
	s.logger.Infof("Upload session %s initiated", initiation.Session.ID)

	return p, nil
}

func (s *Session) transmitAll(ctx context.Context, src io.ReaderAt, parts []plan.PartSpec) error {
	if len(parts) == 0 {
		return nil
	}

	s.mu.Lock()
	s.queue = append([]plan.PartSpec(nil), parts...)
	s.mu.Unlock()

	workers := s.config.Concurrency
	if workers > len(parts) {
		workers = len(parts)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				part, ok := s.claim()
				if !ok {
					return nil
				}
				if err := s.transmitPart(gctx, src, part); err != nil {
					return err
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("upload cancelled: %w (%s)", ctxErr, err)
		}
		return err
	}
	return nil
}

// claim pops the next outstanding part. Parts are handed out once, in ascending order.
func (s *Session) claim() (plan.PartSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		part := s.queue[0]
		s.queue = s.queue[1:]
		if s.state.Resolved(part.Number) {
			continue
		}
		return part, true
	}
	return plan.PartSpec{}, false
}

func (s *Session) transmitPart(ctx context.Context, src io.ReaderAt, part plan.PartSpec) error {
	for refreshes := 0; ; refreshes++ {
		dest, err := s.destination(ctx, part.Number)
		if err != nil {
			return uploaderr.AtStep("get destination", part.Number, err)
		}

		token, took, err := s.transmitWithRetry(ctx, dest, src, part)
		if err == nil {
			return s.record(part, token, took)
		}

		if errors.Is(err, uploaderr.ErrDestinationExpired) && refreshes < s.config.MaxDestinationRefreshes && ctx.Err() == nil {
			s.logger.Warnf("Destination of part %d expired, requesting a new one (%d/%d)", part.Number, refreshes+1, s.config.MaxDestinationRefreshes)
			continue
		}
		return uploaderr.AtStep("transmit", part.Number, err)
	}
}

func (s *Session) destination(ctx context.Context, partNumber int) (Destination, error) {
	if dest, ok := s.takeFirst(partNumber); ok {
		return dest, nil
	}

	var dest Destination
	err := s.config.Retry.Do(ctx, func(int) error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()

		d, err := s.coordinator.PartDestination(callCtx, s.state.Session, partNumber)
		if err != nil {
			return callError(ctx, callCtx, err)
		}
		dest = d
		return nil
	}, func(attempt int, wait time.Duration, err error) {
		s.logger.Warnf("Requesting destination of part %d failed (attempt %d), retrying in %s: %s", partNumber, attempt+1, wait, err)
	})

	return dest, err
}

// takeFirst hands out the destination prefetched at initiation, once, if it is still valid.
func (s *Session) takeFirst(partNumber int) (Destination, bool) {
	if partNumber != 1 {
		return Destination{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.first == nil {
		return Destination{}, false
	}
	dest := *s.first
	s.first = nil
	if dest.URL == "" || dest.Expired(time.Now()) {
		return Destination{}, false
	}
	return dest, true
}

func (s *Session) transmitWithRetry(ctx context.Context, dest Destination, src io.ReaderAt, part plan.PartSpec) (string, time.Duration, error) {
	var token string
	var took time.Duration
	attempts := s.config.Retry.MaxAttempts

	err := s.config.Retry.Do(ctx, func(attempt int) error {
		s.logger.Debugf("Uploading part %d (attempt %d/%d) [finished=%d] [avg=%v]",
			part.Number, attempt+1, attempts,
			s.stats.FinishedCount(), s.stats.Average().Round(time.Second))

		start := time.Now()
		attemptCtx, cancel := s.partContext(ctx)
		defer cancel()

		// The last attempt is never aborted as hung.
		if attempt < attempts-1 && s.config.HungThreshold > 0 {
			go s.detectHung(attemptCtx, cancel, start, part.Number)
		}

		t, err := s.transmitter.Transmit(attemptCtx, dest, part, src)
		if err != nil {
			if ctx.Err() == nil && attemptCtx.Err() != nil {
				return uploaderr.Transient(0, fmt.Errorf("part %d attempt %d aborted after %s: %v",
					part.Number, attempt+1, time.Since(start).Round(time.Second), attemptCtx.Err()))
			}
			return err
		}

		token = t
		took = time.Since(start)
		return nil
	}, func(attempt int, wait time.Duration, err error) {
		s.logger.Warnf("Part %d attempt %d failed, retrying in %s: %s", part.Number, attempt+1, wait, err)
		if s.observer != nil {
			s.observer.PartRetried(part, attempt+1, err)
		}
	})

	return token, took, err
}

// detectHung cancels the attempt once it runs HungThreshold longer than the average finished part.
func (s *Session) detectHung(ctx context.Context, cancel context.CancelFunc, start time.Time, partNumber int) {
	ticker := time.NewTicker(s.hungCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.hung(start) {
			continue
		}
		s.logger.Warnf("Part %d is not progressing after %s (average part: %s), aborting the attempt",
			partNumber, time.Since(start).Round(time.Second), s.stats.Average().Round(time.Second))
		cancel()
		return
	}
}

func (s *Session) hung(start time.Time) bool {
	if s.stats.FinishedCount() == 0 {
		return false
	}
	return time.Since(start)-s.stats.Average() > s.config.HungThreshold
}

// record persists a received token before the worker moves on.
func (s *Session) record(part plan.PartSpec, token string, took time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.state.RecordPart(part.Number, token, time.Now())
	if err != nil {
		return uploaderr.AtStep("record", part.Number, err)
	}
	if !added {
		s.logger.Warnf("Part %d was already recorded, keeping the first token", part.Number)
		return nil
	}
	if err := s.store.Save(s.state); err != nil {
		return uploaderr.AtStep("save", part.Number, err)
	}

	s.stats.Update(part.Number, part.Length, took)
	s.logger.Infof("Part %d/%d uploaded in %v, ETag: %s", part.Number, s.state.PartCount(), took.Round(time.Millisecond), token)
	if s.observer != nil {
		s.observer.PartTransmitted(part, took)
	}
	return nil
}

func (s *Session) finalize(ctx context.Context, src io.ReaderAt) (FinalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.state.OrderedParts(); err != nil {
		return FinalResult{}, uploaderr.AtStep("finalize", 0, err)
	}

	if s.state.Checksum == "" {
		checksum, err := checksumOf(src, s.state.TotalSize)
		if err != nil {
			return FinalResult{}, uploaderr.AtStep("checksum", 0, err)
		}
		s.state.Checksum = checksum
		if err := s.store.Save(s.state); err != nil {
			return FinalResult{}, uploaderr.AtStep("save", 0, err)
		}
	}

	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	remote, err := Finalize(callCtx, s.coordinator, s.state)
	if err != nil {
		return FinalResult{}, callError(ctx, callCtx, err)
	}
	logResponseMessage(remote, s.logger)

	s.state.Completion = &state.Completion{
		CompletedAt: time.Now().UTC(),
		ID:          remote.ID,
		Location:    remote.Location,
		Status:      remote.Status,
	}
	if err := s.store.Save(s.state); err != nil {
		s.logger.Warnf("Upload completed but the completion could not be saved to %s: %s", s.store.Path(), err)
	}

	return remote, nil
}

// Finalize asks the coordinator to assemble the parts of st. The coordinator is not called
// while any planned part is missing a record.
func Finalize(ctx context.Context, coordinator Coordinator, st *state.UploadState) (FinalResult, error) {
	parts, err := st.OrderedParts()
	if err != nil {
		return FinalResult{}, uploaderr.AtStep("finalize", 0, err)
	}
	if st.Session.IsZero() {
		return FinalResult{}, uploaderr.AtStep("finalize", 0, uploaderr.Invalid("no upload session to complete"))
	}

	result, err := coordinator.Complete(ctx, st.Session, parts, st.Checksum)
	if err != nil {
		return FinalResult{}, uploaderr.AtStep("complete", 0, err)
	}
	return result, nil
}

func (s *Session) completedResult(alreadyCompleted bool, remote FinalResult) (*Result, error) {
	parts, err := s.state.OrderedParts()
	if err != nil {
		return nil, uploaderr.AtStep("finalize", 0, err)
	}

	return &Result{
		Session:          s.state.Session,
		StatePath:        s.store.Path(),
		Parts:            parts,
		Transmitted:      int(s.stats.FinishedCount()),
		AlreadyCompleted: alreadyCompleted,
		Remote:           remote,
		Checksum:         s.state.Checksum,
	}, nil
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.config.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// callError reports a coordinator call cut off by CallTimeout as transient while ctx is still live.
func callError(ctx, callCtx context.Context, err error) error {
	if ctx.Err() != nil || !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, uploaderr.ErrTransientTransport) {
		return err
	}
	return uploaderr.Transient(0, err)
}

func (s *Session) partContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.PartTimeout > 0 {
		return context.WithTimeout(ctx, s.config.PartTimeout)
	}
	return context.WithCancel(ctx)
}

func checksumOf(src io.ReaderAt, size int64) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, io.NewSectionReader(src, 0, size)); err != nil {
		return "", fmt.Errorf("checksum source: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// logResponseMessage prints the coordinator's completion message at the level it asked for.
func logResponseMessage(result FinalResult, logger log.Logger) {
	if result.Message == "" {
		return
	}

	logFn := logger.Printf
	switch result.Severity {
	case "debug":
		logFn = logger.Debugf
	case "info":
		logFn = logger.Infof
	case "warning":
		logFn = logger.Warnf
	case "error":
		logFn = logger.Errorf
	}
	logFn("%s", result.Message)
}
