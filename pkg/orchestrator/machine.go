package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/capture/pkg/logging"
	"github.com/entrhq/capture/pkg/storage"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// DefaultStopTimeout bounds how long Stop waits for capabilities to flush
// before abandoning them.
const DefaultStopTimeout = 10 * time.Second

const captureBuffer = 64

// Orchestrator serializes lifecycle operations on a single capture session.
// All exported methods are safe for concurrent use; at most one session is
// live at a time. It is the single source of truth for what should
// currently be running.
type Orchestrator struct {
	store       SessionStore
	index       Indexer
	summarizer  Summarizer
	log         *logging.Logger
	specs       []CapabilitySpec
	stopTimeout time.Duration
	events      chan<- Event

	mu          sync.Mutex
	state       State
	meta        *storage.SessionMetadata
	saved       *storage.SessionMetadata
	active      map[storage.StreamKind]Capability
	degraded    []storage.StreamKind
	transcripts []string
	captureCh   chan CaptureEvent
	pumpQuit    chan struct{}
	pumpDone    chan struct{}

	lastErr     error
	retryFn     func(ctx context.Context) error
	resumeState State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCapability registers a capture backend. A required capability failing
// to start puts the machine into the error state; an optional one degrades
// the session.
func WithCapability(c Capability, required bool) Option {
	return func(o *Orchestrator) {
		o.specs = append(o.specs, CapabilitySpec{Capability: c, Required: required})
	}
}

// WithSummarizer enables post-session summary generation.
func WithSummarizer(s Summarizer) Option {
	return func(o *Orchestrator) {
		o.summarizer = s
	}
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stopTimeout = d
	}
}

// WithEvents registers a channel for lifecycle events. Emission is
// non-blocking: events are dropped if the consumer lags.
func WithEvents(ch chan<- Event) Option {
	return func(o *Orchestrator) {
		o.events = ch
	}
}

// WithLogger overrides the discard logger.
func WithLogger(log *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// New builds an idle orchestrator over the given store and index.
func New(store SessionStore, index Indexer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		index:       index,
		log:         logging.Discard("orchestrator"),
		stopTimeout: DefaultStopTimeout,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentSessionID returns the live session's ID, or "" when idle.
func (o *Orchestrator) CurrentSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.meta == nil {
		return ""
	}
	return o.meta.ID
}

// LastError returns the error that put the orchestrator into StateError.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Start creates a new session and brings up every enabled capability
// concurrently. It returns the new session ID. A required capability
// failing, or every enabled capability failing, moves the machine to the
// error state with the failing stream named; Retry re-runs the whole start,
// Dismiss abandons it.
func (o *Orchestrator) Start(ctx context.Context, name string, cfg storage.CaptureConfig) (string, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return "", ErrInvalidTransition
	}
	o.state = StateStarting
	meta := storage.NewSession(name, cfg)
	o.meta = meta
	o.mu.Unlock()

	o.emit(NewSessionStartingEvent(meta.ID))

	attempt := func(ctx context.Context) error {
		if err := o.saveMetadata(ctx, meta); err != nil {
			return err
		}
		o.ensurePump(meta.ID)
		return o.fanOut(ctx, meta)
	}

	if err := attempt(ctx); err != nil {
		o.enterError(err, StateRecording, attempt)
		return "", err
	}

	o.mu.Lock()
	o.state = StateRecording
	activeCount := len(o.active)
	degradedCount := len(o.degraded)
	o.mu.Unlock()

	o.index.UpdateSession(meta)
	o.log.Infof("session %s: recording (%d streams, %d degraded)", meta.ID, activeCount, degradedCount)
	o.emit(NewSessionStartedEvent(meta.ID))
	return meta.ID, nil
}

// ensurePump lazily installs the capture channel and its pump goroutine.
// Retries of a failed start reuse the existing pump.
func (o *Orchestrator) ensurePump(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.captureCh != nil {
		return
	}
	o.captureCh = make(chan CaptureEvent, captureBuffer)
	o.pumpQuit = make(chan struct{})
	o.pumpDone = make(chan struct{})
	go o.pump(sessionID, o.captureCh, o.pumpQuit, o.pumpDone)
}

// saveMetadata persists meta and keeps a snapshot of the last durably
// written state; Dismiss indexes from that snapshot so the index never
// learns a session the store does not have.
func (o *Orchestrator) saveMetadata(ctx context.Context, meta *storage.SessionMetadata) error {
	if err := o.store.SaveMetadata(ctx, meta); err != nil {
		return err
	}
	o.recordSaved(meta)
	return nil
}

func (o *Orchestrator) recordSaved(meta *storage.SessionMetadata) {
	cp := *meta
	o.mu.Lock()
	o.saved = &cp
	o.mu.Unlock()
}

// fanOut starts every enabled capability in parallel and installs the
// survivors as the active set. A required failure tears the survivors back
// down and is returned as a CapabilityStartError naming the stream.
func (o *Orchestrator) fanOut(ctx context.Context, meta *storage.SessionMetadata) error {
	o.mu.Lock()
	captureCh := o.captureCh
	o.mu.Unlock()

	var mu sync.Mutex
	active := make(map[storage.StreamKind]Capability)
	var degraded []storage.StreamKind

	g, gctx := errgroup.WithContext(ctx)
	enabled := 0
	for _, spec := range o.specs {
		if !meta.Config.Enabled(spec.Capability.Kind()) {
			continue
		}
		enabled++
		spec := spec
		g.Go(func() error {
			kind := spec.Capability.Kind()
			if err := spec.Capability.Start(gctx, meta.Config, captureCh); err != nil {
				if spec.Required {
					return &CapabilityStartError{Stream: kind, Err: err}
				}
				o.log.Warnf("session %s: %s capture unavailable, continuing without it: %v", meta.ID, kind, err)
				mu.Lock()
				degraded = append(degraded, kind)
				mu.Unlock()
				o.emit(NewCapabilityDegradedEvent(meta.ID, kind, err))
				return nil
			}
			mu.Lock()
			active[kind] = spec.Capability
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil && enabled > 0 && len(active) == 0 {
		err = &CapabilityStartError{Stream: degraded[0], Err: errAllStreamsFailed}
	}
	if err != nil {
		o.stopCapabilities(ctx, meta.ID, active)
		return err
	}

	o.mu.Lock()
	o.active = active
	o.degraded = append(o.degraded, degraded...)
	o.mu.Unlock()
	return nil
}

// Pause suspends all active capabilities and persists the paused status.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	meta := o.meta
	active := o.snapshotActiveLocked()
	o.mu.Unlock()

	for kind, c := range active {
		if err := c.Pause(); err != nil {
			o.dropCapability(ctx, meta.ID, kind, err)
		}
	}

	meta.Status = storage.StatusPaused
	if err := o.saveMetadata(ctx, meta); err != nil {
		// After error entry the capability handles are gone; Resume will
		// fan back out, so persisting the status is all recovery needs.
		o.enterError(err, StatePaused, func(ctx context.Context) error {
			return o.saveMetadata(ctx, meta)
		})
		return err
	}

	o.mu.Lock()
	o.state = StatePaused
	o.mu.Unlock()
	o.index.UpdateSession(meta)
	o.emit(NewSessionPausedEvent(meta.ID))
	return nil
}

// Resume restarts capture. Capabilities still holding handles get Resume;
// when the handles were cleared by an error recovery, the full start
// fan-out runs again with the stored session. A capability that fails to
// resume is dropped and the session continues degraded.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	meta := o.meta
	active := o.snapshotActiveLocked()
	o.mu.Unlock()

	if len(active) == 0 {
		if err := o.fanOut(ctx, meta); err != nil {
			// Recovery must also flip and persist the status, or store and
			// index would keep reporting paused for a recording session.
			o.enterError(err, StateRecording, func(ctx context.Context) error {
				if err := o.fanOut(ctx, meta); err != nil {
					return err
				}
				meta.Status = storage.StatusActive
				return o.saveMetadata(ctx, meta)
			})
			return err
		}
	} else {
		for kind, c := range active {
			if err := c.Resume(); err != nil {
				o.dropCapability(ctx, meta.ID, kind, err)
			}
		}
	}

	meta.Status = storage.StatusActive
	if err := o.saveMetadata(ctx, meta); err != nil {
		o.enterError(err, StateRecording, func(ctx context.Context) error {
			if err := o.saveMetadata(ctx, meta); err != nil {
				return err
			}
			return o.fanOut(ctx, meta)
		})
		return err
	}

	o.mu.Lock()
	o.state = StateRecording
	o.mu.Unlock()
	o.index.UpdateSession(meta)
	o.emit(NewSessionResumedEvent(meta.ID))
	return nil
}

// Stop flushes and halts every capability, waits out the pump, and commits
// the final metadata and summary in one transaction. Capabilities that miss
// the stop timeout are abandoned and listed in the result; their already
// delivered chunks are kept. A refused commit moves to the error state;
// Retry re-commits, Dismiss abandons the finalization.
func (o *Orchestrator) Stop(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.state != StateRecording && o.state != StatePaused {
		o.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	o.state = StateStopping
	meta := o.meta
	active := o.snapshotActiveLocked()
	o.active = nil
	pumpQuit := o.pumpQuit
	pumpDone := o.pumpDone
	o.captureCh = nil
	o.pumpQuit = nil
	o.pumpDone = nil
	o.mu.Unlock()

	o.emit(NewSessionStoppingEvent(meta.ID))

	forced := o.stopCapabilities(ctx, meta.ID, active)

	// The capture channel is never closed: an abandoned capability may still
	// hold it and emit past the deadline. The pump is told to drain and exit
	// instead, and stragglers land in the buffer until it is collected.
	if pumpQuit != nil {
		close(pumpQuit)
		<-pumpDone
	}

	o.mu.Lock()
	end := time.Now().UTC()
	meta.EndTime = &end
	meta.Duration = end.Sub(meta.StartTime).Seconds()
	meta.Status = storage.StatusCompleted
	degraded := append([]storage.StreamKind(nil), o.degraded...)
	transcripts := append([]string(nil), o.transcripts...)
	o.mu.Unlock()

	result := &Result{
		SessionID:       meta.ID,
		DegradedStreams: degraded,
		ForceTerminated: forced,
		StartedAt:       meta.StartTime,
		EndedAt:         end,
	}

	sum := o.generateSummary(ctx, meta, transcripts)

	commit := func(ctx context.Context) error {
		tx := o.store.Begin(meta.ID)
		tx.AddMetadata(meta)
		if sum != nil {
			tx.AddSummary(sum)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		o.recordSaved(meta)
		return nil
	}
	if err := commit(ctx); err != nil {
		o.log.Errorf("session %s: final commit refused: %v", meta.ID, err)
		o.enterError(err, StateIdle, commit)
		return nil, err
	}

	o.finishSession(meta)
	o.log.Infof("session %s: stopped after %.1fs (%d force-terminated)", meta.ID, meta.Duration, len(forced))
	return result, nil
}

// stopCapabilities stops every capability concurrently, bounded by the stop
// timeout. It returns the streams that had to be abandoned.
func (o *Orchestrator) stopCapabilities(ctx context.Context, sessionID string, active map[storage.StreamKind]Capability) []storage.StreamKind {
	if len(active) == 0 {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	defer cancel()

	type stopResult struct {
		kind storage.StreamKind
		err  error
	}
	done := make(chan stopResult, len(active))
	for kind, c := range active {
		go func(kind storage.StreamKind, c Capability) {
			done <- stopResult{kind: kind, err: c.Stop(stopCtx)}
		}(kind, c)
	}

	pending := make(map[storage.StreamKind]struct{}, len(active))
	for kind := range active {
		pending[kind] = struct{}{}
	}

	timeout := time.NewTimer(o.stopTimeout)
	defer timeout.Stop()

	var forced []storage.StreamKind
	for len(pending) > 0 {
		select {
		case r := <-done:
			delete(pending, r.kind)
			if r.err != nil {
				o.log.Warnf("session %s: %s capture stop reported: %v", sessionID, r.kind, r.err)
			}
		case <-timeout.C:
			for kind := range pending {
				o.log.Errorf("session %s: %s capture missed the stop deadline, abandoning it", sessionID, kind)
				o.emit(NewCapabilityForcedEvent(sessionID, kind))
				forced = append(forced, kind)
				delete(pending, kind)
			}
		}
	}
	return forced
}

func (o *Orchestrator) generateSummary(ctx context.Context, meta *storage.SessionMetadata, transcripts []string) *storage.Summary {
	if o.summarizer == nil {
		return nil
	}
	text, err := o.summarizer.Summarize(ctx, meta, transcripts)
	if err != nil {
		o.log.Warnf("session %s: summary generation failed, finishing without one: %v", meta.ID, err)
		return nil
	}
	return &storage.Summary{
		SessionID:   meta.ID,
		Text:        text,
		GeneratedBy: o.summarizer.Name(),
		CreatedAt:   time.Now().UTC(),
	}
}

// Retry re-runs the operation that put the orchestrator into the error
// state. On success the machine moves to the state the failed operation was
// heading for; on failure it stays in StateError.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateError {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	fn := o.retryFn
	next := o.resumeState
	meta := o.meta
	o.mu.Unlock()

	if err := fn(ctx); err != nil {
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		o.log.Warnf("retry failed, staying in error state: %v", err)
		return err
	}

	o.mu.Lock()
	o.lastErr = nil
	o.retryFn = nil
	o.state = next
	o.mu.Unlock()

	o.emit(NewErrorClearedEvent(sessionIDOf(meta), next))
	if next == StateIdle {
		o.finishSession(meta)
	} else if meta != nil {
		o.index.UpdateSession(meta)
	}
	o.log.Infof("retry succeeded, state is now %s", next)
	return nil
}

// Dismiss abandons the failed operation: anything already durably written
// stays on disk, and the orchestrator returns to idle.
func (o *Orchestrator) Dismiss(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateError {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	meta := o.meta
	saved := o.saved
	active := o.snapshotActiveLocked()
	pumpQuit := o.pumpQuit
	pumpDone := o.pumpDone
	o.mu.Unlock()

	o.stopCapabilities(ctx, sessionIDOf(meta), active)
	if pumpQuit != nil {
		close(pumpQuit)
		<-pumpDone
	}

	o.mu.Lock()
	o.lastErr = nil
	o.retryFn = nil
	o.clearSessionLocked()
	o.state = StateIdle
	o.mu.Unlock()

	// Only durably written metadata reaches the index; a session whose very
	// first save was refused must stay unsearchable.
	if saved != nil {
		o.index.UpdateSession(saved)
	}
	o.emit(NewErrorClearedEvent(sessionIDOf(meta), StateIdle))
	o.log.Infof("error dismissed, back to idle")
	return nil
}

// pump persists capture events in arrival order until quit is closed, then
// drains what is already buffered and exits. Stop and Dismiss wait on done
// before finalizing. The capture channel itself stays open for its lifetime
// so a capability emitting past the stop deadline cannot crash the process.
func (o *Orchestrator) pump(sessionID string, ch <-chan CaptureEvent, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-ch:
			o.persistEvent(sessionID, ev)
		case <-quit:
			for {
				select {
				case ev := <-ch:
					o.persistEvent(sessionID, ev)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) persistEvent(sessionID string, ev CaptureEvent) {
	ctx := context.Background()
	var err error
	switch ev.Kind {
	case storage.StreamScreenshot:
		err = o.store.AppendScreenshot(ctx, sessionID, ev.Screenshot)
	case storage.StreamAudio:
		err = o.store.AppendAudioSegment(ctx, sessionID, ev.Audio)
		if err == nil && ev.Audio.Transcript != "" {
			o.mu.Lock()
			o.transcripts = append(o.transcripts, ev.Audio.Transcript)
			o.mu.Unlock()
		}
	case storage.StreamVideo:
		o.mu.Lock()
		if o.meta != nil {
			o.meta.Video = ev.Video
		}
		o.mu.Unlock()
	}
	if err != nil {
		o.degradeStream(ctx, sessionID, ev.Kind, err)
	}
}

// degradeStream handles a failed chunk append. Per-chunk failures never
// abort the session: the producing stream is shut down and reported
// degraded while the remaining streams keep capturing. Chunks committed
// before the failure stay on disk.
func (o *Orchestrator) degradeStream(ctx context.Context, sessionID string, kind storage.StreamKind, err error) {
	o.mu.Lock()
	_, stillActive := o.active[kind]
	o.mu.Unlock()
	if !stillActive {
		o.log.Warnf("session %s: dropped one %s chunk after stream was degraded: %v", sessionID, kind, err)
		return
	}
	o.log.Errorf("session %s: %s append refused, degrading the stream: %v", sessionID, kind, err)
	o.dropCapability(ctx, sessionID, kind, err)
}

// enterError records the failure and the way out of it. Entry always clears
// the active capability handles so a stale handle cannot be reused after
// recovery; Resume and Retry fan capabilities back out from the specs.
func (o *Orchestrator) enterError(err error, resume State, retry func(ctx context.Context) error) {
	o.mu.Lock()
	o.state = StateError
	o.lastErr = err
	o.resumeState = resume
	o.retryFn = retry
	meta := o.meta
	active := o.snapshotActiveLocked()
	o.active = nil
	o.mu.Unlock()

	o.stopCapabilities(context.Background(), sessionIDOf(meta), active)

	notice := userNotice(err)
	o.log.Errorf("entering error state: %v", err)
	o.emit(NewErrorEvent(sessionIDOf(meta), err, notice))
}

// dropCapability removes a misbehaving capability mid-session. Its chunks
// so far are kept; the stream is reported degraded.
func (o *Orchestrator) dropCapability(ctx context.Context, sessionID string, kind storage.StreamKind, err error) {
	o.mu.Lock()
	c := o.active[kind]
	delete(o.active, kind)
	o.degraded = append(o.degraded, kind)
	o.mu.Unlock()

	if c != nil {
		stopCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
		if serr := c.Stop(stopCtx); serr != nil {
			o.log.Warnf("session %s: stopping degraded %s capture: %v", sessionID, kind, serr)
		}
		cancel()
	}
	o.log.Warnf("session %s: %s capture dropped mid-session: %v", sessionID, kind, err)
	o.emit(NewCapabilityDegradedEvent(sessionID, kind, err))
}

func (o *Orchestrator) finishSession(meta *storage.SessionMetadata) {
	o.mu.Lock()
	o.clearSessionLocked()
	o.state = StateIdle
	o.mu.Unlock()
	if meta != nil {
		o.index.UpdateSession(meta)
		o.emit(NewSessionStoppedEvent(meta.ID))
	}
}

func (o *Orchestrator) clearSessionLocked() {
	o.meta = nil
	o.saved = nil
	o.active = nil
	o.degraded = nil
	o.transcripts = nil
	o.captureCh = nil
	o.pumpQuit = nil
	o.pumpDone = nil
}

func (o *Orchestrator) snapshotActiveLocked() map[storage.StreamKind]Capability {
	snap := make(map[storage.StreamKind]Capability, len(o.active))
	for k, c := range o.active {
		snap[k] = c
	}
	return snap
}

func (o *Orchestrator) emit(ev Event) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.log.Debugf("event %s dropped, consumer not keeping up", ev.Type)
	}
}

func sessionIDOf(meta *storage.SessionMetadata) string {
	if meta == nil {
		return ""
	}
	return meta.ID
}
