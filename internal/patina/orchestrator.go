package patina

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ideamans/go-l10n"

	"github.com/maauso/patina-api/internal/engine"
	"github.com/maauso/patina-api/internal/storage"
)

// OutputVerifier checks a finished output file before it is handed out.
type OutputVerifier interface {
	VerifyFile(ctx context.Context, path string) error
}

// MetricsRecorder receives run and command measurements.
type MetricsRecorder interface {
	RunStarted()
	RunFinished(success bool, elapsed time.Duration)
	CommandExecuted(elapsed time.Duration, err error)
	CleanupFailed()
}

type noopMetrics struct{}

func (noopMetrics) RunStarted() {}

func (noopMetrics) RunFinished(bool, time.Duration) {}

func (noopMetrics) CommandExecuted(time.Duration, error) {}

func (noopMetrics) CleanupFailed() {}

// Orchestrator drives one session's engine through patina runs. Commands are
// issued strictly one after another: each iteration reads the file the
// previous one wrote.
type Orchestrator struct {
	engine   engine.Engine
	store    storage.Storage
	logger   *slog.Logger
	schedule Schedule
	prescale bool
	verifier OutputVerifier
	metrics  MetricsRecorder
	observer multiObserver
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSchedule replaces the default degradation schedule. A schedule that
// fails Validate is ignored and the default is kept.
func WithSchedule(s Schedule) Option {
	return func(o *Orchestrator) {
		o.schedule = s
	}
}

// WithPrescale enables or disables the half-resolution pass before the
// iteration loop. Enabled by default.
func WithPrescale(enabled bool) Option {
	return func(o *Orchestrator) {
		o.prescale = enabled
	}
}

// WithVerifier sets a check applied to the final output.
func WithVerifier(v OutputVerifier) Option {
	return func(o *Orchestrator) {
		o.verifier = v
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithObserver adds an event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = append(o.observer, obs)
		}
	}
}

// NewOrchestrator creates an Orchestrator for eng. Input and output videos are
// read from and written to store.
func NewOrchestrator(eng engine.Engine, store storage.Storage, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		engine:   eng,
		store:    store,
		logger:   logger,
		schedule: DefaultSchedule(),
		prescale: true,
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.schedule.Validate(); err != nil {
		logger.Warn("ignoring invalid schedule, using default",
			slog.String("error", err.Error()),
		)
		o.schedule = DefaultSchedule()
	}
	return o
}

// Schedule returns the degradation schedule in use.
func (o *Orchestrator) Schedule() Schedule {
	return o.schedule
}

// Engine returns the orchestrated engine.
func (o *Orchestrator) Engine() engine.Engine {
	return o.engine
}

// Load initializes the engine for sess: Idle → Loading → Ready. A failed load
// returns the session to Idle so it can be retried. Loading an already loaded
// session is a no-op.
func (o *Orchestrator) Load(ctx context.Context, sess *Session) error {
	if err := sess.BeginLoad(); err != nil {
		if errors.Is(err, ErrSessionNotFound) || sess.GetState() == StateLoading {
			return err
		}
		return nil
	}
	o.status(sess, l10n.T("Loading engine..."))

	initErr := o.engine.Initialize(ctx)
	if err := sess.Loaded(initErr); err != nil {
		return err
	}
	if initErr != nil {
		msg := l10n.F("Engine failed to load: %s", initErr)
		sess.SetStatus(msg)
		o.notify(sess.ID, Event{Kind: EventFailed, Message: msg})
		o.logger.Error("engine initialization failed",
			slog.String("session_id", sess.ID),
			slog.String("error", initErr.Error()),
		)
		return initErr
	}

	o.status(sess, l10n.T("Engine ready"))
	return nil
}

// Run executes a complete patina run on sess. It is Begin followed by Process.
func (o *Orchestrator) Run(ctx context.Context, sess *Session) error {
	if err := o.Begin(sess); err != nil {
		return err
	}
	return o.Process(ctx, sess)
}

// Begin moves sess into Processing. It fails with ErrNoInput without touching
// the session when there is nothing to process, and with ErrSessionBusy when a
// run is already in progress.
func (o *Orchestrator) Begin(sess *Session) error {
	if err := sess.BeginRun(); err != nil {
		if errors.Is(err, ErrNoInput) {
			o.notify(sess.ID, Event{Kind: EventStatus, Message: l10n.T("Please upload a video file first")})
		}
		return err
	}
	o.metrics.RunStarted()
	return nil
}

// Process performs the run started by Begin and leaves sess Ready with an
// output, or Failed with the reason.
func (o *Orchestrator) Process(ctx context.Context, sess *Session) error {
	if sess.GetState() != StateProcessing {
		return ErrInvalidTransition
	}

	snap := sess.Clone()
	logger := o.logger.With(slog.String("session_id", sess.ID))
	start := time.Now()

	cancelLogs := o.engine.Subscribe(func(line string) {
		o.notify(sess.ID, Event{Kind: EventLog, Message: line})
	})
	defer cancelLogs()

	logger.Info("patina run started",
		slog.Int("iterations", snap.Iterations),
		slog.Bool("prescale", o.prescale),
		slog.Int64("input_bytes", snap.Input.Size),
	)

	output, runErr := o.process(ctx, sess, logger, snap.Input, snap.Iterations)
	elapsed := time.Since(start)

	if runErr != nil {
		msg := l10n.F("Patina processing failed: %s", runErr)
		sess.SetStatus(msg)
		if err := sess.Fail(runErr.Error()); err != nil {
			logger.Error("failed to mark session failed", slog.String("error", err.Error()))
		}
		o.notify(sess.ID, Event{Kind: EventFailed, Message: msg})
		o.metrics.RunFinished(false, elapsed)
		logger.Error("patina run failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", runErr.Error()),
		)
		return runErr
	}

	prev, err := sess.Complete(output)
	if err != nil {
		o.release(ctx, logger, output)
		return fmt.Errorf("complete session: %w", err)
	}
	o.release(ctx, logger, prev)

	msg := l10n.F("Patina complete! %d iterations processed", snap.Iterations)
	sess.SetStatus(msg)
	o.notify(sess.ID, Event{Kind: EventCompleted, Message: msg, Current: snap.Iterations, Total: snap.Iterations})
	o.metrics.RunFinished(true, elapsed)
	logger.Info("patina run completed",
		slog.Duration("elapsed", elapsed),
		slog.Int64("output_bytes", output.Size),
	)
	return nil
}

func (o *Orchestrator) process(ctx context.Context, sess *Session, logger *slog.Logger, input *Video, total int) (*Video, error) {
	// The input stays in the namespace until the run is over.
	defer o.deleteFile(ctx, logger, InputName)

	o.status(sess, l10n.T("Uploading video to engine..."))
	if err := o.writeInput(ctx, input); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	current := InputName
	if o.prescale {
		o.status(sess, l10n.T("Pre-processing video (scaling)..."))
		if err := o.execute(ctx, BuildPrescaleArgs(InputName, PrescaleName)); err != nil {
			o.discard(ctx, logger, PrescaleName)
			return nil, fmt.Errorf("pre-scale: %w", err)
		}
		current = PrescaleName
	}

	for i := 1; i <= total; i++ {
		p := o.schedule.At(i, total)
		next := IterationName(i)

		o.status(sess, l10n.F("Processing iteration %d/%d...", i, total))
		logger.Debug("executing iteration",
			slog.Int("iteration", i),
			slog.Int("total", total),
			slog.Int("crf", p.CRF),
			slog.Int("noise", p.Noise),
			slog.Float64("internal_scale", p.InternalScale),
			slog.Int("fps_cap", p.FrameRateCap),
		)

		if err := o.execute(ctx, BuildIterationArgs(current, next, p)); err != nil {
			o.discard(ctx, logger, current, next)
			return nil, fmt.Errorf("iteration %d/%d: %w", i, total, err)
		}

		sess.SetProgress(i)
		o.notify(sess.ID, Event{Kind: EventProgress, Current: i, Total: total})

		o.discard(ctx, logger, current)
		current = next
	}

	o.status(sess, l10n.T("Reading final output file..."))
	output, err := o.collect(ctx, current)
	o.discard(ctx, logger, current)
	if err != nil {
		return nil, err
	}
	return output, nil
}

func (o *Orchestrator) writeInput(ctx context.Context, input *Video) error {
	rc, err := o.store.LoadTemp(ctx, input.Path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return o.engine.WriteFile(ctx, InputName, rc)
}

func (o *Orchestrator) execute(ctx context.Context, argv []string) error {
	start := time.Now()
	err := o.engine.Execute(ctx, argv)
	o.metrics.CommandExecuted(time.Since(start), err)
	return err
}

// collect copies the final namespace file into storage as the session output.
func (o *Orchestrator) collect(ctx context.Context, name string) (*Video, error) {
	rc, err := o.engine.ReadFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: read final output: %w", engine.ErrExecution, err)
	}
	defer func() { _ = rc.Close() }()

	counter := &countingReader{r: rc}
	path, err := o.store.SaveTemp(ctx, "patina_output", counter)
	if err != nil {
		return nil, fmt.Errorf("save output: %w", err)
	}
	output := &Video{Name: DownloadName, Path: path, Size: counter.n}

	if o.verifier != nil {
		if err := o.verifier.VerifyFile(ctx, path); err != nil {
			o.release(ctx, o.logger, output)
			return nil, fmt.Errorf("%w: verify output: %w", engine.ErrExecution, err)
		}
	}
	return output, nil
}

// Reset clears sess and releases its stored videos. Rejected with
// ErrSessionBusy while a run is in progress.
func (o *Orchestrator) Reset(ctx context.Context, sess *Session) error {
	released, err := sess.Reset()
	if err != nil {
		return err
	}
	o.release(ctx, o.logger.With(slog.String("session_id", sess.ID)), released...)
	o.notify(sess.ID, Event{Kind: EventStatus, Message: l10n.T("Session reset")})
	return nil
}

// discard deletes intermediate namespace files. The input is never touched
// here; process removes it once the run is over.
func (o *Orchestrator) discard(ctx context.Context, logger *slog.Logger, names ...string) {
	for _, name := range names {
		if name == InputName {
			continue
		}
		o.deleteFile(ctx, logger, name)
	}
}

// deleteFile removes name from the namespace. Failures are logged, never returned.
func (o *Orchestrator) deleteFile(ctx context.Context, logger *slog.Logger, name string) {
	if err := o.engine.DeleteFile(context.WithoutCancel(ctx), name); err != nil {
		o.metrics.CleanupFailed()
		logger.Warn("failed to delete engine file",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}

// release removes stored videos. Failures are logged, never returned.
func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, videos ...*Video) {
	paths := make([]string, 0, len(videos))
	for _, v := range videos {
		if v != nil && v.Path != "" {
			paths = append(paths, v.Path)
		}
	}
	if len(paths) == 0 {
		return
	}
	if err := o.store.CleanupTemp(context.WithoutCancel(ctx), paths); err != nil {
		o.metrics.CleanupFailed()
		logger.Warn("failed to release stored videos",
			slog.Any("paths", paths),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) status(sess *Session, msg string) {
	sess.SetStatus(msg)
	o.notify(sess.ID, Event{Kind: EventStatus, Message: msg})
}

func (o *Orchestrator) notify(sessionID string, e Event) {
	if len(o.observer) == 0 {
		return
	}
	e.SessionID = sessionID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.observer.Notify(e)
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
