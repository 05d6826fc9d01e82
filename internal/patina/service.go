package patina

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ideamans/go-l10n"

	"github.com/maauso/patina-api/internal/engine"
	"github.com/maauso/patina-api/internal/storage"
)

// ErrNoOutput is returned when a session has no finished video to serve.
var ErrNoOutput = errors.New("no output video")

// EngineFactory creates the engine instance backing one session.
type EngineFactory func(sessionID string) (engine.Engine, error)

// ServiceMetrics records service-level measurements in addition to the
// per-run ones.
type ServiceMetrics interface {
	MetricsRecorder
	SessionCreated()
}

// CreateSessionInput contains the parameters for a new session.
type CreateSessionInput struct {
	// Iterations is the target pass count. Zero selects the default.
	Iterations int
	// PushToS3 indicates whether finished outputs are uploaded to S3.
	PushToS3 bool
}

// Service manages sessions: it owns one engine and one Orchestrator per
// session and runs patina passes in the background.
type Service struct {
	repo      Repository
	store     storage.Storage
	newEngine EngineFactory
	hub       *Hub
	logger    *slog.Logger
	metrics   ServiceMetrics

	orchestratorOpts  []Option
	defaultIterations int

	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
	runs          sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithOrchestratorOptions sets options applied to every session's Orchestrator.
func WithOrchestratorOptions(opts ...Option) ServiceOption {
	return func(s *Service) {
		s.orchestratorOpts = append(s.orchestratorOpts, opts...)
	}
}

// WithServiceMetrics sets the metrics recorder for the service and its
// orchestrators.
func WithServiceMetrics(m ServiceMetrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDefaultIterations sets the pass count used when a session is created
// without one.
func WithDefaultIterations(n int) ServiceOption {
	return func(s *Service) {
		s.defaultIterations = ClampIterations(n)
	}
}

// WithHub sets the event hub sessions publish to.
func WithHub(h *Hub) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.hub = h
		}
	}
}

// NewService creates a new Service.
func NewService(repo Repository, store storage.Storage, newEngine EngineFactory, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:              repo,
		store:             store,
		newEngine:         newEngine,
		hub:               NewHub(64),
		logger:            logger,
		defaultIterations: DefaultIterations,
		orchestrators:     make(map[string]*Orchestrator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the event hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// CreateSession creates a session, gives it an engine and loads it. A failed
// load does not fail creation: the session stays Idle with the error recorded
// and the load can be retried with Load.
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error) {
	sess := New()
	sess.Iterations = s.defaultIterations
	if input.Iterations != 0 {
		sess.Iterations = ClampIterations(input.Iterations)
	}
	sess.PushToS3 = input.PushToS3

	s.logger.Info("creating new session",
		slog.String("session_id", sess.ID),
		slog.Int("iterations", sess.Iterations),
		slog.Bool("push_to_s3", sess.PushToS3),
	)

	eng, err := s.newEngine(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	opts := append([]Option{WithObserver(s.hub)}, s.orchestratorOpts...)
	if s.metrics != nil {
		opts = append(opts, WithMetrics(s.metrics))
	}
	orch := NewOrchestrator(eng, s.store, s.logger, opts...)

	if err := s.repo.Save(ctx, sess); err != nil {
		_ = eng.Close()
		s.logger.Error("failed to save session",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.mu.Lock()
	s.orchestrators[sess.ID] = orch
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionCreated()
	}

	if err := orch.Load(ctx, sess); err != nil {
		s.logger.Warn("session created with unloaded engine",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	return sess, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns all sessions.
func (s *Service) List(ctx context.Context) ([]*Session, error) {
	return s.repo.List(ctx)
}

// Count returns the number of sessions.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orchestrators)
}

// Load retries the engine initialization of a session.
func (s *Service) Load(ctx context.Context, id string) (*Session, error) {
	sess, orch, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := orch.Load(ctx, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// Upload stores data as the new input video of a session. The previous input
// and output are released.
func (s *Service) Upload(ctx context.Context, id, filename string, data io.Reader) (*Session, error) {
	sess, orch, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsProcessing() {
		return nil, ErrSessionBusy
	}

	counter := &countingReader{r: data}
	path, err := s.store.SaveTemp(ctx, "input", counter)
	if err != nil {
		return nil, fmt.Errorf("save input: %w", err)
	}
	video := &Video{Name: filename, Path: path, Size: counter.n}

	released, err := sess.SetInput(video)
	if err != nil {
		orch.release(ctx, s.logger, video)
		return nil, err
	}
	orch.release(ctx, s.logger, released...)

	s.logger.Info("input video selected",
		slog.String("session_id", sess.ID),
		slog.String("filename", filename),
		slog.Float64("size_mb", video.SizeMB()),
	)
	return sess, nil
}

// SetIterations changes the target pass count of a session.
func (s *Service) SetIterations(ctx context.Context, id string, n int) (*Session, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sess.SetIterations(n); err != nil {
		return nil, err
	}
	return sess, nil
}

// StartRun begins a run and processes it in the background. Precondition
// failures (ErrNoInput, ErrSessionBusy, ErrInvalidTransition) are returned
// synchronously; the outcome of the run itself is recorded on the session.
func (s *Service) StartRun(ctx context.Context, id string) error {
	sess, orch, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := orch.Begin(sess); err != nil {
		return err
	}

	// The run outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		_ = s.process(runCtx, sess, orch)
	}()
	return nil
}

// Run performs a complete run synchronously.
func (s *Service) Run(ctx context.Context, id string) error {
	sess, orch, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := orch.Begin(sess); err != nil {
		return err
	}
	return s.process(ctx, sess, orch)
}

func (s *Service) process(ctx context.Context, sess *Session, orch *Orchestrator) error {
	if err := orch.Process(ctx, sess); err != nil {
		return err
	}
	if sess.PushToS3 {
		s.publish(ctx, sess, orch)
	}
	return nil
}

// publish uploads the session output to object storage. A failed upload is
// logged and reported as status; the output stays available locally.
func (s *Service) publish(ctx context.Context, sess *Session, orch *Orchestrator) {
	snap := sess.Clone()
	if snap.Output == nil {
		return
	}
	logger := s.logger.With(slog.String("session_id", sess.ID))
	orch.status(sess, l10n.T("Uploading output to object storage..."))

	rc, err := s.store.LoadTemp(ctx, snap.Output.Path)
	if err != nil {
		logger.Error("failed to open output for upload", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = rc.Close() }()

	url, err := s.store.UploadToS3(ctx, storage.OutputKey(sess.ID, DownloadName), rc)
	if err != nil {
		logger.Error("failed to upload output", slog.String("error", err.Error()))
		orch.status(sess, err.Error())
		return
	}

	sess.SetOutputURL(url)
	logger.Info("output uploaded", slog.String("url", url))
}

// Reset clears a session's input, output and progress.
func (s *Service) Reset(ctx context.Context, id string) (*Session, error) {
	sess, orch, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := orch.Reset(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// OpenOutput opens the finished video of a session. The caller closes the
// returned reader.
func (s *Service) OpenOutput(ctx context.Context, id string) (io.ReadCloser, *Video, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	output := sess.Clone().Output
	if output == nil {
		return nil, nil, ErrNoOutput
	}
	rc, err := s.store.LoadTemp(ctx, output.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return rc, output, nil
}

// Subscribe returns the event stream of a session.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(id)
	return ch, cancel, nil
}

// Delete removes a session, closes its engine and releases its videos.
// Rejected with ErrSessionBusy while a run is in progress. Operations racing
// with Delete fail with ErrSessionNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, orch, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	// Runs can no longer start once the session is marked.
	if err := sess.MarkDeleted(); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.orchestrators, id)
	s.mu.Unlock()

	snap := sess.Clone()
	orch.release(ctx, s.logger, snap.Input, snap.Output)
	s.closeEngine(id, orch)
	s.hub.CloseSession(id)

	s.logger.Info("session deleted", slog.String("session_id", id))
	return nil
}

// Close waits for background runs to settle, then closes every engine.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}

	s.mu.Lock()
	orchestrators := s.orchestrators
	s.orchestrators = make(map[string]*Orchestrator)
	s.mu.Unlock()

	for id, orch := range orchestrators {
		s.closeEngine(id, orch)
		s.hub.CloseSession(id)
	}
	return nil
}

func (s *Service) closeEngine(id string, orch *Orchestrator) {
	if err := orch.Engine().Close(); err != nil {
		s.logger.Warn("failed to close engine",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) lookup(ctx context.Context, id string) (*Session, *Orchestrator, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	orch, ok := s.orchestrators[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	return sess, orch, nil
}
