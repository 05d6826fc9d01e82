package patina

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ideamans/go-l10n"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/patina-api/internal/engine"
	"github.com/maauso/patina-api/internal/engine/enginetest"
	"github.com/maauso/patina-api/internal/storage"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeMetrics struct {
	mu              sync.Mutex
	started         int
	succeeded       int
	failed          int
	commands        int
	commandFailures int
	cleanupFailures int
	sessions        int
}

func (m *fakeMetrics) RunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) RunFinished(success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.succeeded++
	} else {
		m.failed++
	}
}

func (m *fakeMetrics) CommandExecuted(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands++
	if err != nil {
		m.commandFailures++
	}
}

func (m *fakeMetrics) CleanupFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFailures++
}

func (m *fakeMetrics) SessionCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions++
}

type failingVerifier struct{}

func (failingVerifier) VerifyFile(context.Context, string) error {
	return errors.New("not an mp4")
}

type orchestratorFixture struct {
	orch    *Orchestrator
	engine  *enginetest.MemoryEngine
	store   *storage.LocalStorage
	events  *eventRecorder
	metrics *fakeMetrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *orchestratorFixture {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &orchestratorFixture{
		engine:  enginetest.New(),
		store:   store,
		events:  &eventRecorder{},
		metrics: &fakeMetrics{},
	}
	f.engine.Tracked = IsIntermediate

	base := []Option{WithObserver(f.events), WithMetrics(f.metrics)}
	f.orch = NewOrchestrator(f.engine, store, discardLogger(), append(base, opts...)...)
	return f
}

// session returns a loaded session with content selected as its input.
func (f *orchestratorFixture) session(t *testing.T, content string, iterations int) *Session {
	t.Helper()
	ctx := context.Background()

	sess := NewWithID("sess-test")
	require.NoError(t, f.orch.Load(ctx, sess))

	if content != "" {
		path, err := f.store.SaveTemp(ctx, "input", strings.NewReader(content))
		require.NoError(t, err)
		_, err = sess.SetInput(&Video{Name: "clip.mov", Path: path, Size: int64(len(content))})
		require.NoError(t, err)
	}
	require.NoError(t, sess.SetIterations(iterations))
	return sess
}

// ioOf returns the input and output names of an argv.
func ioOf(argv []string) (string, string) {
	return valueAfter(argv, "-i"), argv[len(argv)-1]
}

func readAll(t *testing.T, store storage.Storage, path string) string {
	t.Helper()
	rc, err := store.LoadTemp(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestOrchestrator_Load(t *testing.T) {
	f := newFixture(t)
	sess := NewWithID("sess-test")

	require.NoError(t, f.orch.Load(context.Background(), sess))
	assert.Equal(t, StateReady, sess.GetState())

	statuses := f.events.ofKind(EventStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, l10n.T("Loading engine..."), statuses[0].Message)
	assert.Equal(t, l10n.T("Engine ready"), statuses[1].Message)
	assert.Equal(t, "sess-test", statuses[0].SessionID)

	// loading again is a no-op
	require.NoError(t, f.orch.Load(context.Background(), sess))
	assert.Len(t, f.events.ofKind(EventStatus), 2)
}

func TestOrchestrator_LoadFailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	f.engine.InitializeFunc = func(context.Context) error {
		return errors.New("binary missing")
	}
	sess := NewWithID("sess-test")

	err := f.orch.Load(context.Background(), sess)
	require.ErrorIs(t, err, engine.ErrInitialization)
	assert.Equal(t, StateIdle, sess.GetState())
	assert.Contains(t, sess.Clone().Error, "binary missing")
	require.Len(t, f.events.ofKind(EventFailed), 1)

	f.engine.InitializeFunc = nil
	require.NoError(t, f.orch.Load(context.Background(), sess))
	assert.Equal(t, StateReady, sess.GetState())
	assert.Empty(t, sess.Clone().Error)
}

func TestOrchestrator_RunSingleIteration(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "source video", 1)

	require.NoError(t, f.orch.Run(context.Background(), sess))

	calls := f.engine.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, BuildPrescaleArgs(InputName, PrescaleName), calls[0])
	in, out := ioOf(calls[1])
	assert.Equal(t, PrescaleName, in)
	assert.Equal(t, IterationName(1), out)

	snap := sess.Clone()
	assert.Equal(t, StateReady, snap.State)
	require.NotNil(t, snap.Output)
	assert.Equal(t, DownloadName, snap.Output.Name)
	assert.Equal(t, int64(len("source video")), snap.Output.Size)
	assert.Equal(t, "source video", readAll(t, f.store, snap.Output.Path))
	assert.Equal(t, 0, snap.Current)
	assert.Equal(t, l10n.F("Patina complete! %d iterations processed", 1), snap.Status)

	progress := f.events.ofKind(EventProgress)
	require.Len(t, progress, 1)
	assert.Equal(t, 1, progress[0].Current)
	assert.Equal(t, 1, progress[0].Total)

	completed := f.events.ofKind(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].Total)

	files, err := f.engine.Files(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOrchestrator_RunIterationOrder(t *testing.T) {
	f := newFixture(t, WithPrescale(false))
	sess := f.session(t, "abc", 10)

	require.NoError(t, f.orch.Run(context.Background(), sess))

	calls := f.engine.Calls()
	require.Len(t, calls, 10)

	prevOut := InputName
	prevCRF := 0
	seen := make(map[string]bool)
	for i, argv := range calls {
		in, out := ioOf(argv)
		assert.Equal(t, prevOut, in, "call %d input", i+1)
		assert.Equal(t, IterationName(i+1), out, "call %d output", i+1)
		assert.False(t, seen[out], "duplicate output %s", out)
		seen[out] = true

		crf, err := strconv.Atoi(valueAfter(argv, "-crf"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, crf, prevCRF)
		prevCRF = crf
		prevOut = out
	}

	assert.LessOrEqual(t, f.engine.MaxTracked(), 2)

	progress := f.events.ofKind(EventProgress)
	require.Len(t, progress, 10)
	for i, e := range progress {
		assert.Equal(t, i+1, e.Current)
		assert.Equal(t, 10, e.Total)
	}
}

func TestOrchestrator_RunWithPrescale(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "abc", 30)

	require.NoError(t, f.orch.Run(context.Background(), sess))

	calls := f.engine.Calls()
	require.Len(t, calls, 31)
	_, first := ioOf(calls[0])
	assert.Equal(t, PrescaleName, first)
	_, last := ioOf(calls[30])
	assert.Equal(t, IterationName(30), last)
	assert.LessOrEqual(t, f.engine.MaxTracked(), 2)

	assert.Equal(t, 1, f.metrics.started)
	assert.Equal(t, 1, f.metrics.succeeded)
	assert.Equal(t, 31, f.metrics.commands)
}

func TestOrchestrator_RunFailureMidway(t *testing.T) {
	f := newFixture(t, WithPrescale(false))
	f.engine.ExecuteFunc = func(_ context.Context, argv []string) error {
		if _, out := ioOf(argv); out == IterationName(3) {
			return &engine.ExecutionError{Args: argv, Message: "Conversion failed!"}
		}
		return f.engine.CopyInputToOutput(argv)
	}
	sess := f.session(t, "abc", 10)

	err := f.orch.Run(context.Background(), sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrExecution)

	assert.Len(t, f.engine.Calls(), 3)

	snap := sess.Clone()
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "Conversion failed!")
	assert.Nil(t, snap.Output)
	assert.NotNil(t, snap.Input)

	progress := f.events.ofKind(EventProgress)
	assert.Len(t, progress, 2)

	failed := f.events.ofKind(EventFailed)
	require.Len(t, failed, 1)
	assert.True(t, strings.HasPrefix(failed[0].Message, l10n.F("Patina processing failed: %s", "")))

	files, err := f.engine.Files(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)

	assert.Equal(t, 1, f.metrics.failed)
	assert.Equal(t, 1, f.metrics.commandFailures)

	// a failed session can run again
	f.engine.ExecuteFunc = nil
	require.NoError(t, f.orch.Run(context.Background(), sess))
	assert.Equal(t, StateReady, sess.GetState())
}

func TestOrchestrator_RunWithoutInput(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "", 5)
	before := sess.Clone()

	err := f.orch.Run(context.Background(), sess)
	require.ErrorIs(t, err, ErrNoInput)

	after := sess.Clone()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Empty(t, f.engine.Calls())
	assert.Equal(t, 0, f.metrics.started)

	statuses := f.events.ofKind(EventStatus)
	require.NotEmpty(t, statuses)
	assert.Equal(t, l10n.T("Please upload a video file first"), statuses[len(statuses)-1].Message)
}

func TestOrchestrator_RejectsWhileProcessing(t *testing.T) {
	f := newFixture(t, WithPrescale(false))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.engine.ExecuteFunc = func(_ context.Context, argv []string) error {
		once.Do(func() { close(started) })
		<-release
		return f.engine.CopyInputToOutput(argv)
	}
	sess := f.session(t, "abc", 3)
	input := sess.Clone().Input

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(context.Background(), sess)
	}()
	<-started

	assert.ErrorIs(t, f.orch.Reset(context.Background(), sess), ErrSessionBusy)
	assert.ErrorIs(t, f.orch.Run(context.Background(), sess), ErrSessionBusy)
	assert.Equal(t, input, sess.Clone().Input)
	assert.Equal(t, StateProcessing, sess.GetState())

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, f.engine.Calls(), 3)

	require.NoError(t, f.orch.Reset(context.Background(), sess))
	first := sess.Clone()
	require.NoError(t, f.orch.Reset(context.Background(), sess))
	second := sess.Clone()

	for _, s := range []*Session{first, second} {
		assert.Equal(t, StateReady, s.State)
		assert.Nil(t, s.Input)
		assert.Nil(t, s.Output)
		assert.Equal(t, 0, s.Current)
	}
	assert.NoFileExists(t, input.Path)
}

func TestOrchestrator_MissingFinalOutput(t *testing.T) {
	f := newFixture(t, WithPrescale(false))
	f.engine.ExecuteFunc = func(context.Context, []string) error {
		return nil
	}
	sess := f.session(t, "abc", 1)

	err := f.orch.Run(context.Background(), sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrExecution)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.Equal(t, StateFailed, sess.GetState())
}

func TestOrchestrator_VerifierRejectsOutput(t *testing.T) {
	f := newFixture(t, WithPrescale(false), WithVerifier(failingVerifier{}))
	sess := f.session(t, "abc", 2)

	err := f.orch.Run(context.Background(), sess)
	require.ErrorIs(t, err, engine.ErrExecution)
	assert.Equal(t, StateFailed, sess.GetState())
	assert.Nil(t, sess.Clone().Output)

	// only the input remains in storage
	entries, err := os.ReadDir(f.store.TempDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOrchestrator_CleanupFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t, WithPrescale(false))
	f.engine.DeleteFunc = func(string) error {
		return errors.New("permission denied")
	}
	sess := f.session(t, "abc", 4)

	require.NoError(t, f.orch.Run(context.Background(), sess))
	assert.Equal(t, StateReady, sess.GetState())
	assert.Positive(t, f.metrics.cleanupFailures)
}

func TestOrchestrator_ForwardsEngineLogs(t *testing.T) {
	f := newFixture(t, WithPrescale(false))
	f.engine.ExecuteFunc = func(_ context.Context, argv []string) error {
		f.engine.Emit("frame=  10 fps=0.0")
		return f.engine.CopyInputToOutput(argv)
	}
	sess := f.session(t, "abc", 2)

	require.NoError(t, f.orch.Run(context.Background(), sess))

	logs := f.events.ofKind(EventLog)
	require.Len(t, logs, 2)
	assert.Equal(t, "frame=  10 fps=0.0", logs[0].Message)

	f.engine.Emit("after run")
	assert.Len(t, f.events.ofKind(EventLog), 2)
}

func TestOrchestrator_RerunReplacesOutput(t *testing.T) {
	f := newFixture(t, WithPrescale(false))
	sess := f.session(t, "abc", 1)

	require.NoError(t, f.orch.Run(context.Background(), sess))
	first := sess.Clone().Output

	require.NoError(t, f.orch.Run(context.Background(), sess))
	second := sess.Clone().Output

	assert.NotEqual(t, first.Path, second.Path)
	assert.NoFileExists(t, first.Path)
	assert.FileExists(t, second.Path)
}

func TestOrchestrator_ProcessRequiresBegin(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "abc", 1)

	assert.ErrorIs(t, f.orch.Process(context.Background(), sess), ErrInvalidTransition)
	assert.Empty(t, f.engine.Calls())
}

func TestOrchestrator_CustomSchedule(t *testing.T) {
	s := DefaultSchedule()
	s.BaseCRF = 30
	f := newFixture(t, WithPrescale(false), WithSchedule(s))
	sess := f.session(t, "abc", 1)

	require.NoError(t, f.orch.Run(context.Background(), sess))
	assert.Equal(t, "30", valueAfter(f.engine.Calls()[0], "-crf"))
}

func TestOrchestrator_InvalidScheduleFallsBackToDefault(t *testing.T) {
	s := DefaultSchedule()
	s.BaseCRF = 30
	s.CRFEvery = 0
	s.NoiseCycle = 0
	require.ErrorIs(t, s.Validate(), ErrInvalidSchedule)

	f := newFixture(t, WithPrescale(false), WithSchedule(s))
	assert.Equal(t, DefaultSchedule(), f.orch.Schedule())

	sess := f.session(t, "abc", 3)
	require.NoError(t, f.orch.Run(context.Background(), sess))

	assert.Equal(t, StateReady, sess.GetState())
	calls := f.engine.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "21", valueAfter(calls[2], "-crf"))
}
