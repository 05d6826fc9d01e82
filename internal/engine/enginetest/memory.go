// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/maauso/patina-api/internal/engine"
)

// MemoryEngine is an in-memory engine.Engine. By default Execute copies the
// file named after "-i" to the last argument, which is enough for orchestration
// tests; ExecuteFunc replaces that behaviour.
type MemoryEngine struct {
	mu       sync.Mutex
	files    map[string][]byte
	ready    bool
	calls    [][]string
	inFlight int
	maxLive  int
	closed   bool

	subsMu sync.RWMutex
	subsID int
	subs   map[int]engine.LogFunc

	// Tracked, when set, selects the names counted by MaxTracked.
	Tracked func(name string) bool

	InitializeFunc func(ctx context.Context) error
	ExecuteFunc    func(ctx context.Context, argv []string) error
	DeleteFunc     func(name string) error
}

// New creates an empty MemoryEngine.
func New() *MemoryEngine {
	return &MemoryEngine{
		files: make(map[string][]byte),
		subs:  make(map[int]engine.LogFunc),
	}
}

// Initialize marks the engine ready unless InitializeFunc fails.
func (m *MemoryEngine) Initialize(ctx context.Context) error {
	if m.InitializeFunc != nil {
		if err := m.InitializeFunc(ctx); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrInitialization, err)
		}
	}
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.Emit("memory engine ready")
	return nil
}

func (m *MemoryEngine) checkReady() error {
	if !m.ready {
		return engine.ErrNotInitialized
	}
	return nil
}

// WriteFile stores data under name.
func (m *MemoryEngine) WriteFile(_ context.Context, name string, data io.Reader) error {
	if err := engine.ValidateName(name); err != nil {
		return err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return err
	}
	m.put(name, b)
	return nil
}

// put stores a file and updates the high-water mark. Callers hold m.mu.
func (m *MemoryEngine) put(name string, b []byte) {
	m.files[name] = b
	if m.Tracked == nil {
		return
	}
	live := 0
	for n := range m.files {
		if m.Tracked(n) {
			live++
		}
	}
	if live > m.maxLive {
		m.maxLive = live
	}
}

// Execute records argv and runs ExecuteFunc or the default copy behaviour.
func (m *MemoryEngine) Execute(ctx context.Context, argv []string) error {
	m.mu.Lock()
	if err := m.checkReady(); err != nil {
		m.mu.Unlock()
		return err
	}
	if len(argv) == 0 {
		m.mu.Unlock()
		return engine.ErrEmptyCommand
	}
	m.calls = append(m.calls, append([]string(nil), argv...))
	m.inFlight++
	if m.inFlight > 1 {
		m.mu.Unlock()
		panic("enginetest: concurrent Execute")
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, argv)
	}
	return m.CopyInputToOutput(argv)
}

// CopyInputToOutput implements the default Execute behaviour: the file after
// "-i" is copied to the last argument.
func (m *MemoryEngine) CopyInputToOutput(argv []string) error {
	in := ""
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == "-i" {
			in = argv[i+1]
			break
		}
	}
	out := argv[len(argv)-1]

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[in]
	if !ok {
		return &engine.ExecutionError{Args: argv, Message: in + ": No such file or directory"}
	}
	m.put(out, append([]byte(nil), data...))
	return nil
}

// ReadFile returns the named file.
func (m *MemoryEngine) ReadFile(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	data, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteFile removes name; absent names are ignored.
func (m *MemoryEngine) DeleteFile(_ context.Context, name string) error {
	if m.DeleteFunc != nil {
		if err := m.DeleteFunc(name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReady(); err != nil {
		return err
	}
	delete(m.files, name)
	return nil
}

// Files lists the namespace sorted by name.
func (m *MemoryEngine) Files(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for n := range m.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Subscribe registers fn for log lines published with Emit.
func (m *MemoryEngine) Subscribe(fn engine.LogFunc) func() {
	m.subsMu.Lock()
	id := m.subsID
	m.subsID++
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Emit publishes a log line to subscribers.
func (m *MemoryEngine) Emit(line string) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, fn := range m.subs {
		fn(line)
	}
}

// Close drops every file.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string][]byte)
	m.ready = false
	m.closed = true
	return nil
}

// Calls returns a copy of every argv passed to Execute.
func (m *MemoryEngine) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// MaxTracked returns the largest number of Tracked files seen at once.
func (m *MemoryEngine) MaxTracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

// Closed reports whether Close was called.
func (m *MemoryEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Put seeds a file without going through WriteFile.
func (m *MemoryEngine) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(name, data)
}

var _ engine.Engine = (*MemoryEngine)(nil)
