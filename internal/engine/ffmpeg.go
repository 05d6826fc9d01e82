package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// stderrTailLines is how many trailing ffmpeg output lines an ExecutionError keeps.
const stderrTailLines = 20

// Compile-time check that FFmpegEngine implements Engine.
var _ Engine = (*FFmpegEngine)(nil)

// FFmpegEngine implements Engine using the ffmpeg CLI. Its namespace is a
// private working directory; commands run with that directory as cwd so that
// argv refers to files by bare name.
type FFmpegEngine struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	dir        string
	logs       *logHub

	initMu   sync.Mutex
	ready    bool
	resolved string

	// execMu keeps at most one command in flight.
	execMu sync.Mutex
}

// NewFFmpegEngine creates an engine whose namespace lives in dir.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
// The directory is created by Initialize.
func NewFFmpegEngine(ffmpegPath, dir string) *FFmpegEngine {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegEngine{
		ffmpegPath: ffmpegPath,
		dir:        dir,
		logs:       newLogHub(),
	}
}

// Dir returns the namespace directory.
func (e *FFmpegEngine) Dir() string {
	return e.dir
}

// Initialize locates the ffmpeg binary, checks that it runs and creates the
// namespace directory.
func (e *FFmpegEngine) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.ready {
		return nil
	}

	path, err := exec.LookPath(e.ffmpegPath)
	if err != nil {
		return fmt.Errorf("%w: locate ffmpeg: %w", ErrInitialization, err)
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, path, "-hide_banner", "-version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrInitialization, ctx.Err())
		}
		return fmt.Errorf("%w: run ffmpeg -version: %w, stderr: %s", ErrInitialization, err, stderr.String())
	}

	if err := os.MkdirAll(e.dir, 0750); err != nil {
		return fmt.Errorf("%w: create namespace directory: %w", ErrInitialization, err)
	}

	if banner, _, _ := strings.Cut(stdout.String(), "\n"); banner != "" {
		e.logs.emit(strings.TrimSpace(banner))
	}

	e.resolved = path
	e.ready = true
	return nil
}

func (e *FFmpegEngine) checkReady() error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if !e.ready {
		return ErrNotInitialized
	}
	return nil
}

func (e *FFmpegEngine) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(e.dir, name), nil
}

// WriteFile stores data under name. The file is written to a temporary name
// first and renamed into place.
func (e *FFmpegEngine) WriteFile(ctx context.Context, name string, data io.Reader) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	dst, err := e.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(e.dir, ".write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Execute runs ffmpeg with argv. Output lines are published to subscribers as
// they are produced; on failure the last lines become the error message.
func (e *FFmpegEngine) Execute(ctx context.Context, argv []string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if len(argv) == 0 {
		return ErrEmptyCommand
	}

	e.execMu.Lock()
	defer e.execMu.Unlock()

	// #nosec G204 - binary is resolved at initialization, argv is built by the orchestrator
	cmd := exec.CommandContext(ctx, e.resolved, argv...)
	cmd.Dir = e.dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return &ExecutionError{Args: argv, Message: err.Error(), Err: err}
	}

	tail := &tailBuffer{n: stderrTailLines}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLogLines)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		e.logs.emit(line)
	}
	// Drain whatever is left so Wait does not block on a full pipe.
	_, _ = io.Copy(io.Discard, stderr)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &ExecutionError{
			Args:    argv,
			Message: tail.String(),
			Err:     err,
		}
	}
	return nil
}

// ReadFile opens the named file for reading.
func (e *FFmpegEngine) ReadFile(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	p, err := e.path(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.Open(p) // #nosec G304 - name is validated as a flat file name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// DeleteFile removes name if present.
func (e *FFmpegEngine) DeleteFile(_ context.Context, name string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	p, err := e.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Files lists the namespace, sorted by name. In-progress writes are skipped.
func (e *FFmpegEngine) Files(_ context.Context) ([]string, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("read namespace: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".write-") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Subscribe registers fn for engine log lines.
func (e *FFmpegEngine) Subscribe(fn LogFunc) func() {
	return e.logs.subscribe(fn)
}

// Close removes the namespace directory and everything in it. The engine has
// to be initialized again before further use.
func (e *FFmpegEngine) Close() error {
	e.initMu.Lock()
	e.ready = false
	e.initMu.Unlock()

	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("remove namespace: %w", err)
	}
	return nil
}
