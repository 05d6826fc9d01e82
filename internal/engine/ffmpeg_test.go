package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
}

// createTestVideo creates a short test clip with ffmpeg.
func createTestVideo(t *testing.T, path string) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", "color=c=blue:s=64x64:d=1",
		"-f", "lavfi",
		"-i", "anullsrc=r=22050:cl=mono:d=1",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-c:a", "aac",
		"-shortest",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}
}

func newReadyEngine(t *testing.T) *FFmpegEngine {
	t.Helper()
	skipIfNoFFmpeg(t)
	e := NewFFmpegEngine("", filepath.Join(t.TempDir(), "ns"))
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewFFmpegEngine(t *testing.T) {
	t.Run("default path", func(t *testing.T) {
		e := NewFFmpegEngine("", "/tmp/ns")
		assert.Equal(t, "ffmpeg", e.ffmpegPath)
		assert.Equal(t, "/tmp/ns", e.Dir())
	})

	t.Run("custom path", func(t *testing.T) {
		e := NewFFmpegEngine("/usr/local/bin/ffmpeg", "/tmp/ns")
		assert.Equal(t, "/usr/local/bin/ffmpeg", e.ffmpegPath)
	})
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"input.mp4", false},
		{"iter001.mp4", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../escape.mp4", true},
		{"dir/file.mp4", true},
		{`dir\file.mp4`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFFmpegEngine_NotInitialized(t *testing.T) {
	e := NewFFmpegEngine("", t.TempDir())
	ctx := context.Background()

	assert.ErrorIs(t, e.WriteFile(ctx, "a.mp4", strings.NewReader("x")), ErrNotInitialized)
	assert.ErrorIs(t, e.Execute(ctx, []string{"-version"}), ErrNotInitialized)
	_, err := e.ReadFile(ctx, "a.mp4")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.DeleteFile(ctx, "a.mp4"), ErrNotInitialized)
	_, err = e.Files(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestFFmpegEngine_InitializeMissingBinary(t *testing.T) {
	e := NewFFmpegEngine(filepath.Join(t.TempDir(), "no-such-ffmpeg"), t.TempDir())

	err := e.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialization)

	// Still not usable after a failed initialization.
	assert.ErrorIs(t, e.DeleteFile(context.Background(), "x.mp4"), ErrNotInitialized)
}

func TestFFmpegEngine_InitializeIdempotent(t *testing.T) {
	skipIfNoFFmpeg(t)
	e := NewFFmpegEngine("", filepath.Join(t.TempDir(), "ns"))
	defer func() { _ = e.Close() }()

	var mu sync.Mutex
	var lines []string
	cancel := e.Subscribe(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Initialize(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1, "banner is emitted once")
	assert.Contains(t, lines[0], "ffmpeg")

	info, err := os.Stat(e.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFFmpegEngine_FileLifecycle(t *testing.T) {
	e := newReadyEngine(t)
	ctx := context.Background()

	require.NoError(t, e.WriteFile(ctx, "input.mp4", strings.NewReader("first")))
	require.NoError(t, e.WriteFile(ctx, "input.mp4", strings.NewReader("second")))

	rc, err := e.ReadFile(ctx, "input.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "second", string(data))

	files, err := e.Files(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"input.mp4"}, files)

	require.NoError(t, e.DeleteFile(ctx, "input.mp4"))
	require.NoError(t, e.DeleteFile(ctx, "input.mp4"), "deleting an absent file is not an error")

	_, err = e.ReadFile(ctx, "input.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, e.WriteFile(ctx, "../x.mp4", strings.NewReader("x")), ErrInvalidName)
}

func TestFFmpegEngine_Execute(t *testing.T) {
	e := newReadyEngine(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src.mp4")
	createTestVideo(t, src)
	f, err := os.Open(src)
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(ctx, "input.mp4", f))
	_ = f.Close()

	t.Run("success writes output into namespace", func(t *testing.T) {
		var mu sync.Mutex
		count := 0
		cancel := e.Subscribe(func(string) {
			mu.Lock()
			count++
			mu.Unlock()
		})
		defer cancel()

		err := e.Execute(ctx, []string{"-y", "-i", "input.mp4", "-c:v", "libx264", "-preset", "ultrafast", "out.mp4"})
		require.NoError(t, err)

		files, err := e.Files(ctx)
		require.NoError(t, err)
		assert.Contains(t, files, "out.mp4")

		mu.Lock()
		assert.Positive(t, count, "log lines are published")
		mu.Unlock()
	})

	t.Run("failure returns ExecutionError with engine message", func(t *testing.T) {
		err := e.Execute(ctx, []string{"-i", "missing.mp4", "never.mp4"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrExecution)

		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Contains(t, execErr.Message, "missing.mp4")
		assert.Equal(t, []string{"-i", "missing.mp4", "never.mp4"}, execErr.Args)
	})

	t.Run("empty command", func(t *testing.T) {
		assert.ErrorIs(t, e.Execute(ctx, nil), ErrEmptyCommand)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := e.Execute(cctx, []string{"-i", "input.mp4", "cancelled.mp4"})
		require.Error(t, err)
	})
}

func TestExecutionError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &ExecutionError{Args: []string{"-i", "a"}, Message: "  Invalid argument\n", Err: cause}

	assert.Equal(t, "ffmpeg error: Invalid argument", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, fmt.Errorf("iteration 3: %w", err), ErrExecution)

	noMsg := &ExecutionError{Err: cause}
	assert.Equal(t, "ffmpeg error: exit status 1", noMsg.Error())
}

func TestScanLogLines(t *testing.T) {
	input := "line one\nframe=1\rframe=2\r\n\nlast"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanLogLines)

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"line one", "frame=1", "frame=2", "last"}, got)
}

func TestTailBuffer(t *testing.T) {
	tail := &tailBuffer{n: 2}
	tail.add("a")
	tail.add("b")
	tail.add("c")
	assert.Equal(t, "b\nc", tail.String())
}

func TestLogHub_Unsubscribe(t *testing.T) {
	hub := newLogHub()
	var got []string
	cancel := hub.subscribe(func(line string) { got = append(got, line) })

	hub.emit("one")
	cancel()
	cancel()
	hub.emit("two")

	assert.Equal(t, []string{"one"}, got)
}
