// Package engine adapts an external media-processing engine (ffmpeg) to a small
// command/file contract: files are written into and read out of a flat, per-engine
// namespace and commands are executed against it one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Static errors for engine operations.
var (
	// ErrInitialization is returned when the engine runtime cannot be located or started.
	ErrInitialization = errors.New("engine: initialization failed")
	// ErrNotInitialized is returned when an operation is attempted before Initialize succeeded.
	ErrNotInitialized = errors.New("engine: not initialized")
	// ErrExecution is matched by every command failure reported by Execute.
	ErrExecution = errors.New("engine: execution failed")
	// ErrNotFound is returned when a file is absent from the namespace.
	ErrNotFound = errors.New("engine: file not found")
	// ErrInvalidName is returned for names that are not flat file names.
	ErrInvalidName = errors.New("engine: invalid file name")
	// ErrEmptyCommand is returned when Execute is called without arguments.
	ErrEmptyCommand = errors.New("engine: empty command")
)

// LogFunc receives one engine log line.
type LogFunc func(line string)

// Engine is the contract between the patina orchestrator and the media engine.
type Engine interface {
	// Initialize prepares the engine runtime. It is idempotent once it has
	// succeeded and may be retried after a failure.
	Initialize(ctx context.Context) error

	// WriteFile stores data under name, overwriting any existing file.
	WriteFile(ctx context.Context, name string, data io.Reader) error

	// Execute runs one command described by argv against the namespace.
	// Failures are reported as *ExecutionError.
	Execute(ctx context.Context, argv []string) error

	// ReadFile opens the named file. Returns ErrNotFound if it is absent.
	// The caller is responsible for closing the returned ReadCloser.
	ReadFile(ctx context.Context, name string) (io.ReadCloser, error)

	// DeleteFile removes name. Deleting an absent file is not an error.
	DeleteFile(ctx context.Context, name string) error

	// Files lists the names currently present in the namespace.
	Files(ctx context.Context) ([]string, error)

	// Subscribe registers fn for engine log lines until cancel is called.
	Subscribe(fn LogFunc) (cancel func())

	// Close releases the namespace.
	Close() error
}

// ExecutionError represents a failed engine command, including the tail of the
// engine's own output.
type ExecutionError struct {
	Args    []string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("ffmpeg error: %s", msg)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports ExecutionError as an ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// ValidateName checks that name is a flat file name usable in the namespace.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
