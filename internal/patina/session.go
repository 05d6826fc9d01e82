// Package patina implements the patina effect: a video is re-encoded through a
// chain of degrading filters many times over, each pass consuming the previous
// pass's output. It contains the Session aggregate and its state machine, the
// degradation schedule, the filter-chain builder and the orchestrator that
// drives an engine.Engine through a run.
package patina

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/patina-api/internal/patina/id"
)

// State represents the lifecycle state of a Session.
type State string

const (
	// StateIdle indicates the engine has not been loaded, or a load failed.
	StateIdle State = "IDLE"
	// StateLoading indicates the engine is being initialized.
	StateLoading State = "LOADING"
	// StateReady indicates the session can start a run.
	StateReady State = "READY"
	// StateProcessing indicates a run is in progress.
	StateProcessing State = "PROCESSING"
	// StateFailed indicates the last run failed. A new run may be started.
	StateFailed State = "FAILED"
)

// Static errors for session operations.
var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNoInput is returned when a run is requested without an input video.
	ErrNoInput = errors.New("no input video")
	// ErrSessionBusy is returned when an operation is rejected because a run is in progress.
	ErrSessionBusy = errors.New("session is processing")
)

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StateIdle:       {StateLoading},
	StateLoading:    {StateReady, StateIdle},
	StateReady:      {StateProcessing},
	StateProcessing: {StateReady, StateFailed},
	StateFailed:     {StateProcessing, StateReady},
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Video is a handle to a video file held in temporary storage.
type Video struct {
	// Name is the original or suggested filename.
	Name string
	// Path is the temporary storage path.
	Path string
	// Size is the file size in bytes.
	Size int64
}

// SizeMB returns the size in megabytes.
func (v *Video) SizeMB() float64 {
	if v == nil {
		return 0
	}
	return float64(v.Size) / 1024 / 1024
}

// Session is the state of one patina workspace: its input, its output and the
// progress of the current run. All methods are safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	// ID is the unique identifier for this session.
	ID string
	// State is the current lifecycle state.
	State State
	// Input is the selected source video.
	Input *Video
	// Output is the result of the last successful run.
	Output *Video
	// OutputURL is set when the output was pushed to S3.
	OutputURL string
	// PushToS3 indicates whether finished outputs are uploaded to S3.
	PushToS3 bool
	// Iterations is the target pass count for a run.
	Iterations int
	// Current is the last completed iteration of the active run.
	Current int
	// Status is the latest human-readable status text.
	Status string
	// Error contains the failure reason of the last run, or of a failed load.
	Error string
	// CreatedAt is when the session was created.
	CreatedAt time.Time
	// UpdatedAt is when the session was last updated.
	UpdatedAt time.Time
	// StartedAt is when the current or last run started.
	StartedAt time.Time
	// CompletedAt is when the last run finished.
	CompletedAt time.Time

	// deleted is set by MarkDeleted; a deleted session accepts no new work.
	deleted bool
}

// New creates a Session with a generated ID in the Idle state.
func New() *Session {
	return NewWithID(id.Generate())
}

// NewWithID creates a Session with the specified ID in the Idle state.
func NewWithID(sessionID string) *Session {
	now := time.Now()
	return &Session{
		ID:         sessionID,
		State:      StateIdle,
		Iterations: DefaultIterations,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// transitionLocked changes state. Callers hold s.mu.
func (s *Session) transitionLocked(to State) error {
	if !canTransition(s.State, to) {
		return ErrInvalidTransition
	}
	s.State = to
	s.UpdatedAt = time.Now()
	switch to {
	case StateProcessing:
		s.StartedAt = s.UpdatedAt
	case StateReady, StateFailed:
		if !s.StartedAt.IsZero() {
			s.CompletedAt = s.UpdatedAt
		}
	}
	return nil
}

// TransitionTo attempts to change the session state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (s *Session) TransitionTo(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(state)
}

// BeginLoad moves an Idle session to Loading.
func (s *Session) BeginLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrSessionNotFound
	}
	return s.transitionLocked(StateLoading)
}

// Loaded records the outcome of an engine load: Ready on success, back to
// Idle with the error message otherwise.
func (s *Session) Loaded(loadErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loadErr != nil {
		s.Error = loadErr.Error()
		return s.transitionLocked(StateIdle)
	}
	s.Error = ""
	return s.transitionLocked(StateReady)
}

// BeginRun starts a run. It fails with ErrNoInput, leaving the session
// untouched, when no input is selected, and with ErrSessionBusy when a run is
// already in progress.
func (s *Session) BeginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrSessionNotFound
	}
	if s.Input == nil {
		return ErrNoInput
	}
	if s.State == StateProcessing {
		return ErrSessionBusy
	}
	if err := s.transitionLocked(StateProcessing); err != nil {
		return err
	}
	s.Current = 0
	s.Error = ""
	return nil
}

// SetProgress records the last completed iteration.
func (s *Session) SetProgress(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Current = current
	s.UpdatedAt = time.Now()
}

// SetStatus records the latest status text.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.UpdatedAt = time.Now()
}

// Complete finishes a run with its output and returns to Ready. The replaced
// output, if any, is returned so its file can be released.
func (s *Session) Complete(output *Video) (*Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateReady); err != nil {
		return nil, err
	}
	prev := s.Output
	s.Output = output
	s.OutputURL = ""
	s.Current = 0
	return prev, nil
}

// Fail finishes a run with an error message.
func (s *Session) Fail(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateFailed); err != nil {
		return err
	}
	s.Error = errMsg
	s.Current = 0
	return nil
}

// SetInput selects a new input video and clears the previous output. The
// replaced videos are returned so their files can be released.
func (s *Session) SetInput(v *Video) ([]*Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, ErrSessionNotFound
	}
	if s.State == StateProcessing {
		return nil, ErrSessionBusy
	}
	released := collect(s.Input, s.Output)
	s.Input = v
	s.Output = nil
	s.OutputURL = ""
	s.Current = 0
	s.UpdatedAt = time.Now()
	return released, nil
}

// SetIterations sets the target pass count, clamped to the allowed range.
func (s *Session) SetIterations(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateProcessing {
		return ErrSessionBusy
	}
	s.Iterations = ClampIterations(n)
	s.UpdatedAt = time.Now()
	return nil
}

// SetOutputURL records where the output was published.
func (s *Session) SetOutputURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OutputURL = url
	s.UpdatedAt = time.Now()
}

// Reset clears input, output and progress. A Failed session returns to Ready.
// Rejected with ErrSessionBusy while processing. The released videos are
// returned so their files can be removed.
func (s *Session) Reset() ([]*Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, ErrSessionNotFound
	}
	if s.State == StateProcessing {
		return nil, ErrSessionBusy
	}
	released := collect(s.Input, s.Output)
	s.Input = nil
	s.Output = nil
	s.OutputURL = ""
	s.Current = 0
	s.Status = ""
	if s.State == StateFailed {
		s.Error = ""
		if err := s.transitionLocked(StateReady); err != nil {
			return nil, err
		}
	}
	s.UpdatedAt = time.Now()
	return released, nil
}

// MarkDeleted retires the session. It fails with ErrSessionBusy while a run is
// in progress; afterwards BeginLoad, BeginRun, SetInput and Reset fail with
// ErrSessionNotFound.
func (s *Session) MarkDeleted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateProcessing {
		return ErrSessionBusy
	}
	s.deleted = true
	return nil
}

// GetState returns the current state (thread-safe).
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// IsProcessing reports whether a run is in progress.
func (s *Session) IsProcessing() bool {
	return s.GetState() == StateProcessing
}

// Progress returns the completion percentage of the active run.
func (s *Session) Progress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Iterations == 0 {
		return 0
	}
	return s.Current * 100 / s.Iterations
}

// Clone creates a copy of the session for safe reads.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Session{
		ID:          s.ID,
		State:       s.State,
		Input:       cloneVideo(s.Input),
		Output:      cloneVideo(s.Output),
		OutputURL:   s.OutputURL,
		PushToS3:    s.PushToS3,
		Iterations:  s.Iterations,
		Current:     s.Current,
		Status:      s.Status,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

func cloneVideo(v *Video) *Video {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func collect(videos ...*Video) []*Video {
	out := make([]*Video, 0, len(videos))
	for _, v := range videos {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}
