// Package server provides the HTTP API of the patina service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/patina-api/internal/patina"
)

// CreateSessionRequest is the HTTP request body for creating a session.
type CreateSessionRequest struct {
	// Iterations is the target pass count. Zero selects the server default.
	Iterations int `json:"iterations" validate:"omitempty,min=1,max=100"`
	// PushToS3 indicates whether to upload finished videos to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// SetIterationsRequest is the HTTP request body for changing the pass count.
type SetIterationsRequest struct {
	Iterations int `json:"iterations" validate:"required,min=1,max=100"`
}

// VideoResponse describes a stored video.
type VideoResponse struct {
	Name   string  `json:"name"`
	Size   int64   `json:"size"`
	SizeMB float64 `json:"size_mb"`
}

// SessionResponse is the HTTP representation of a session.
type SessionResponse struct {
	// ID is the unique identifier for the session.
	ID string `json:"id"`
	// State is the lifecycle state.
	State string `json:"state"`
	// Iterations is the target pass count.
	Iterations int `json:"iterations"`
	// Current is the last completed iteration of the active run.
	Current int `json:"current"`
	// Progress is the percentage of completion (0-100) of the active run.
	Progress int `json:"progress"`
	// Status is the latest human-readable status text.
	Status string `json:"status,omitempty"`
	// Error contains the reason of the last failure.
	Error string `json:"error,omitempty"`
	// PushToS3 indicates whether finished videos are uploaded to S3.
	PushToS3 bool `json:"push_to_s3"`
	// Input is the selected source video.
	Input *VideoResponse `json:"input,omitempty"`
	// Output is the finished video, downloadable from OutputPath.
	Output *VideoResponse `json:"output,omitempty"`
	// OutputPath is the API path of the finished video.
	OutputPath string `json:"output_path,omitempty"`
	// VideoURL is the S3 URL of the finished video.
	VideoURL    string     `json:"video_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunResponse is the HTTP response after a run was accepted.
type RunResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

func newVideoResponse(v *patina.Video) *VideoResponse {
	if v == nil {
		return nil
	}
	return &VideoResponse{
		Name:   v.Name,
		Size:   v.Size,
		SizeMB: v.SizeMB(),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// newSessionResponse builds the response from a snapshot of sess.
func newSessionResponse(sess *patina.Session) SessionResponse {
	snap := sess.Clone()
	resp := SessionResponse{
		ID:          snap.ID,
		State:       string(snap.State),
		Iterations:  snap.Iterations,
		Current:     snap.Current,
		Progress:    snap.Progress(),
		Status:      snap.Status,
		Error:       snap.Error,
		PushToS3:    snap.PushToS3,
		Input:       newVideoResponse(snap.Input),
		Output:      newVideoResponse(snap.Output),
		VideoURL:    snap.OutputURL,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
		StartedAt:   optionalTime(snap.StartedAt),
		CompletedAt: optionalTime(snap.CompletedAt),
	}
	if snap.Output != nil {
		resp.OutputPath = "/sessions/" + snap.ID + "/output"
	}
	return resp
}
