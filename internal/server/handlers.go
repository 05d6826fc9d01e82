package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/patina-api/internal/patina"
)

// uploadField is the multipart form field carrying the input video.
const uploadField = "video"

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service        *patina.Service
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes limits the size of an uploaded input video.
// Zero or a negative value disables the limit.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		h.maxUploadBytes = n
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *patina.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /sessions requests. An empty body selects the
// defaults.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	sess, err := h.service.CreateSession(r.Context(), patina.CreateSessionInput{
		Iterations: req.Iterations,
		PushToS3:   req.PushToS3,
	})
	if err != nil {
		h.logger.Error("failed to create session",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create session", "SESSION_CREATION_FAILED")
		return
	}

	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

// ListSessions handles GET /sessions requests.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.List(r.Context())
	if err != nil {
		h.serviceError(w, "", err)
		return
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, newSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /sessions/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := h.service.Get(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// DeleteSession handles DELETE /sessions/{id} requests.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), sessionID); err != nil {
		h.serviceError(w, sessionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadSession handles POST /sessions/{id}/load requests.
func (h *Handlers) LoadSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := h.service.Load(r.Context(), sessionID)
	if err != nil {
		if sess != nil {
			h.logger.Error("engine load failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusServiceUnavailable, err.Error(), "ENGINE_LOAD_FAILED")
			return
		}
		h.serviceError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// UploadInput handles PUT /sessions/{id}/input requests. The video is read
// from the multipart field "video" and streamed to storage.
func (h *Handlers) UploadInput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	part, err := videoPart(r)
	if err != nil {
		h.logger.Warn("invalid upload",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "video file too large", "FILE_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_UPLOAD")
		return
	}
	defer func() { _ = part.Close() }()

	filename := filepath.Base(part.FileName())
	sess, err := h.service.Upload(r.Context(), sessionID, filename, part)
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "video file too large", "FILE_TOO_LARGE")
			return
		}
		h.serviceError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// SetIterations handles PUT /sessions/{id}/iterations requests.
func (h *Handlers) SetIterations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req SetIterationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	sess, err := h.service.SetIterations(r.Context(), sessionID, req.Iterations)
	if err != nil {
		h.serviceError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// StartRun handles POST /sessions/{id}/run requests. The run continues in the
// background; its progress is available from GetSession and Events.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.service.StartRun(r.Context(), sessionID); err != nil {
		h.serviceError(w, sessionID, err)
		return
	}

	h.logger.Info("run started", slog.String("session_id", sessionID))
	writeJSON(w, http.StatusAccepted, RunResponse{
		ID:    sessionID,
		State: string(patina.StateProcessing),
	})
}

// Reset handles POST /sessions/{id}/reset requests.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := h.service.Reset(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// GetOutput handles GET /sessions/{id}/output requests.
func (h *Handlers) GetOutput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	rc, video, err := h.service.OpenOutput(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, sessionID, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", video.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(video.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("output download interrupted",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Events handles GET /sessions/{id}/events requests with a server-sent event
// stream. The stream ends when the client goes away or the session is deleted.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	events, cancel, err := h.service.Subscribe(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, sessionID, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream not flushable",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// serviceError maps a service error to an HTTP response.
func (h *Handlers) serviceError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, patina.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
	case errors.Is(err, patina.ErrNoOutput):
		writeError(w, http.StatusNotFound, "no output video available", "NO_OUTPUT")
	case errors.Is(err, patina.ErrNoInput):
		writeError(w, http.StatusBadRequest, "please upload a video file first", "NO_INPUT")
	case errors.Is(err, patina.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session is processing", "SESSION_BUSY")
	case errors.Is(err, patina.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "session is not ready", "SESSION_NOT_READY")
	default:
		h.logger.Error("request failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// videoPart returns the multipart part holding the uploaded video.
func videoPart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("missing %q form field", uploadField)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// writeEvent writes e as one server-sent event.
func writeEvent(w io.Writer, e patina.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
	return err
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
