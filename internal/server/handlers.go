package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"jclipper/internal/jobs"
	"jclipper/internal/library"
	"jclipper/internal/planner"
	"jclipper/internal/subtitle"
	"jclipper/internal/upload"
)

// APIResponse is the envelope for every JSON API reply.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// createClipRequest is the body of POST /api/clips. A selection is either a
// cue range or a pair of SRT-style timestamps.
type createClipRequest struct {
	MediaID        string  `json:"media_id"`
	StartCue       *int    `json:"start_cue,omitempty"`
	EndCue         *int    `json:"end_cue,omitempty"`
	Start          string  `json:"start,omitempty"`
	End            string  `json:"end,omitempty"`
	PaddingSeconds float64 `json:"padding_seconds,omitempty"`
	ScaleFactor    float64 `json:"scale_factor,omitempty"`
	Format         string  `json:"format,omitempty"`
	AudioStream    *int    `json:"audio_stream,omitempty"`
}

// clipResponse is the job view returned by the clip endpoints.
type clipResponse struct {
	ID          string              `json:"id"`
	State       jobs.State          `json:"state"`
	Spec        *planner.RenderSpec `json:"spec"`
	ErrorDetail string              `json:"error_detail,omitempty"`
	TimedOut    bool                `json:"timed_out,omitempty"`
	PreviewURL  string              `json:"preview_url,omitempty"`
	FileURL     string              `json:"file_url,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func clipView(job jobs.Job) clipResponse {
	resp := clipResponse{
		ID:          job.ID,
		State:       job.State,
		Spec:        job.Spec,
		ErrorDetail: job.ErrorDetail,
		TimedOut:    job.TimedOut,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if job.PreviewPath != "" {
		resp.PreviewURL = "/clips/" + job.ID + "/preview"
	}
	if job.State == jobs.StateReady {
		resp.FileURL = "/clips/" + job.ID + "/file"
	}
	return resp
}

// handleHealth provides a simple liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Server is healthy",
	})
}

// handleLibrary returns the current library tree.
func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	tree := s.components.Library.Tree()
	if tree == nil {
		tree = &library.Tree{}
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    tree,
	})
}

// handleRescan triggers a synchronous library rescan. A scan already in
// flight is reported as a conflict rather than queued.
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if err := s.components.Library.Rescan(r.Context()); err != nil {
		s.writeMappedError(w, err)
		return
	}

	tree := s.components.Library.Tree()
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Library rescanned",
		Data: map[string]interface{}{
			"items":      tree.Items(),
			"scanned_at": tree.ScannedAt,
		},
	})
}

// handleSubtitles returns the parsed cues of an item's subtitle track.
func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	item, ok := s.components.Library.Item(chi.URLParam(r, "id"))
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "Media item not found", nil)
		return
	}
	if !item.SubtitleAvailable() {
		s.writeErrorResponse(w, http.StatusNotFound, "Media item has no subtitle track", nil)
		return
	}

	result, err := subtitle.ParseFile(item.SubtitlePath)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to parse subtitle track", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"language": item.SubtitleLang,
			"cues":     result.Cues,
			"skipped":  result.Skipped,
		},
	})
}

// handleMediaInfo returns the probed properties of a media item.
func (s *Server) handleMediaInfo(w http.ResponseWriter, r *http.Request) {
	item, ok := s.components.Library.Item(chi.URLParam(r, "id"))
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "Media item not found", nil)
		return
	}

	info, err := s.components.Prober.Probe(r.Context(), item.Path)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to probe media", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    info,
	})
}

// handleCreateClip validates a render request and starts the pipeline.
// Returns 202 with the job id; progress is available via polling or the
// websocket.
func (s *Server) handleCreateClip(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.writeErrorResponse(w, http.StatusTooManyRequests, "Render rate limit exceeded", nil)
		return
	}

	var req createClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, ok := s.components.Library.Item(req.MediaID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "Media item not found", nil)
		return
	}

	planReq, err := s.buildPlanRequest(item, &req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	spec, err := s.components.Planner.Plan(r.Context(), planReq)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	job, err := s.components.Orchestrator.Render(spec)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to start render", err)
		return
	}

	s.writeJSONResponse(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    clipView(job),
	})
}

// buildPlanRequest translates the wire request into a planner request.
func (s *Server) buildPlanRequest(item *library.Item, req *createClipRequest) (*planner.Request, error) {
	sel := planner.Selection{
		StartCue: req.StartCue,
		EndCue:   req.EndCue,
	}

	if req.Start != "" || req.End != "" {
		start, err := subtitle.ParseTimestamp(req.Start)
		if err != nil {
			return nil, &planner.ValidationError{Field: "start", Reason: planner.ReasonBadSelection, Detail: err.Error()}
		}
		end, err := subtitle.ParseTimestamp(req.End)
		if err != nil {
			return nil, &planner.ValidationError{Field: "end", Reason: planner.ReasonBadSelection, Detail: err.Error()}
		}
		sel.Start, sel.End = &start, &end
	}

	format := planner.FormatMP4
	if req.Format != "" {
		parsed, err := planner.ParseFormat(req.Format)
		if err != nil {
			return nil, &planner.ValidationError{Field: "format", Reason: planner.ReasonBadFormat, Detail: err.Error()}
		}
		format = parsed
	}

	scale := req.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}

	return &planner.Request{
		Item:        item,
		Selection:   sel,
		Padding:     time.Duration(req.PaddingSeconds * float64(time.Second)),
		ScaleFactor: scale,
		Format:      format,
		AudioStream: req.AudioStream,
	}, nil
}

// handleClipStatus returns the current state of a render job.
func (s *Server) handleClipStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.components.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    clipView(job),
	})
}

// handleCancelClip cancels a job and reclaims its artifacts.
func (s *Server) handleCancelClip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.components.Store.Cancel(id); err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Clip cancelled",
	})
}

// handleUploadClip pushes a finished clip to the configured object store.
func (s *Server) handleUploadClip(w http.ResponseWriter, r *http.Request) {
	if s.components.Uploader == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "No object store configured", nil)
		return
	}

	job, err := s.components.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if job.State != jobs.StateReady {
		s.writeErrorResponse(w, http.StatusConflict, "Clip is not ready for upload", nil)
		return
	}

	url, err := s.components.Uploader.Upload(r.Context(), job.FinalPath, job.Spec.Format)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{"url": url},
	})
}

// handleHistory lists persisted finished clips, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.components.History.List()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read history", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    records,
	})
}

// handleHistoryDelete removes one persisted clip and its file.
func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.components.History.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Clip deleted",
	})
}

// handleHistoryClear removes every persisted clip.
func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.components.History.Clear()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to clear history", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "History cleared",
		Data:    map[string]int{"removed": removed},
	})
}

// writeMappedError translates domain errors into HTTP status codes.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var verr *planner.ValidationError
	var uerr *upload.UploadError

	switch {
	case errors.As(err, &verr):
		s.writeJSONResponse(w, http.StatusUnprocessableEntity, APIResponse{
			Success: false,
			Error:   verr.Error(),
			Data: map[string]string{
				"field":  verr.Field,
				"reason": verr.Reason,
				"detail": verr.Detail,
			},
		})
	case errors.Is(err, jobs.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, library.ErrScanInProgress):
		s.writeErrorResponse(w, http.StatusConflict, "Library scan already in progress", err)
	case errors.As(err, &uerr):
		s.writeErrorResponse(w, http.StatusBadGateway, "Upload failed", err)
	default:
		s.writeErrorResponse(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// writeJSONResponse writes a JSON response with the specified status code.
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response with the specified status
// code and message.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	s.logger.Error("HTTP error response",
		"status", statusCode,
		"message", message,
		"error", err)

	errorMsg := message
	if err != nil {
		errorMsg = err.Error()
	}

	s.writeJSONResponse(w, statusCode, APIResponse{
		Success: false,
		Error:   errorMsg,
		Message: message,
	})
}
