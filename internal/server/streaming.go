package server

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"jclipper/internal/jobs"
)

// handleServePreview streams a job's preview artifact. Previews exist from
// the moment the preview pass finishes, while the final render is still
// running.
func (s *Server) handleServePreview(w http.ResponseWriter, r *http.Request) {
	job, err := s.components.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if job.PreviewPath == "" {
		s.writeErrorResponse(w, http.StatusConflict, "Preview is not ready yet", nil)
		return
	}

	s.serveArtifact(w, r, job.PreviewPath, "video/mp4", false)
}

// handleServeFinal streams a job's published clip. ?download=1 switches the
// disposition from inline playback to attachment.
func (s *Server) handleServeFinal(w http.ResponseWriter, r *http.Request) {
	job, err := s.components.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if job.State != jobs.StateReady || job.FinalPath == "" {
		s.writeErrorResponse(w, http.StatusConflict, "Clip is not ready yet", nil)
		return
	}

	download := r.URL.Query().Get("download") == "1"
	s.serveArtifact(w, r, job.FinalPath, job.Spec.Format.MIMEType(), download)
}

// handleServeHistory streams a clip from the persistent history. Unlike the
// job routes this survives job eviction and daemon restarts; any listed
// history record is servable for playback or download.
func (s *Server) handleServeHistory(w http.ResponseWriter, r *http.Request) {
	record, err := s.components.History.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	download := r.URL.Query().Get("download") == "1"
	s.serveArtifact(w, r, record.Path, record.Format.MIMEType(), download)
}

// serveArtifact serves one managed file with HTTP Range support.
// http.ServeContent handles Range, If-Modified-Since and HEAD; seeking
// works because Open returns a real *os.File.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, path, mimeType string, attachment bool) {
	f, info, err := s.components.Outputs.Open(path)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "Artifact not found", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", mimeType)
	if attachment {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	} else {
		w.Header().Set("Content-Disposition", "inline")
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
