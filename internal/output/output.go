// Package output owns the lifecycle of generated clip files: per-job
// scratch directories, collision-free final names, publishing finished
// artifacts, and reclaiming everything when a job goes away.
//
// Paths are namespaced per job id, so concurrent jobs never contend on the
// filesystem. The scratch root is guarded with a file lock so two daemon
// instances cannot share (and clobber) one scratch area.
package output

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"jclipper/internal/planner"
	"jclipper/pkg/config"
)

// Manager allocates and reclaims artifact paths for render jobs.
type Manager struct {
	outputDir  string
	scratchDir string
	logger     *slog.Logger
	lock       *flock.Flock

	// publishMu makes probing for a free final name and moving the file
	// into it a single step. Without it two jobs with identical specs can
	// both pick the same name and the second move clobbers the first clip.
	publishMu sync.Mutex
}

// NewManager prepares the scratch and output roots. It takes an exclusive
// lock on the scratch root and, when configured, clears stale scratch
// contents left behind by a previous run.
func NewManager(cfg *config.OutputConfig, logger *slog.Logger) (*Manager, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.ScratchDirectory, ".jclipper.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock scratch directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("scratch directory %s is in use by another jclipper instance", cfg.ScratchDirectory)
	}

	m := &Manager{
		outputDir:  cfg.Directory,
		scratchDir: cfg.ScratchDirectory,
		logger:     logger,
		lock:       lock,
	}

	if cfg.ClearScratchOnStart {
		m.clearScratch()
	}

	return m, nil
}

// Close releases the scratch directory lock.
func (m *Manager) Close() error {
	return m.lock.Unlock()
}

// clearScratch removes leftover job directories from a previous run.
func (m *Manager) clearScratch() {
	entries, err := os.ReadDir(m.scratchDir)
	if err != nil {
		m.logger.Warn("Failed to read scratch directory", "error", err)
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.Name() == ".jclipper.lock" {
			continue
		}
		path := filepath.Join(m.scratchDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Error("Failed to clear stale scratch entry", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("Cleared stale scratch entries", "count", removed)
	}
}

// JobDir returns the scratch directory for a job, creating it if needed.
func (m *Manager) JobDir(jobID string) (string, error) {
	dir := filepath.Join(m.scratchDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

// PreviewPath returns the path of a job's preview artifact. Previews are
// always mp4 regardless of the requested final format, for in-browser
// playback.
func (m *Manager) PreviewPath(jobID string) string {
	return filepath.Join(m.scratchDir, jobID, "preview.mp4")
}

// ScratchFinalPath returns the in-progress path of a job's final artifact.
func (m *Manager) ScratchFinalPath(jobID string, format planner.Format) string {
	return filepath.Join(m.scratchDir, jobID, "final."+format.Extension())
}

// LogPath returns the path of a job's transcode log.
func (m *Manager) LogPath(jobID string) string {
	return filepath.Join(m.scratchDir, jobID, "ffmpeg.log")
}

// WriteJobLog writes the captured transcode output atomically, so a status
// poll never reads a half-written log.
func (m *Manager) WriteJobLog(jobID, content string) error {
	if err := atomic.WriteFile(m.LogPath(jobID), strings.NewReader(content)); err != nil {
		return fmt.Errorf("failed to write job log: %w", err)
	}
	return nil
}

// ReadJobLog returns the captured transcode output for a job, or "" when
// none has been written yet.
func (m *Manager) ReadJobLog(jobID string) string {
	data, err := os.ReadFile(m.LogPath(jobID))
	if err != nil {
		return ""
	}
	return string(data)
}

// FinalName derives the published file name for a spec:
// Name_start_to_end_WxH[pN].ext with characters unsafe in file names
// replaced.
func FinalName(spec *planner.RenderSpec) string {
	name := sanitize(spec.MediaName)
	start := timeToken(spec.ClipStart)
	end := timeToken(spec.ClipEnd)

	padding := ""
	if spec.Padding > 0 {
		padding = fmt.Sprintf("p%g", spec.Padding.Seconds())
	}

	return fmt.Sprintf("%s_%s_to_%s_%dx%d%s.%s",
		name, start, end, spec.TargetWidth, spec.TargetHeight, padding, spec.Format.Extension())
}

// timeToken formats a clip offset as HH-MM-SS.mmm for use inside a file name.
func timeToken(d time.Duration) string {
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond
	return fmt.Sprintf("%02d-%02d-%02d.%03d", hours, minutes, seconds, millis)
}

// sanitize makes a display name safe for file names and S3 keys.
func sanitize(name string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"(", "_",
		")", "_",
		",", "_",
		"/", "_",
		"\\", "_",
		":", "-",
	)
	return strings.Trim(replacer.Replace(name), "_")
}

// Publish moves a job's finished final artifact from scratch into the
// output root under its derived name, avoiding collisions with files owned
// by other jobs. Returns the published path.
func (m *Manager) Publish(jobID string, spec *planner.RenderSpec) (string, error) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	src := m.ScratchFinalPath(jobID, spec.Format)

	name := FinalName(spec)
	dst := filepath.Join(m.outputDir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(m.outputDir, fmt.Sprintf("%s-%d%s", base, n, ext))
	}

	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}

	m.logger.Info("Published clip", "job_id", jobID, "path", dst)
	return dst, nil
}

// moveFile renames when possible and falls back to an atomic copy across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := atomic.WriteFile(dst, in); err != nil {
		return err
	}
	return os.Remove(src)
}

// CleanupJob removes every scratch artifact belonging to a job.
func (m *Manager) CleanupJob(jobID string) error {
	dir := filepath.Join(m.scratchDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}
	m.logger.Debug("Removed job scratch directory", "job_id", jobID)
	return nil
}

// RemoveArtifact deletes a file previously produced by this manager. The
// path must live under the scratch or output root; anything else is
// rejected.
func (m *Manager) RemoveArtifact(path string) error {
	if !m.owns(path) {
		return fmt.Errorf("refusing to remove %s: outside managed roots", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

// Open opens a managed artifact for serving. The returned file supports
// seeking, which the HTTP layer relies on for byte-range requests.
func (m *Manager) Open(path string) (*os.File, os.FileInfo, error) {
	if !m.owns(path) {
		return nil, nil, fmt.Errorf("refusing to serve %s: outside managed roots", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// owns reports whether path resolves inside the scratch or output root.
func (m *Manager) owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range []string{m.scratchDir, m.outputDir} {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// OutputDir returns the published clips root.
func (m *Manager) OutputDir() string {
	return m.outputDir
}
