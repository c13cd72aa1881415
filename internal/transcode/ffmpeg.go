// Package transcode drives ffmpeg to cut clips out of library media.
//
// The two-phase model mirrors the serving flow: a fast, low-quality preview
// is produced first so the user can check their selection, then the full
// quality final render runs in the background. Both phases are plain ffmpeg
// subprocesses killed through context cancellation.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"jclipper/internal/planner"
	"jclipper/pkg/config"
)

// Phase names a render pass.
type Phase string

const (
	PhasePreview Phase = "preview"
	PhaseFinal   Phase = "final"
)

// TranscodeError carries ffmpeg's diagnostic output alongside the failure.
type TranscodeError struct {
	Phase   Phase
	Output  string
	Timeout bool
	Err     error
}

func (e *TranscodeError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s transcode timed out: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s transcode failed: %v", e.Phase, e.Err)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// Transcoder produces one artifact from a render spec. Implementations must
// honor context cancellation by killing the underlying work.
type Transcoder interface {
	Transcode(ctx context.Context, spec *planner.RenderSpec, phase Phase, dst string) (string, error)
}

// FFmpeg runs the ffmpeg binary as a subprocess.
type FFmpeg struct {
	path         string
	previewWidth int
	threads      int
	logCommands  bool
	logger       *slog.Logger
}

// NewFFmpeg creates an ffmpeg-backed transcoder from the transcode
// configuration.
func NewFFmpeg(cfg *config.TranscodeConfig, logger *slog.Logger) (*FFmpeg, error) {
	width, _, err := cfg.ParsePreviewResolution()
	if err != nil {
		return nil, err
	}
	return &FFmpeg{
		path:         cfg.FFmpegPath,
		previewWidth: width,
		threads:      cfg.Threads,
		logCommands:  cfg.LogCommands,
		logger:       logger,
	}, nil
}

// Transcode runs one ffmpeg pass and returns its captured stderr output.
// The returned output is also populated on failure, wrapped inside the
// TranscodeError, so callers can persist it for later inspection.
func (f *FFmpeg) Transcode(ctx context.Context, spec *planner.RenderSpec, phase Phase, dst string) (string, error) {
	args := f.buildArgs(spec, phase, dst)

	if f.logCommands {
		f.logger.Info("Running ffmpeg", "phase", phase, "args", args)
	}

	cmd := exec.CommandContext(ctx, f.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stderr.String()
	if err != nil {
		return output, &TranscodeError{
			Phase:   phase,
			Output:  output,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	return output, nil
}

// buildArgs assembles the ffmpeg command line for one pass.
//
// Seeking uses -ss before -i: input seeking is keyframe-fast and accurate
// enough at clip granularity. Stream mapping pins the first video stream,
// the selected audio stream, and drops embedded subtitles; the trailing ?
// keeps ffmpeg from failing on sources missing a stream.
func (f *FFmpeg) buildArgs(spec *planner.RenderSpec, phase Phase, dst string) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-ss", seconds(spec.ClipStart.Seconds()),
		"-i", spec.MediaPath,
		"-t", seconds(spec.Duration().Seconds()),
		"-map", "0:v:0?",
		"-map", fmt.Sprintf("0:a:%d?", spec.AudioStream),
		"-map", "-0:s?",
	}

	switch {
	case phase == PhasePreview:
		// Previews are always h264/aac in mp4 for in-browser playback,
		// capped at the configured width and cheap to encode.
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "28",
			"-vf", fmt.Sprintf("scale='min(%d,iw)':-2", f.previewWidth),
			"-c:a", "aac",
			"-movflags", "+faststart",
		)

	case spec.Format.AudioOnly():
		args = append(args,
			"-vn",
			"-c:a", spec.Format.AudioCodec(),
			"-q:a", "2",
		)

	default:
		// Encoders reject odd dimensions; round down here rather than in
		// the planner so the spec keeps the user's exact scaled size.
		w, h := spec.TargetWidth&^1, spec.TargetHeight&^1
		args = append(args,
			"-c:v", spec.Format.VideoCodec(),
			"-vf", fmt.Sprintf("scale=%d:%d:flags=lanczos", w, h),
			"-c:a", spec.Format.AudioCodec(),
		)
		if spec.Format == planner.FormatMP4 {
			args = append(args, "-movflags", "+faststart")
		}
	}

	if f.threads > 0 {
		args = append(args, "-threads", strconv.Itoa(f.threads))
	}

	return append(args, dst)
}

// seconds formats a duration in seconds with millisecond precision, the
// form ffmpeg accepts for -ss and -t.
func seconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
