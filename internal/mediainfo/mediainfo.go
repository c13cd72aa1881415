// Package mediainfo probes media files for their native resolution,
// duration and audio stream layout.
//
// The real implementation shells out to ffprobe; the Prober interface lets
// the planner and orchestrator be tested against a substitute.
package mediainfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// AudioStream describes one audio stream in a media file.
type AudioStream struct {
	Index    int    `json:"index"`
	Language string `json:"language"`
	Codec    string `json:"codec"`
	Channels int    `json:"channels"`
}

// Info is the probed description of a media file.
type Info struct {
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	Duration     time.Duration `json:"duration"`
	AudioStreams []AudioStream `json:"audio_streams"`
}

// Prober is the narrow interface the planner depends on for media probing.
type Prober interface {
	Probe(ctx context.Context, path string) (*Info, error)
}

// FFProbe probes media files by invoking the ffprobe tool. Results are
// cached per path; the underlying files are part of a read-only media tree
// and do not change under a running process.
type FFProbe struct {
	binary string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Info
}

// NewFFProbe creates a probe that runs the given ffprobe binary.
func NewFFProbe(binary string, logger *slog.Logger) *FFProbe {
	return &FFProbe{
		binary: binary,
		logger: logger,
		cache:  make(map[string]*Info),
	}
}

// ffprobeOutput mirrors the JSON layout emitted by ffprobe.
type ffprobeOutput struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Channels  int    `json:"channels"`
		Tags      struct {
			Language string `json:"language"`
		} `json:"tags"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects the media file at path. A probe failure is surfaced as an
// error rather than substituted with assumed values; downstream scale math
// must never run against a guessed resolution.
func (p *FFProbe) Probe(ctx context.Context, path string) (*Info, error) {
	p.mu.Lock()
	if info, ok := p.cache[path]; ok {
		p.mu.Unlock()
		return info, nil
	}
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-print_format", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("Probing media file", "path", path)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w (%s)", path, err, stderr.String())
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe output for %s: %w", path, err)
	}

	info, err := buildInfo(&out)
	if err != nil {
		return nil, fmt.Errorf("incomplete probe of %s: %w", path, err)
	}

	p.mu.Lock()
	p.cache[path] = info
	p.mu.Unlock()

	p.logger.Debug("Probe complete",
		"path", path,
		"width", info.Width,
		"height", info.Height,
		"duration", info.Duration,
		"audio_streams", len(info.AudioStreams))

	return info, nil
}

// buildInfo extracts the fields the pipeline needs from raw ffprobe output.
func buildInfo(out *ffprobeOutput) (*Info, error) {
	info := &Info{}

	audioPosition := 0
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			lang := stream.Tags.Language
			if lang == "" {
				lang = "und"
			}
			info.AudioStreams = append(info.AudioStreams, AudioStream{
				Index:    audioPosition,
				Language: lang,
				Codec:    stream.CodecName,
				Channels: stream.Channels,
			})
			audioPosition++
		}
	}

	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("no video stream with a resolution found")
	}

	seconds, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return nil, fmt.Errorf("unparsable duration %q", out.Format.Duration)
	}
	info.Duration = time.Duration(seconds * float64(time.Second))

	return info, nil
}
