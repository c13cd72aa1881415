// Package planner turns a user's cue selection, padding, scale and format
// choices into a validated, immutable RenderSpec.
//
// The planner is the gatekeeper for anything that could silently produce a
// wrong clip: inverted ranges, padding that collapses the interval, bad
// scale factors and unknown formats all fail loudly here instead of being
// coerced downstream.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"jclipper/internal/library"
	"jclipper/internal/mediainfo"
	"jclipper/internal/subtitle"
)

// Validation failure reasons, surfaced to the caller with enough detail to
// fix the input.
const (
	ReasonRangeInverted = "range_inverted"
	ReasonRangeEmpty    = "range_empty"
	ReasonBadSelection  = "bad_selection"
	ReasonBadPadding    = "bad_padding"
	ReasonBadScale      = "bad_scale"
	ReasonBadFormat     = "bad_format"
	ReasonBadAudio      = "bad_audio"
	ReasonNoSubtitle    = "no_subtitle"
)

// ValidationError reports a user-supplied value the planner refuses to
// render. It is always surfaced, never coerced.
type ValidationError struct {
	Field  string
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%s): %s", e.Field, e.Reason, e.Detail)
}

// Selection identifies the time range to clip, either as a pair of cue
// indices into the item's subtitle track or as explicit timestamps.
type Selection struct {
	StartCue *int
	EndCue   *int
	Start    *subtitle.Timestamp
	End      *subtitle.Timestamp
}

// Request is the raw input to Plan.
type Request struct {
	Item        *library.Item
	Selection   Selection
	Padding     time.Duration
	ScaleFactor float64
	Format      Format
	AudioStream *int
}

// RenderSpec is the fully validated, immutable description of one clip
// render. ClipEnd is strictly greater than ClipStart and ClipStart is never
// negative.
type RenderSpec struct {
	MediaPath    string        `json:"media_path"`
	MediaName    string        `json:"media_name"`
	ClipStart    time.Duration `json:"clip_start"`
	ClipEnd      time.Duration `json:"clip_end"`
	Padding      time.Duration `json:"padding"`
	ScaleFactor  float64       `json:"scale_factor"`
	Format       Format        `json:"format"`
	SourceWidth  int           `json:"source_width"`
	SourceHeight int           `json:"source_height"`
	TargetWidth  int           `json:"target_width"`
	TargetHeight int           `json:"target_height"`
	AudioStream  int           `json:"audio_stream"`
}

// Duration returns the length of the clip.
func (s *RenderSpec) Duration() time.Duration {
	return s.ClipEnd - s.ClipStart
}

// Planner resolves selections against subtitle tracks and probed media
// properties.
type Planner struct {
	prober      mediainfo.Prober
	defaultLang string
	logger      *slog.Logger
}

// New creates a planner. defaultLang is the two-letter language used to
// choose a default audio stream when the request does not name one.
func New(prober mediainfo.Prober, defaultLang string, logger *slog.Logger) *Planner {
	return &Planner{
		prober:      prober,
		defaultLang: defaultLang,
		logger:      logger,
	}
}

// Plan validates the request and produces a RenderSpec.
func (p *Planner) Plan(ctx context.Context, req *Request) (*RenderSpec, error) {
	if req.Item == nil {
		return nil, &ValidationError{Field: "media", Reason: ReasonBadSelection, Detail: "no media item"}
	}

	start, end, err := p.resolveSelection(req)
	if err != nil {
		return nil, err
	}

	if req.Padding < 0 {
		return nil, &ValidationError{Field: "padding", Reason: ReasonBadPadding, Detail: "padding must not be negative"}
	}

	// Padding is applied symmetrically: clamped at zero on the lower bound,
	// clamped against the probed duration on the upper bound.
	clipStart := start - req.Padding
	if clipStart < 0 {
		clipStart = 0
	}
	clipEnd := end + req.Padding

	if req.ScaleFactor <= 0 {
		return nil, &ValidationError{
			Field:  "scale_factor",
			Reason: ReasonBadScale,
			Detail: fmt.Sprintf("scale factor must be positive, got %g", req.ScaleFactor),
		}
	}

	info, err := p.prober.Probe(ctx, req.Item.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", req.Item.Path, err)
	}

	if clipEnd > info.Duration {
		clipEnd = info.Duration
	}
	if clipEnd <= clipStart {
		return nil, &ValidationError{
			Field:  "selection",
			Reason: ReasonRangeEmpty,
			Detail: fmt.Sprintf("selected range [%v, %v] is empty after clamping to media duration %v", clipStart, clipEnd, info.Duration),
		}
	}

	audioStream, err := p.resolveAudioStream(req, info)
	if err != nil {
		return nil, err
	}

	// Dimensions are rounded independently. Forcing even values is an
	// encoder concern handled by the transcode layer.
	targetWidth := int(math.Round(float64(info.Width) * req.ScaleFactor))
	targetHeight := int(math.Round(float64(info.Height) * req.ScaleFactor))

	spec := &RenderSpec{
		MediaPath:    req.Item.Path,
		MediaName:    req.Item.Name,
		ClipStart:    clipStart,
		ClipEnd:      clipEnd,
		Padding:      req.Padding,
		ScaleFactor:  req.ScaleFactor,
		Format:       req.Format,
		SourceWidth:  info.Width,
		SourceHeight: info.Height,
		TargetWidth:  targetWidth,
		TargetHeight: targetHeight,
		AudioStream:  audioStream,
	}

	p.logger.Debug("Planned render",
		"media", req.Item.Name,
		"start", spec.ClipStart,
		"end", spec.ClipEnd,
		"target", fmt.Sprintf("%dx%d", spec.TargetWidth, spec.TargetHeight),
		"format", spec.Format.String())

	return spec, nil
}

// resolveSelection turns the request's selection into raw start and end
// times, before padding.
func (p *Planner) resolveSelection(req *Request) (time.Duration, time.Duration, error) {
	sel := req.Selection

	switch {
	case sel.StartCue != nil && sel.EndCue != nil:
		return p.resolveCueRange(req.Item, *sel.StartCue, *sel.EndCue)

	case sel.Start != nil && sel.End != nil:
		start := sel.Start.Duration()
		end := sel.End.Duration()
		if end < start {
			return 0, 0, &ValidationError{
				Field:  "selection",
				Reason: ReasonRangeInverted,
				Detail: fmt.Sprintf("end %v is before start %v", sel.End, sel.Start),
			}
		}
		return start, end, nil

	default:
		return 0, 0, &ValidationError{
			Field:  "selection",
			Reason: ReasonBadSelection,
			Detail: "either a cue range or explicit start and end timestamps are required",
		}
	}
}

// resolveCueRange looks up the start cue's start time and the end cue's end
// time in the item's subtitle track.
func (p *Planner) resolveCueRange(item *library.Item, startCue, endCue int) (time.Duration, time.Duration, error) {
	if !item.SubtitleAvailable() {
		return 0, 0, &ValidationError{
			Field:  "selection",
			Reason: ReasonNoSubtitle,
			Detail: fmt.Sprintf("%s has no subtitle track to select cues from", item.Name),
		}
	}

	result, err := subtitle.ParseFile(item.SubtitlePath)
	if err != nil {
		return 0, 0, err
	}
	if result.Skipped > 0 {
		p.logger.Warn("Subtitle track has malformed cues",
			"path", item.SubtitlePath,
			"skipped", result.Skipped)
	}

	startTime, ok := cueStart(result.Cues, startCue)
	if !ok {
		return 0, 0, &ValidationError{
			Field:  "start_cue",
			Reason: ReasonBadSelection,
			Detail: fmt.Sprintf("cue %d not found", startCue),
		}
	}
	endTime, ok := cueEnd(result.Cues, endCue)
	if !ok {
		return 0, 0, &ValidationError{
			Field:  "end_cue",
			Reason: ReasonBadSelection,
			Detail: fmt.Sprintf("cue %d not found", endCue),
		}
	}

	if endTime < startTime {
		return 0, 0, &ValidationError{
			Field:  "selection",
			Reason: ReasonRangeInverted,
			Detail: fmt.Sprintf("cue %d ends before cue %d starts", endCue, startCue),
		}
	}

	return startTime, endTime, nil
}

func cueStart(cues []subtitle.Cue, index int) (time.Duration, bool) {
	for _, cue := range cues {
		if cue.Index == index {
			return cue.Start.Duration(), true
		}
	}
	return 0, false
}

func cueEnd(cues []subtitle.Cue, index int) (time.Duration, bool) {
	for _, cue := range cues {
		if cue.Index == index {
			return cue.End.Duration(), true
		}
	}
	return 0, false
}

// twoToThreeLetter maps common two-letter language tags to the three-letter
// tags ffprobe reports on audio streams.
var twoToThreeLetter = map[string]string{
	"en": "eng", "fr": "fre", "es": "spa", "de": "ger", "it": "ita",
	"pt": "por", "ru": "rus", "zh": "chi", "ja": "jpn", "ko": "kor",
}

// resolveAudioStream validates an explicit stream choice or picks a default:
// the first stream tagged with the configured language, else stream 0.
func (p *Planner) resolveAudioStream(req *Request, info *mediainfo.Info) (int, error) {
	if req.AudioStream != nil {
		idx := *req.AudioStream
		if idx < 0 || (len(info.AudioStreams) > 0 && idx >= len(info.AudioStreams)) {
			return 0, &ValidationError{
				Field:  "audio_stream",
				Reason: ReasonBadAudio,
				Detail: fmt.Sprintf("stream %d does not exist, media has %d audio streams", idx, len(info.AudioStreams)),
			}
		}
		return idx, nil
	}

	want := twoToThreeLetter[p.defaultLang]
	for _, stream := range info.AudioStreams {
		if stream.Language == want {
			return stream.Index, nil
		}
	}
	return 0, nil
}
