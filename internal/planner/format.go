package planner

import (
	"encoding/json"
	"fmt"
)

// Format is the closed set of supported output containers. Each format maps
// to a fixed codec/container parameter tuple; adding a format means
// extending every switch below, which the compiler keeps exhaustive.
type Format int

const (
	FormatMP4 Format = iota
	FormatMKV
	FormatAVI
	FormatMP3
)

// Formats lists every supported output format.
var Formats = []Format{FormatMP4, FormatMKV, FormatAVI, FormatMP3}

// ParseFormat maps a user-supplied format name onto the enumeration.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "mp4":
		return FormatMP4, nil
	case "mkv":
		return FormatMKV, nil
	case "avi":
		return FormatAVI, nil
	case "mp3":
		return FormatMP3, nil
	default:
		return 0, fmt.Errorf("unsupported format %q", s)
	}
}

// String returns the format's container name, which doubles as its file
// extension.
func (f Format) String() string {
	switch f {
	case FormatMP4:
		return "mp4"
	case FormatMKV:
		return "mkv"
	case FormatAVI:
		return "avi"
	case FormatMP3:
		return "mp3"
	default:
		return "unknown"
	}
}

// Extension returns the output file extension without a leading dot.
func (f Format) Extension() string {
	return f.String()
}

// MIMEType returns the content type used when serving the artifact.
func (f Format) MIMEType() string {
	switch f {
	case FormatMP4:
		return "video/mp4"
	case FormatMKV:
		return "video/x-matroska"
	case FormatAVI:
		return "video/x-msvideo"
	case FormatMP3:
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// VideoCodec returns the encoder for the video stream, or "" for the
// audio-only format.
func (f Format) VideoCodec() string {
	switch f {
	case FormatMP4, FormatMKV:
		return "libx264"
	case FormatAVI:
		return "mpeg4"
	case FormatMP3:
		return ""
	default:
		return ""
	}
}

// AudioCodec returns the encoder for the audio stream.
func (f Format) AudioCodec() string {
	switch f {
	case FormatMP4, FormatMKV:
		return "aac"
	case FormatAVI, FormatMP3:
		return "libmp3lame"
	default:
		return ""
	}
}

// AudioOnly reports whether the format drops the video stream entirely.
func (f Format) AudioOnly() bool {
	return f == FormatMP3
}

// MarshalJSON renders the format by name.
func (f Format) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// UnmarshalJSON parses a format name back into the enumeration.
func (f *Format) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseFormat(name)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
