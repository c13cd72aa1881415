// Package subtitle parses SRT subtitle tracks into ordered, time-coded cues.
//
// The parser is deliberately forgiving: a subtitle file pulled from the wild
// frequently contains a handful of corrupt blocks, and a single bad cue must
// never make the rest of the track unusable. Malformed blocks are skipped
// individually and reported through the parse result.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a duration since the start of the media with millisecond
// canonical precision, as used by SRT timestamp lines.
type Timestamp time.Duration

// Cue is one timestamped text entry in a subtitle track.
type Cue struct {
	Index int       `json:"index"`
	Start Timestamp `json:"start"`
	End   Timestamp `json:"end"`
	Text  string    `json:"text"`
}

// Result carries the cues recovered from a track along with a count of
// blocks that had to be skipped as malformed.
type Result struct {
	Cues    []Cue
	Skipped int
}

// timestampPattern matches H:MM:SS,mmm with one or more hour digits and
// either a comma or a period as the fractional separator.
var timestampPattern = regexp.MustCompile(`^(\d+):([0-5]?\d):([0-5]?\d)[,.](\d{1,3})$`)

// timingLinePattern splits a cue timing line into its start and end halves.
var timingLinePattern = regexp.MustCompile(`^\s*(\S+)\s+-->\s+(\S+)\s*$`)

// ParseTimestamp parses an SRT timestamp of the form H:MM:SS,mmm.
// Both "," and "." are accepted as the fractional separator, and fewer than
// three fraction digits are scaled up to milliseconds.
func ParseTimestamp(s string) (Timestamp, error) {
	m := timestampPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}

	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])

	frac := m[4]
	for len(frac) < 3 {
		frac += "0"
	}
	millis, _ := strconv.Atoi(frac)

	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond

	return Timestamp(d), nil
}

// Duration returns the timestamp as a time.Duration.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t)
}

// String formats the timestamp as HH:MM:SS,mmm. Formatting a parsed
// timestamp and parsing it again yields the same value.
func (t Timestamp) String() string {
	d := time.Duration(t)
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// MarshalJSON renders the timestamp in its SRT text form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// UnmarshalJSON parses a timestamp from its SRT text form.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseFile opens and parses the subtitle file at path.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open subtitle file: %w", err)
	}
	defer f.Close()

	result, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return result, nil
}

// Parse reads an SRT stream and returns the cues it contains in file order.
// Blocks are separated by blank lines; each block holds an optional numeric
// index line, a mandatory "start --> end" timing line, and one or more text
// lines joined with a newline. Malformed blocks are skipped, counted in the
// result, and never abort the parse. Cues are not re-sorted: out-of-order
// input is passed through as-is.
func Parse(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	result := &Result{}
	var block []string
	first := true

	flush := func() {
		if len(block) == 0 {
			return
		}
		cue, ok := parseBlock(block, len(result.Cues)+1)
		if ok {
			result.Cues = append(result.Cues, cue)
		} else {
			result.Skipped++
		}
		block = block[:0]
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subtitle stream: %w", err)
	}
	flush()

	return result, nil
}

// parseBlock converts one blank-line-delimited block into a cue.
// Returns false when the block has no parsable timing line, no text, or an
// end time earlier than its start time.
func parseBlock(lines []string, fallbackIndex int) (Cue, bool) {
	pos := 0
	index := fallbackIndex

	// Optional numeric index line.
	if n, err := strconv.Atoi(strings.TrimSpace(lines[pos])); err == nil {
		index = n
		pos++
	}

	if pos >= len(lines) {
		return Cue{}, false
	}

	m := timingLinePattern.FindStringSubmatch(lines[pos])
	if m == nil {
		return Cue{}, false
	}
	pos++

	start, err := ParseTimestamp(m[1])
	if err != nil {
		return Cue{}, false
	}
	end, err := ParseTimestamp(m[2])
	if err != nil {
		return Cue{}, false
	}
	if end < start {
		return Cue{}, false
	}

	if pos >= len(lines) {
		return Cue{}, false
	}
	text := strings.Join(lines[pos:], "\n")

	return Cue{Index: index, Start: start, End: end, Text: text}, true
}
