package subtitle

import (
	"strings"
	"testing"
	"time"
)

const sampleTrack = `1
00:00:01,000 --> 00:00:03,500
Hello there.

2
00:00:04,000 --> 00:00:06,250
General Kenobi!
You are a bold one.

3
00:01:00,000 --> 00:01:02,000
Third line.
`

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"00:00:01,000", 1 * time.Second},
		{"01:02:03,456", time.Hour + 2*time.Minute + 3*time.Second + 456*time.Millisecond},
		{"0:00:10.5", 10*time.Second + 500*time.Millisecond},
		{"12:34:56,7", 12*time.Hour + 34*time.Minute + 56*time.Second + 700*time.Millisecond},
	}

	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) returned error: %v", tt.in, err)
			continue
		}
		if got.Duration() != tt.want {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got.Duration(), tt.want)
		}
	}
}

func TestParseTimestampInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "00:61:00,000", "00:00:75,000", "1:2", "00-00-01,000"} {
		if _, err := ParseTimestamp(in); err == nil {
			t.Errorf("ParseTimestamp(%q) should have failed", in)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	// parse -> format -> parse must be a fixed point at millisecond precision.
	for _, in := range []string{"00:00:00,000", "01:02:03,456", "10:59:59,999", "0:00:01.5"} {
		first, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) failed: %v", in, err)
		}
		second, err := ParseTimestamp(first.String())
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) failed: %v", first.String(), err)
		}
		if first != second {
			t.Errorf("Round trip of %q changed value: %v != %v", in, first, second)
		}
	}
}

func TestParseWellFormedTrack(t *testing.T) {
	result, err := Parse(strings.NewReader(sampleTrack))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(result.Cues) != 3 {
		t.Fatalf("Expected 3 cues, got %d", len(result.Cues))
	}
	if result.Skipped != 0 {
		t.Errorf("Expected no skipped blocks, got %d", result.Skipped)
	}

	if result.Cues[0].Text != "Hello there." {
		t.Errorf("Unexpected first cue text: %q", result.Cues[0].Text)
	}
	if result.Cues[1].Text != "General Kenobi!\nYou are a bold one." {
		t.Errorf("Multi-line text not joined with newline: %q", result.Cues[1].Text)
	}
	if result.Cues[1].Index != 2 {
		t.Errorf("Expected index 2, got %d", result.Cues[1].Index)
	}

	// File order must be preserved.
	for i := 1; i < len(result.Cues); i++ {
		if result.Cues[i].Start < result.Cues[i-1].Start {
			t.Errorf("Cue %d out of order", i)
		}
	}
}

func TestParseSkipsCorruptBlock(t *testing.T) {
	track := `1
00:00:01,000 --> 00:00:03,500
First.

2
not a timestamp line
Broken.

3
00:00:07,000 --> 00:00:09,000
Third.
`
	result, err := Parse(strings.NewReader(track))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(result.Cues) != 2 {
		t.Fatalf("Expected 2 valid cues, got %d", len(result.Cues))
	}
	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped block, got %d", result.Skipped)
	}
	if result.Cues[1].Text != "Third." {
		t.Errorf("Parsing did not continue past the corrupt block: %q", result.Cues[1].Text)
	}
}

func TestParseRejectsInvertedCue(t *testing.T) {
	track := `1
00:00:05,000 --> 00:00:01,000
Backwards.

2
00:00:06,000 --> 00:00:08,000
Fine.
`
	result, err := Parse(strings.NewReader(track))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(result.Cues) != 1 || result.Skipped != 1 {
		t.Fatalf("Expected 1 cue and 1 skipped, got %d and %d", len(result.Cues), result.Skipped)
	}
}

func TestParseTolerations(t *testing.T) {
	// BOM, CRLF line endings, missing index line, period separator.
	track := "\ufeff00:00:01.000 --> 00:00:02.000\r\nNo index here.\r\n\r\n5\r\n00:00:03,000 --> 00:00:04,000\r\nIndexed.\r\n"

	result, err := Parse(strings.NewReader(track))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(result.Cues) != 2 {
		t.Fatalf("Expected 2 cues, got %d", len(result.Cues))
	}
	if result.Cues[0].Index != 1 {
		t.Errorf("Expected fallback index 1, got %d", result.Cues[0].Index)
	}
	if result.Cues[1].Index != 5 {
		t.Errorf("Expected explicit index 5, got %d", result.Cues[1].Index)
	}
}

func TestParseEmptyInput(t *testing.T) {
	result, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(result.Cues) != 0 || result.Skipped != 0 {
		t.Errorf("Expected empty result, got %d cues, %d skipped", len(result.Cues), result.Skipped)
	}
}
