// Package citation splits rendered assistant text into prose spans and
// inline reference tokens: numeric citation markers like [3] and time-coded
// media links like video://abc123/125.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a parsed segment.
type Kind string

const (
	KindText     Kind = "text"
	KindCitation Kind = "citation"
	KindMediaRef Kind = "mediaRef"
	KindInvalid  Kind = "invalid"
)

// Segment is one span of the input. Raw is the exact source text, so
// concatenating the Raw of all segments reconstructs the input losslessly.
type Segment struct {
	Kind Kind
	Raw  string

	// Label is set for citations: the footnote index inside the brackets.
	Label string
	// MediaID and Seconds are set for media references.
	MediaID string
	Seconds int
}

// markerRe matches either a [N] citation marker or a video:// token.
// Media tokens are matched permissively and validated afterwards so a
// malformed token degrades to an invalid segment instead of plain text.
var markerRe = regexp.MustCompile(`\[(\d+)\]|video://[A-Za-z0-9_\-./]*`)

var mediaRe = regexp.MustCompile(`^video://([A-Za-z0-9_-]+)/(\d+)$`)

// Parse splits text into an ordered sequence of segments covering the whole
// input with no gaps or overlaps.
func Parse(text string) []Segment {
	var segs []Segment
	last := 0
	for _, loc := range markerRe.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, Segment{Kind: KindText, Raw: text[last:loc[0]]})
		}
		segs = append(segs, classify(text[loc[0]:loc[1]]))
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, Segment{Kind: KindText, Raw: text[last:]})
	}
	return segs
}

func classify(raw string) Segment {
	if strings.HasPrefix(raw, "[") {
		return Segment{Kind: KindCitation, Raw: raw, Label: raw[1 : len(raw)-1]}
	}
	m := mediaRe.FindStringSubmatch(raw)
	if m == nil {
		return Segment{Kind: KindInvalid, Raw: raw}
	}
	secs, err := strconv.Atoi(m[2])
	if err != nil {
		return Segment{Kind: KindInvalid, Raw: raw}
	}
	return Segment{Kind: KindMediaRef, Raw: raw, MediaID: m[1], Seconds: secs}
}

// FormatTimestamp renders seconds as H:MM:SS when at least an hour,
// otherwise M:SS.
func FormatTimestamp(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
