// Package detect finds occurrences of a target phrase or token in normalized transcript chunks.
package detect

import (
	"strings"
	"unicode"
)

// Event is one detection inside a chunk.
type Event struct {
	ChunkSequence int64
	MatchedSpan   string
	Distance      int
	Weight        int
	Mode          Mode
}

// Detector turns one normalized chunk into zero or more events.
type Detector interface {
	Detect(sequence int64, normalized string) []Event
}

// NewDetector returns the strategy for the pattern's mode. A zero pattern never matches.
func NewDetector(p Pattern) Detector {
	if p.Empty() {
		return noopDetector{}
	}
	switch p.mode {
	case ExactRun:
		return &exactRunDetector{pattern: p, token: string(p.target)}
	default:
		return &fuzzyWindowDetector{pattern: p}
	}
}

type noopDetector struct{}

func (noopDetector) Detect(int64, string) []Event { return nil }

type fuzzyWindowDetector struct {
	pattern Pattern
}

func (d *fuzzyWindowDetector) Detect(sequence int64, normalized string) []Event {
	collapsed := collapseRunes(normalized)
	if len(collapsed) == 0 {
		return nil
	}

	target := d.pattern.target
	size := len(target)
	if len(collapsed) < size {
		dist := EditDistance(collapsed, target)
		if dist > d.pattern.maxDist {
			return nil
		}
		return []Event{d.event(sequence, collapsed, dist)}
	}

	var events []Event
	for i := 0; i+size <= len(collapsed); i++ {
		window := collapsed[i : i+size]
		if dist := EditDistance(window, target); dist <= d.pattern.maxDist {
			events = append(events, d.event(sequence, window, dist))
		}
	}
	return events
}

func (d *fuzzyWindowDetector) event(sequence int64, span []rune, dist int) Event {
	return Event{
		ChunkSequence: sequence,
		MatchedSpan:   string(span),
		Distance:      dist,
		Weight:        d.pattern.runWeight,
		Mode:          FuzzyWindow,
	}
}

// exactRunDetector keeps no state between chunks.
type exactRunDetector struct {
	pattern Pattern
	token   string
}

func (d *exactRunDetector) Detect(sequence int64, normalized string) []Event {
	var events []Event
	inRun := false
	for _, tok := range strings.Fields(normalized) {
		match := tok == d.token
		if match && !inRun {
			events = append(events, Event{
				ChunkSequence: sequence,
				MatchedSpan:   tok,
				Weight:        d.pattern.runWeight,
				Mode:          ExactRun,
			})
		}
		inRun = match
	}
	return events
}

func collapseRunes(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if !unicode.IsSpace(r) {
			out = append(out, r)
		}
	}
	return out
}
