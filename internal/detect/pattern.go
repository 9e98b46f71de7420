package detect

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tally/internal/normalize"
)

// Mode selects the matching strategy.
type Mode string

const (
	// ExactRun counts entries into maximal runs of the target token.
	ExactRun Mode = "exact_run"
	// FuzzyWindow spots the collapsed target phrase within a bounded edit distance.
	FuzzyWindow Mode = "fuzzy_window"
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ExactRun, FuzzyWindow:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown detection mode %q", s)
}

// Pattern is the immutable description of what to count. Build it with NewPattern.
type Pattern struct {
	phrase    string
	maxDist   int
	mode      Mode
	runWeight int
	alphabet  normalize.Alphabet
	target    []rune
}

// NewPattern normalizes phrase once and derives the collapsed target.
func NewPattern(phrase string, maxEditDistance int, mode Mode, runWeight int, alphabet normalize.Alphabet) (Pattern, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return Pattern{}, err
	}
	if maxEditDistance < 0 {
		return Pattern{}, errors.New("max edit distance must be >= 0")
	}
	if alphabet == "" {
		alphabet = normalize.Latin
	}
	target := normalize.Collapse(normalize.Normalize(phrase, alphabet))
	if target == "" {
		return Pattern{}, fmt.Errorf("phrase %q is empty after normalization", phrase)
	}
	if runWeight < 1 {
		runWeight = 1
	}
	return Pattern{
		phrase:    phrase,
		maxDist:   maxEditDistance,
		mode:      mode,
		runWeight: runWeight,
		alphabet:  alphabet,
		target:    []rune(target),
	}, nil
}

// Phrase returns the phrase as configured.
func (p Pattern) Phrase() string {
	return p.phrase
}

// Target returns the normalized phrase with whitespace removed.
func (p Pattern) Target() string {
	return string(p.target)
}

// TargetLength is the target length in runes.
func (p Pattern) TargetLength() int {
	return len(p.target)
}

// MaxEditDistance is the largest distance a fuzzy match may have.
func (p Pattern) MaxEditDistance() int {
	return p.maxDist
}

func (p Pattern) Mode() Mode {
	return p.mode
}

// RunWeight is how many counts one exact run contributes.
func (p Pattern) RunWeight() int {
	return p.runWeight
}

// Alphabet selects the normalizer used for both phrase and transcripts.
func (p Pattern) Alphabet() normalize.Alphabet {
	return p.alphabet
}

// Empty reports whether the pattern was never built.
func (p Pattern) Empty() bool { return len(p.target) == 0 }
