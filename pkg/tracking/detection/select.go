package detection

import (
	"fmt"
	"strings"
)

// Policy decides which matching detection becomes the target
type Policy int

const (
	// FirstMatch takes the first matching detection in detector order
	FirstMatch Policy = iota
	// HighestConfidence takes the matching detection with the best top score
	HighestConfidence
)

func (p Policy) String() string {
	switch p {
	case FirstMatch:
		return "first"
	case HighestConfidence:
		return "highest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "first", "first-match", "highest" or "highest-confidence".
// An empty string selects FirstMatch.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first", "first-match", "first_match":
		return FirstMatch, nil
	case "highest", "highest-confidence", "highest_confidence":
		return HighestConfidence, nil
	}
	return FirstMatch, fmt.Errorf("unknown selection policy %q", s)
}

// Matches reports whether the top-ranked category of d is label.
// Only the top category counts: a detection whose second guess is the
// target label is not a match.
func Matches(d Detection, label string) bool {
	c, ok := d.Top()
	return ok && c.Label == label
}

// Select picks the target among dets
func Select(dets []Detection, label string, policy Policy) (Detection, bool) {
	best := -1
	for i, d := range dets {
		if !Matches(d, label) {
			continue
		}
		if policy != HighestConfidence {
			return d, true
		}
		if best < 0 || d.Score() > dets[best].Score() {
			best = i
		}
	}
	if best < 0 {
		return Detection{}, false
	}
	return dets[best], true
}

// Filter returns the detections whose top label is label, in order
func Filter(dets []Detection, label string) []Detection {
	var out []Detection
	for _, d := range dets {
		if Matches(d, label) {
			out = append(out, d)
		}
	}
	return out
}
