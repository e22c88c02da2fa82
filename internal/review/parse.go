package review

import (
	"regexp"
	"strconv"
	"strings"
)

// NeutralScore is used whenever no score can be read from a review.
const NeutralScore = 0.5

var (
	// "Score: 0.8", "score = 7/10", "Quality score: 0.85"
	explicitScoreRe = regexp.MustCompile(`(?i)\bscore\s*[:=]\s*\**\s*(\d+(?:\.\d+)?)(?:\s*/\s*(\d+(?:\.\d+)?))?`)

	// A decimal in range shortly after rate/score/quality.
	nearKeywordRe = regexp.MustCompile(`(?i)\b(?:rat(?:e|ed|ing)|score[sd]?|quality)\b[^0-9\n]{0,40}?((?:0?\.\d+)|(?:1(?:\.0+)?)|0)\b`)

	bareDecimalRe = regexp.MustCompile(`(?:^|[^\d.])((?:0?\.\d+)|(?:1\.0+))(?:[^\d.]|$)`)
)

// critiqueLabels are tried in priority order.
var critiqueLabels = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcritique\s*\**\s*:`),
	regexp.MustCompile(`(?i)\bfeedback\s*\**\s*:`),
	regexp.MustCompile(`(?i)\bimprovements?\s*\**\s*:`),
}

// sectionRe finds the start of the next labeled section.
var sectionRe = regexp.MustCompile(`(?im)^\s*[*_#-]*\s*(?:quality\s+)?(?:score|rating|critique|feedback|improvements?|verdict)\s*[*_]*\s*:`)

// ParseScore extracts a score in [0,1] from free-text review output. The
// second return is false when nothing parsed and NeutralScore was used.
func ParseScore(text string) (float64, bool) {
	if m := explicitScoreRe.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if m[2] != "" {
				if d, err := strconv.ParseFloat(m[2], 64); err == nil && d > 0 && v <= d {
					return v / d, true
				}
			} else if v >= 0 && v <= 1 {
				return v, true
			}
		}
	}

	for _, loc := range nearKeywordRe.FindAllStringSubmatchIndex(text, -1) {
		if continuesNumber(text, loc[3]) {
			continue
		}
		if v, ok := inRange(text[loc[2]:loc[3]]); ok {
			return v, true
		}
	}

	for _, m := range bareDecimalRe.FindAllStringSubmatch(text, -1) {
		if v, ok := inRange(m[1]); ok {
			return v, true
		}
	}

	return NeutralScore, false
}

// ParseCritique returns the first labeled critique section, or the whole
// review when no label is present.
func ParseCritique(text string) string {
	for _, label := range critiqueLabels {
		loc := label.FindStringIndex(text)
		if loc == nil {
			continue
		}
		rest := text[loc[1]:]
		// The section runs until the next labeled line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			if next := sectionRe.FindStringIndex(rest[nl:]); next != nil {
				rest = rest[:nl+next[0]]
			}
		}
		if c := strings.TrimSpace(rest); c != "" {
			return c
		}
	}
	return strings.TrimSpace(text)
}

// continuesNumber reports whether a number ending at end runs on, as in
// the "1" of "1.5" or "1,000".
func continuesNumber(text string, end int) bool {
	rest := text[end:]
	if rest != "" && (rest[0] == '.' || rest[0] == ',') {
		rest = rest[1:]
	}
	return rest != "" && rest[0] >= '0' && rest[0] <= '9'
}

func inRange(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}
