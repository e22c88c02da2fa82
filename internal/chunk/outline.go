// Package chunk decomposes long requests into an outline and writes the
// sections one after another.
package chunk

import (
	"regexp"
	"strings"
)

// Spec is one planned section.
type Spec struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Outline is the ordered section plan; Outline[i] corresponds to chunk i.
type Outline []Spec

// Labels returns the section labels in order.
func (o Outline) Labels() []string {
	labels := make([]string, len(o))
	for i, s := range o {
		labels[i] = s.Label
	}
	return labels
}

// outlinePatterns are tried in priority order; the first one that matches
// any line wins.
var outlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*[*_#]*\s*chunk\s+\d+\s*[*_]*\s*[:.)-]\s*(.+?)\s*$`),
	regexp.MustCompile(`(?m)^\s*[*_#]*\s*\d+\s*[.)]\s+(.+?)\s*$`),
	regexp.MustCompile(`(?m)^\s*[-*•]\s+(.+?)\s*$`),
}

// labelSeparator splits "Label - description" and "Label: description".
var labelSeparator = regexp.MustCompile(`\s+[-–—]\s+|:\s+`)

// ParseOutline extracts at most maxChunks sections from free-text planner
// output. An empty result means the request should not be decomposed.
func ParseOutline(text string, maxChunks int) Outline {
	for _, re := range outlinePatterns {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}

		var out Outline
		for _, m := range matches {
			spec, ok := parseEntry(m[1])
			if !ok {
				continue
			}
			out = append(out, spec)
			if maxChunks > 0 && len(out) == maxChunks {
				break
			}
		}
		return out
	}
	return nil
}

func parseEntry(entry string) (Spec, bool) {
	entry = strings.TrimSpace(strings.NewReplacer("**", "", "__", "", "`", "").Replace(entry))

	var spec Spec
	if loc := labelSeparator.FindStringIndex(entry); loc != nil && loc[0] > 0 {
		spec.Label = strings.TrimSpace(entry[:loc[0]])
		spec.Description = strings.TrimSpace(entry[loc[1]:])
	} else {
		spec.Label = entry
	}
	spec.Label = strings.Trim(spec.Label, " \"'")
	return spec, spec.Label != ""
}
