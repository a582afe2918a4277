package goals

import (
	"strings"
)

// artifact actions recognized after an [ARTIFACT] tag.
var artifactActions = map[string]bool{
	"Created":  true,
	"Modified": true,
	"Deleted":  true,
}

// ParseMarkers scans summary text for goal markers, line by line. Lines
// that carry a tag but do not match the grammar are ignored rather than
// guessed at.
func ParseMarkers(summary string) []Marker {
	var markers []Marker

	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "[CHECKPOINT]"):
			if m, ok := parseCheckpoint(strings.TrimSpace(line[len("[CHECKPOINT]"):])); ok {
				markers = append(markers, m)
			}
		case strings.HasPrefix(line, "[DECISION]"):
			if m, ok := parseDecision(strings.TrimSpace(line[len("[DECISION]"):])); ok {
				markers = append(markers, m)
			}
		case strings.HasPrefix(line, "[ARTIFACT]"):
			if m, ok := parseArtifact(strings.TrimSpace(line[len("[ARTIFACT]"):])); ok {
				markers = append(markers, m)
			}
		}
	}

	return markers
}

// parseCheckpoint handles "text - STATUS". The status is the segment after
// the last " - " so checkpoint text may itself contain dashes.
func parseCheckpoint(rest string) (Marker, bool) {
	idx := strings.LastIndex(rest, " - ")
	if idx < 0 {
		return Marker{}, false
	}
	text := strings.TrimSpace(rest[:idx])
	status := strings.TrimSpace(rest[idx+3:])
	if text == "" || status == "" {
		return Marker{}, false
	}
	return Marker{Kind: MarkerCheckpoint, Text: text, Status: status}, true
}

// parseDecision handles "text" and "text - LOCKED".
func parseDecision(rest string) (Marker, bool) {
	locked := false
	if idx := strings.LastIndex(rest, " - "); idx >= 0 && strings.TrimSpace(rest[idx+3:]) == "LOCKED" {
		locked = true
		rest = strings.TrimSpace(rest[:idx])
	}
	if rest == "" {
		return Marker{}, false
	}
	return Marker{Kind: MarkerDecision, Text: rest, Locked: locked}, true
}

// parseArtifact handles "{Created|Modified|Deleted} path".
func parseArtifact(rest string) (Marker, bool) {
	action, path, found := strings.Cut(rest, " ")
	if !found || !artifactActions[action] {
		return Marker{}, false
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Marker{}, false
	}
	return Marker{Kind: MarkerArtifact, Status: action, Path: path}, true
}
