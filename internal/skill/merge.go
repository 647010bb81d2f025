package skill

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict markers written into merged files when hunks cannot apply.
const (
	markerBegin = "<<<<<<< current"
	markerSplit = "======="
	markerEnd   = ">>>>>>> skill"
)

// threeWayMerge merges the skill's changes (base -> skill) onto the current
// content. Returns the merged text and whether any hunk conflicted. A missing
// base (empty string with baseKnown=false) falls back to overlay: the skill
// content wins wholesale.
func threeWayMerge(base, current, skill string, baseKnown bool) (string, bool) {
	if !baseKnown {
		return skill, false
	}
	if base == current {
		// No local edits since the snapshot; take the skill content as-is.
		return skill, false
	}
	if base == skill {
		// Skill changes nothing relative to base; keep local edits.
		return current, false
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, skill)
	merged, applied := dmp.PatchApply(patches, current)

	conflict := false
	var failedHunks []string
	for i, ok := range applied {
		if !ok {
			conflict = true
			failedHunks = append(failedHunks, dmp.PatchToText(patches[i:i+1]))
		}
	}
	if !conflict {
		return merged, false
	}

	// Unappliable hunks are surfaced as a conflict block so nothing the
	// skill wanted is silently lost.
	var sb strings.Builder
	sb.WriteString(merged)
	if !strings.HasSuffix(merged, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(markerBegin + "\n")
	sb.WriteString(markerSplit + "\n")
	for _, hunk := range failedHunks {
		sb.WriteString(hunk)
		if !strings.HasSuffix(hunk, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString(markerEnd + "\n")
	return sb.String(), true
}

// hasConflictMarkers reports whether merged content contains conflict
// markers.
func hasConflictMarkers(content string) bool {
	return strings.Contains(content, markerBegin)
}
