package pipeline

import (
	"regexp"
	"strings"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s, collapses any run of non-alphanumeric characters to
// a single "-", strips leading/trailing "-", and truncates to 50
// characters — the branch-naming rule from spec §4.3.
func Slugify(s string) string {
	lower := strings.ToLower(s)
	slug := nonAlnumRun.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	return slug
}

// ShortRunID returns the first 8 characters of a run id, used as the
// "run-short-id" component of a salvage branch name.
func ShortRunID(runID string) string {
	if len(runID) <= 8 {
		return runID
	}
	return runID[:8]
}

// BranchName builds the salvage branch name flowstate/{task-slug}-{run-short-id}
// from a human-readable task title (or id) and a run id.
func BranchName(taskTitle, runID string) string {
	return "flowstate/" + Slugify(taskTitle) + "-" + ShortRunID(runID)
}
