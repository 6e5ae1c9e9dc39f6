package domain

import (
	"strings"
	"time"
)

// Branch naming for work items.
//
// Items submitted with a spec get a short default branch derived from the
// item id. Items that went through spec generation get a descriptive branch
// derived from provenance and the generated title.

const (
	defaultBranchPrefix = "whim/"
	derivedBranchPrefix = "ai/"
	slugMaxLen          = 40
)

// DefaultBranch returns the branch used when a spec is supplied directly:
// "whim/<first 8 chars of the item id>".
func DefaultBranch(itemID string) string {
	short := itemID
	if len(short) > 8 {
		short = short[:8]
	}
	return defaultBranchPrefix + short
}

// DeriveBranch builds the branch for a generated spec.
// With provenance: "ai/<source>-<sanitized sourceRef>-<slug(title, 40)>".
// Without: "ai/<YYYYMMDDhhmmss>-<slug(title or "task", 40)>".
func DeriveBranch(source, sourceRef *string, title string, now time.Time) string {
	if title == "" {
		title = "task"
	}
	if source != nil && *source != "" && sourceRef != nil && *sourceRef != "" {
		return derivedBranchPrefix + Slug(*source, slugMaxLen) + "-" + Slug(*sourceRef, slugMaxLen) + "-" + Slug(title, slugMaxLen)
	}
	return derivedBranchPrefix + now.UTC().Format("20060102150405") + "-" + Slug(title, slugMaxLen)
}

// Slug lowercases s, replaces runs of non-alphanumerics with single dashes,
// trims leading/trailing dashes, and truncates to maxLen.
func Slug(s string, maxLen int) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "-")
	}
	return out
}
