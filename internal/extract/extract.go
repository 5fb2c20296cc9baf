// Package extract parses chat message text into structured pull request
// references. It is pure: no I/O, deterministic output.
package extract

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/prsweep/prsweep/internal/model"
)

// Chat text is uncontrolled input, so the pattern is deliberately
// permissive about what precedes and follows a URL. Slack wraps links
// in angle brackets (<url> or <url|label>); the pattern matches the
// bare URL and the caller never sees the decoration.
var prURLPattern = regexp.MustCompile(
	`https?://([a-zA-Z0-9.-]+)/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/pull/(\d+)`,
)

// Extractor finds pull request references for a single hosting domain.
type Extractor struct {
	host string
}

// New creates an extractor that accepts links on the given host,
// e.g. "github.com" or a GitHub Enterprise domain.
func New(host string) *Extractor {
	if host == "" {
		host = "github.com"
	}
	return &Extractor{host: host}
}

// Extract returns the deduplicated set of pull request references found
// in raw message text, sorted for deterministic downstream processing.
// Malformed or partial URLs are ignored, never an error.
func (e *Extractor) Extract(text string) []model.PullRequestRef {
	matches := prURLPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[model.PullRequestRef]struct{}, len(matches))
	var refs []model.PullRequestRef
	for _, m := range matches {
		if m[1] != e.host {
			continue
		}
		number, err := strconv.Atoi(m[4])
		if err != nil || number <= 0 {
			continue
		}
		ref := model.PullRequestRef{
			Host:   m[1],
			Owner:  m[2],
			Repo:   m[3],
			Number: number,
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	SortRefs(refs)
	return refs
}

// SortRefs orders references by owner, repo, then number.
func SortRefs(refs []model.PullRequestRef) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Repo != b.Repo {
			return a.Repo < b.Repo
		}
		return a.Number < b.Number
	})
}
