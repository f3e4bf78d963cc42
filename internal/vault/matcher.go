// Package vault implements the Ignore/Deny Matcher: a fixed, built-in
// blocklist of path globs that no trust level or explicit grant can
// override, plus the glob predicate the Permission Handler runs
// session-granted read/write patterns through.
package vault

import (
	"path"
	"strings"
)

// BuiltinDenyPatterns is the fixed set of path globs that are always
// denied regardless of trust level or session grants. Patterns are
// matched against vault-relative, slash-normalized paths.
var BuiltinDenyPatterns = []string{
	".env",
	".env.*",
	".env*",
	"**/.env*",
	"**/*.key",
	"**/*.pem",
	"node_modules/**",
	"**/node_modules/**",
	".git/**",
	"**/.git/**",
	"**/*.pfx",
	"**/*credentials*",
	"**/id_rsa",
	"**/id_rsa.*",
}

// Matcher evaluates a vault-relative path against the built-in deny
// list plus any additional patterns an operator has configured.
type Matcher struct {
	extra []string
}

// New returns a Matcher that checks BuiltinDenyPatterns and the given
// extra patterns, which are appended verbatim (no validation beyond
// what MatchPattern performs at check time).
func New(extra []string) *Matcher {
	m := &Matcher{extra: make([]string, len(extra))}
	copy(m.extra, extra)
	return m
}

// IsDenied reports whether path matches the built-in deny list or any
// configured extra deny pattern. Deny-list checks never consult trust
// level; callers apply this before anything else.
func (m *Matcher) IsDenied(p string) bool {
	if MatchesAny(p, BuiltinDenyPatterns) {
		return true
	}
	return MatchesAny(p, m.extra)
}

// Normalize strips a leading "./" or "/" from a path so deny-list and
// grant-pattern checks operate on a consistent vault-relative form.
func Normalize(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

// MatchesAny reports whether the normalized form of p matches any of
// patterns. A pattern is checked two ways: as a path.Match glob
// against the full normalized path, and — when it contains "**" — as
// a prefix test against everything before the first "**", so that
// "Blogs/**/*" matches "Blogs/post.md" as well as
// "Blogs/drafts/post.md" the way a recursive descendant pattern
// should. A pattern that starts with "**" has no prefix; instead the
// rest of it is matched against the path and against each of its
// trailing parts, so "**/*.key" matches "api.key" and "secrets/api.key".
func MatchesAny(p string, patterns []string) bool {
	normalized := Normalize(p)
	for _, pattern := range patterns {
		if matchOne(normalized, pattern) {
			return true
		}
	}
	return false
}

func matchOne(normalized, pattern string) bool {
	if ok, err := path.Match(pattern, normalized); err == nil && ok {
		return true
	}
	if strings.Contains(pattern, "**") {
		base := strings.TrimSuffix(strings.SplitN(pattern, "**", 2)[0], "/")
		if base == "" {
			// A leading "**" spans any number of directories, so the rest
			// of the pattern is tried against every trailing part of the
			// path.
			rest := strings.TrimPrefix(strings.TrimPrefix(pattern, "**"), "/")
			if rest == "" {
				return true
			}
			for tail := normalized; ; {
				if matchOne(tail, rest) {
					return true
				}
				i := strings.IndexByte(tail, '/')
				if i < 0 {
					return false
				}
				tail = tail[i+1:]
			}
		}
		if normalized == base || strings.HasPrefix(normalized, base+"/") {
			return true
		}
	}
	// path.Match does not treat "/" specially the way shell globs with
	// "*" do across segments for plain single-star patterns anchored at
	// a directory (e.g. "Blogs/*" matching "Blogs/drafts/post.md" is
	// intentionally false per path.Match, matching fnmatch's behavior).
	return false
}

// SuggestGrants synthesizes candidate grant patterns for a denied path,
// ordered narrowest to broadest: the file itself, its folder, the
// folder and its descendants, the top-level directory, and the full
// vault. The UI offers these as graduated-grant choices.
func SuggestGrants(p string) []string {
	normalized := Normalize(p)
	if normalized == "" {
		return []string{"**/*"}
	}

	segments := strings.Split(normalized, "/")
	suggestions := []string{normalized}

	dir := path.Dir(normalized)
	if dir != "." {
		suggestions = append(suggestions, dir+"/*")
		suggestions = append(suggestions, dir+"/**/*")
	}

	if len(segments) > 1 && segments[0] != "" {
		suggestions = append(suggestions, segments[0]+"/**/*")
	}

	suggestions = append(suggestions, "**/*")
	return dedupe(suggestions)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
