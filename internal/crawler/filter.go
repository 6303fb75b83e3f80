package crawler

import "strings"

// patternFilter accepts links by plain substring match, mirroring how product
// listing patterns ("/product/", "/p/") are usually written.
type patternFilter struct {
	include []string
	exclude []string
}

func newPatternFilter(include, exclude []string) patternFilter {
	return patternFilter{
		include: cleanPatterns(include),
		exclude: cleanPatterns(exclude),
	}
}

func cleanPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))
	for _, raw := range patterns {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// Accept reports whether link matches at least one include pattern (or no
// include patterns are set) and no exclude pattern.
func (f patternFilter) Accept(link string) bool {
	for _, pattern := range f.exclude {
		if strings.Contains(link, pattern) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if strings.Contains(link, pattern) {
			return true
		}
	}
	return false
}
