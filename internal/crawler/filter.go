package crawler

import "strings"

// NormalizeIdentifier lower-cases and trims an id, name or URL, strips
// trailing slashes, and drops any fragment or query.
func NormalizeIdentifier(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "/")
}

// NormalizeFilters normalizes and de-duplicates filter entries, dropping empties.
func NormalizeFilters(filters []string) []string {
	if len(filters) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(filters))
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		n := NormalizeIdentifier(f)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MatchesFilter reports whether any normalized filter entry contains, or is
// contained in, the website's normalized id, name or URL.
func MatchesFilter(site Website, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	candidates := []string{
		NormalizeIdentifier(site.ID),
		NormalizeIdentifier(site.Name),
		NormalizeIdentifier(site.URL),
	}
	for _, f := range filters {
		for _, c := range candidates {
			if c == "" {
				continue
			}
			if strings.Contains(c, f) || strings.Contains(f, c) {
				return true
			}
		}
	}
	return false
}

// FilterWebsites returns the websites matching filters, preserving order.
func FilterWebsites(sites []Website, filters []string) []Website {
	if len(filters) == 0 {
		return sites
	}
	out := make([]Website, 0, len(sites))
	for _, s := range sites {
		if MatchesFilter(s, filters) {
			out = append(out, s)
		}
	}
	return out
}
