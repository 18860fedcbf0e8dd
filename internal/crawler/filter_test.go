package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentifier(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  HTTPS://Acme.com/ ":            "https://acme.com",
		"https://acme.com/path?q=1":       "https://acme.com/path",
		"https://acme.com/docs/#intro":    "https://acme.com/docs",
		"https://acme.com/?utm=x#frag":    "https://acme.com",
		"Website-ID":                      "website-id",
		"":                                "",
		"https://acme.com/a///":           "https://acme.com/a",
		"https://acme.com/page#a?not=qry": "https://acme.com/page",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeIdentifier(in), "input %q", in)
	}
}

func TestNormalizeFiltersDeduplicates(t *testing.T) {
	t.Parallel()

	got := NormalizeFilters([]string{"Acme", "acme/", " ", "https://B.org?x=1"})
	require.Equal(t, []string{"acme", "https://b.org"}, got)
	require.Nil(t, NormalizeFilters([]string{"  ", ""}))
	require.Nil(t, NormalizeFilters(nil))
}

func TestFilterWebsitesContainment(t *testing.T) {
	t.Parallel()

	sites := []Website{
		{ID: "w1", Name: "Acme Site", URL: "https://acme.com"},
		{ID: "w2", Name: "Other", URL: "https://other.org"},
	}

	got := FilterWebsites(sites, NormalizeFilters([]string{"acme"}))
	require.Equal(t, []Website{sites[0]}, got)

	// Filter longer than the candidate still matches when it contains it.
	got = FilterWebsites(sites, NormalizeFilters([]string{"https://other.org/landing"}))
	require.Equal(t, []Website{sites[1]}, got)

	require.Equal(t, sites, FilterWebsites(sites, nil))
	require.Empty(t, FilterWebsites(sites, []string{"nomatch"}))
}
