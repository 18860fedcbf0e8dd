package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Sundsvall.backend.intric.ai/api/v1", "sundsvall.backend.intric.ai"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if schedulerFiresTotal == nil || dispatcherDroppedTotal == nil || summariesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(schedulerFiresTotalFor("overlap"))
	ObserveSchedulerFire("overlap")
	if got := testutil.ToFloat64(schedulerFiresTotalFor("overlap")); got != before+1 {
		t.Errorf("expected overlap fires to increase by 1, got %f -> %f", before, got)
	}

	beforeSummary := testutil.ToFloat64(summariesTotal.WithLabelValues("suppressed"))
	ObserveSummary("suppressed")
	if got := testutil.ToFloat64(summariesTotal.WithLabelValues("suppressed")); got != beforeSummary+1 {
		t.Errorf("expected suppressed summaries to increase by 1, got %f", got)
	}

	ObserveCrawlAPIRequest("https://api.example.com/v1", "trigger", "ok")
	if got := testutil.ToFloat64(crawlAPIRequestsTotal.WithLabelValues("api.example.com", "trigger", "ok")); got < 1 {
		t.Errorf("expected crawl api counter to be observed, got %f", got)
	}

	ObserveRateLimitDelay("alice", 20*time.Millisecond)
	if n := testutil.CollectAndCount(crawlAPIRateLimitSeconds); n == 0 {
		t.Error("expected rate limit histogram to have series")
	}
}

func schedulerFiresTotalFor(result string) prometheus.Counter {
	Init()
	return schedulerFiresTotal.WithLabelValues(result)
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
