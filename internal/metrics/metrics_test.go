package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://symbols.example.com/libfoo.so", "symbols.example.com"},
		{"standard https", "https://Symbols.example.com/path", "symbols.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
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

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if runsTotal == nil || ruleDurationSeconds == nil || deliveriesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(runsTotal.WithLabelValues("ok"))
	ObserveRun("ok", 10*time.Millisecond)
	if val := testutil.ToFloat64(runsTotal.WithLabelValues("ok")); val != before+1 {
		t.Errorf("Expected crashproc_runs_total{status=ok} to be %f, got %f", before+1, val)
	}

	beforeDL := testutil.ToFloat64(deliveriesTotal.WithLabelValues("dead_letter"))
	ObserveDelivery("dead_letter")
	if val := testutil.ToFloat64(deliveriesTotal.WithLabelValues("dead_letter")); val != beforeDL+1 {
		t.Errorf("Expected dead_letter deliveries to be %f, got %f", beforeDL+1, val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://symbols.mozilla.org", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
