package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/organisations":              "/organisations",
		"/organisations/org-1":        "/organisations/:id",
		"/organisations/org-1/extra":  "/organisations/org-1/extra",
		"/api/auth/login?next=/x":     "/api/auth/login",
		"/api/auth/password-reset":    "/api/auth/password-reset",
		"/dashboard?callbackUrl=%2Fa": "/dashboard",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRecordFlowIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(authFlowResults.WithLabelValues("login", "two_factor"))
	RecordFlow("login", "two_factor")
	after := testutil.ToFloat64(authFlowResults.WithLabelValues("login", "two_factor"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by one, got %v -> %v", before, after)
	}
}

func TestInstrumentCapturesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/organisations/abc", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/organisations/:id", "418"))
	if got < 1 {
		t.Fatalf("expected request to be counted, got %v", got)
	}
}
