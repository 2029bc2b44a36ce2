package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cuip/internal/registration"
)

func TestOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("match catalog: %w", registration.ErrNoCandidateFound), "no_candidate"},
		{registration.ErrCandidateSetTooLarge, "too_many_candidates"},
		{fmt.Errorf("solve transform: %w", registration.ErrSingularSystem), "singular"},
		{registration.ErrInvalidImageShape, "invalid_image"},
		{registration.ErrInvalidCatalog, "invalid_catalog"},
		{fmt.Errorf("disk on fire"), "error"},
	}
	for _, tc := range cases {
		if got := Outcome(tc.err); got != tc.want {
			t.Errorf("Outcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestObserveRegistrationCounts(t *testing.T) {
	before := testutil.ToFloat64(registrations.WithLabelValues("no_candidate"))
	ObserveRegistration(registration.Result{}, registration.ErrNoCandidateFound)
	after := testutil.ToFloat64(registrations.WithLabelValues("no_candidate"))
	if after != before+1 {
		t.Fatalf("counter moved from %v to %v", before, after)
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(PrometheusMiddleware)
	r.HandleFunc("/registrations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("/registrations/{id}"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/registrations/abc", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("/registrations/{id}")); got != before+1 {
		t.Fatalf("expected templated path counted once, got %v (before %v)", got, before)
	}
}
