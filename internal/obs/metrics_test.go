package obs

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPathUsesRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = CanonicalPath(req)
		})
	})
	r.Get("/v1/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := map[string]string{
		"/v1/users/01HZX": "/v1/users/{id}",
		"/v1/users/other": "/v1/users/{id}",
	}
	for input, expected := range cases {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, input, nil))
		if got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestCanonicalPathWithoutRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if got := CanonicalPath(req); got != "unmatched" {
		t.Fatalf("CanonicalPath=%q, want unmatched", got)
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	l, err := NewLogger("debug", "json")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	prev := SetLogger(l)
	defer SetLogger(prev)
	if Logger() != l {
		t.Fatal("SetLogger did not replace the shared logger")
	}
}

func TestSetBuildInfoKeepsOneSeries(t *testing.T) {
	SetBuildInfo("v1", "abc")
	SetBuildInfo("v2", "def")
	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected one build_info series, got %d", n)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("v2", "def", runtime.Version())); v != 1 {
		t.Fatalf("unexpected build_info value %v", v)
	}
}
