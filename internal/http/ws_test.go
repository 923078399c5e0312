package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// headerCounter counts WriteHeader calls so a handler that answers an
// already-answered request is caught.
type headerCounter struct {
	http.ResponseWriter
	writes int
}

func (h *headerCounter) WriteHeader(code int) {
	h.writes++
	h.ResponseWriter.WriteHeader(code)
}

func TestFailedUpgradeWritesSingleResponse(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/ws/drivers/d1", "/ws/passengers/p1"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		w := &headerCounter{ResponseWriter: rec}
		s.ServeHTTP(w, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 for a plain GET, got %d", path, rec.Code)
		}
		if w.writes != 1 {
			t.Fatalf("%s: response header written %d times", path, w.writes)
		}
	}
}
