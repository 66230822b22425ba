package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
)

func TestLockBlocksMutations(t *testing.T) {
	l := New()
	r := chi.NewRouter()
	r.Use(l.Check)
	Inject(r, l)
	r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {})
	r.Post("/abort", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {})

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}
	if code := do(http.MethodPost, "/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("lock returned %d", code)
	}
	if !l.Locked() {
		t.Fatal("not locked")
	}
	if code := do(http.MethodPost, "/reset", ""); code != http.StatusLocked {
		t.Errorf("expected 423 for reset, got %d", code)
	}
	if code := do(http.MethodPost, "/abort", ""); code != http.StatusOK {
		t.Errorf("abort must stay reachable, got %d", code)
	}
	if code := do(http.MethodGet, "/status", ""); code != http.StatusOK {
		t.Errorf("status must stay readable, got %d", code)
	}
	do(http.MethodPost, "/lock", `{"bool": false}`)
	if code := do(http.MethodPost, "/reset", ""); code != http.StatusOK {
		t.Errorf("expected reset after unlock, got %d", code)
	}
}
