// Package locker provides an HTTP middleware which allows a router to be
// locked, returning 423 (locked).  A locked bench still reports status and
// still accepts an abort.
package locker

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi"

	"github.com/echemlab/forcecell/generichttp"
)

// Inject adds GET and POST /lock routes to r
func Inject(r chi.Router, l *Locker) {
	r.Get("/lock", generichttp.GetBool(l.Locked))
	r.Post("/lock", generichttp.SetBool(func(b bool) {
		if b {
			l.Lock()
		} else {
			l.Unlock()
		}
	}))
}

// Locker behaves like a sync.Mutex without the blocking, and holds a list
// of path fragments it does not protect
type Locker struct {
	locked atomic.Bool

	// DoNotProtect is a list of path fragments not to apply the lock to
	DoNotProtect []string
}

// New returns a Locker that leaves the lock route and abort reachable
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "abort"}}
}

// Lock the locker
func (l *Locker) Lock() { l.locked.Store(true) }

// Unlock the locker
func (l *Locker) Unlock() { l.locked.Store(false) }

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool { return l.locked.Load() }

// Check is an HTTP middleware that returns http.StatusLocked for mutating
// requests to protected paths while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet && r.Method != http.MethodHead {
			protected := true
			for _, str := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, str) {
					protected = false
					break
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
