// Package server exposes a running experiment over HTTP: status, audit
// trail, recent samples, operator abort and reset, and prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/echemlab/forcecell/experiment"
	"github.com/echemlab/forcecell/generichttp"
	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/pid"
	"github.com/echemlab/forcecell/runlog"
	"github.com/echemlab/forcecell/server/middleware/locker"
)

// Bench is what the server controls
type Bench interface {
	Snapshot() experiment.Snapshot
	History() []runlog.Record
	Abort(reason string)
	Reset() error
	SetGains(g pid.Gains) error
}

// DefaultSamples is the number of samples returned when n is not given
const DefaultSamples = 100

// AbortRequest is the body of POST /abort
type AbortRequest struct {
	Reason string `json:"reason"`
}

// Server holds the routes
type Server struct {
	bench   Bench
	gather  prometheus.Gatherer
	logger  *zap.SugaredLogger
	lock    *locker.Locker
	resetRL *rate.Limiter
	router  chi.Router
}

// New builds the router.  A nil gatherer serves the default registry.
func New(b Bench, gather prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		bench:   b,
		gather:  gather,
		logger:  logger,
		lock:    locker.New(),
		resetRL: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.lock.Check)
	r.Get("/status", s.status)
	r.Get("/transitions", s.transitions)
	r.Get("/samples", s.samples)
	r.Get("/limits", generichttp.GetJSON(func() interface{} { return s.bench.Snapshot().Limits }))
	r.Get("/gains", generichttp.GetJSON(func() interface{} { return s.bench.Snapshot().Gains }))
	r.Post("/gains", s.setGains)
	r.Post("/abort", s.abort)
	r.Post("/reset", s.reset)
	locker.Inject(r, s.lock)
	r.Handle("/metrics", promhttp.HandlerFor(gather, promhttp.HandlerOpts{}))
	r.Get("/list-of-routes", s.listRoutes)
	s.router = r
	return s
}

// Handler returns the router wrapped in request logging
func (s *Server) Handler() http.Handler {
	return middleware.Logger(s.router)
}

// ServeHTTP serves without request logging
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Locker returns the server's lock
func (s *Server) Locker() *locker.Locker {
	return s.lock
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, http.StatusOK, s.bench.Snapshot())
}

func (s *Server) transitions(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, http.StatusOK, s.bench.Snapshot().Transitions)
}

// samples returns the newest n records, oldest first
func (s *Server) samples(w http.ResponseWriter, r *http.Request) {
	n := DefaultSamples
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			generichttp.Error(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = v
	}
	recs := s.bench.History()
	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	if recs == nil {
		recs = []runlog.Record{}
	}
	generichttp.Reply(w, http.StatusOK, recs)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	req := AbortRequest{}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		generichttp.Error(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "requested over HTTP"
	}
	s.logger.Warnw("operator abort", "reason", req.Reason, "remote", r.RemoteAddr)
	s.bench.Abort(req.Reason)
	generichttp.Reply(w, http.StatusOK, s.bench.Snapshot())
}

// setGains retunes the force controller from a pid.Gains body
func (s *Server) setGains(w http.ResponseWriter, r *http.Request) {
	g := s.bench.Snapshot().Gains
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		generichttp.Error(w, http.StatusBadRequest, err)
		return
	}
	if err := s.bench.SetGains(g); err != nil {
		status := http.StatusInternalServerError
		var cfgErr *limits.ConfigError
		if errors.As(err, &cfgErr) {
			status = http.StatusBadRequest
		}
		generichttp.Error(w, status, err)
		return
	}
	s.logger.Infow("controller retuned over HTTP", "gains", g, "remote", r.RemoteAddr)
	generichttp.Reply(w, http.StatusOK, g)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if !s.resetRL.Allow() {
		generichttp.Error(w, http.StatusTooManyRequests, errors.New("reset requested too often"))
		return
	}
	if err := s.bench.Reset(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, experiment.ErrRunning) {
			status = http.StatusConflict
		}
		generichttp.Error(w, status, err)
		return
	}
	s.logger.Infow("reset over HTTP", "remote", r.RemoteAddr)
	generichttp.Reply(w, http.StatusOK, s.bench.Snapshot())
}

// listRoutes replies with every "METHOD /path" the router serves
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	var routes []string
	chi.Walk(s.router, func(method, route string, h http.Handler, mw ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	sort.Strings(routes)
	generichttp.Reply(w, http.StatusOK, routes)
}
