// Package server exposes the read api consumed by dashboards and csv
// tooling. Every data endpoint is a pure function of the snapshot store, so
// responses are cached by path+query for one snapshot interval.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/bpwatch/bpwatchdb"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "server_requests_total",
		Help:      "Total read api requests by route and status.",
	}, []string{"route", "code"})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "server_cache_hits_total",
		Help:      "Read api responses served from the cache.",
	})
)

type cachedResponse struct {
	contentType string
	body        []byte
}

type Server struct {
	services.Service

	cfg    *Config
	store  *bpwatchdb.Store
	logger log.Logger

	cache *expirable.LRU[string, cachedResponse]
	srv   *http.Server
}

func New(cfg *Config, store *bpwatchdb.Store, logger log.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
		cache:  expirable.NewLRU[string, cachedResponse](cfg.CacheMax, nil, cfg.CacheTTL),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ready")
	})
	r.HandleFunc("/single.yaml", s.cached("single", s.renderSingleYAML))
	r.HandleFunc("/range.yaml", s.cached("range", s.renderRangeYAML))
	r.HandleFunc("/range.csv", s.cached("range_csv", s.renderRangeCSV))
	r.HandleFunc("/missed-slots.yaml", s.cached("missed_slots", s.renderMissedSlotsYAML))

	s.srv = &http.Server{
		Addr:    net.JoinHostPort(cfg.BindHost, fmt.Sprintf("%d", cfg.BindPort)),
		Handler: r,
	}

	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s
}

func (s *Server) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			level.Info(s.logger).Log("msg", "read api listening with tls", "addr", s.srv.Addr)
			err = s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			level.Info(s.logger).Log("msg", "read api listening", "addr", s.srv.Addr)
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Server) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type renderFunc func(r *http.Request) (string, []byte, error)

// cached serves a render through the response cache. Clients can force a
// fresh render with Cache-Control: no-cache; errors are never cached.
func (s *Server) cached(route string, render renderFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.RequestURI()

		cc := r.Header.Get("Cache-Control")
		bypass := strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store")
		if !bypass {
			if resp, ok := s.cache.Get(key); ok {
				metricCacheHits.Inc()
				metricRequests.WithLabelValues(route, "200").Inc()
				w.Header().Set("Content-Type", resp.contentType)
				_, _ = w.Write(resp.body)
				return
			}
		}

		contentType, body, err := render(r)
		if err != nil {
			code := statusFor(err)
			metricRequests.WithLabelValues(route, fmt.Sprintf("%d", code)).Inc()
			if code >= 500 {
				level.Error(s.logger).Log("msg", "render failed", "route", route, "err", err)
			}
			http.Error(w, err.Error(), code)
			return
		}

		s.cache.Add(key, cachedResponse{contentType: contentType, body: body})
		metricRequests.WithLabelValues(route, "200").Inc()
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}
}

func statusFor(err error) int {
	switch {
	case isBadParam(err):
		return http.StatusBadRequest
	case err == bpwatchdb.ErrEmptyStore, err == bpwatchdb.ErrNoSnapshot:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type badParamError struct {
	err error
}

func (e badParamError) Error() string { return e.err.Error() }

func isBadParam(err error) bool {
	_, ok := err.(badParamError)
	return ok
}
