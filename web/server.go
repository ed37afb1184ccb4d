// Package web serves node status over HTTP: /status JSON, /metrics for prometheus.
package web

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/watertank/tanknode/helpers"
	"github.com/watertank/tanknode/log2"
	"github.com/watertank/tanknode/network"
)

const DefaultPort = 80

type Config struct {
	Enable         bool `hcl:"enable"`
	Port           int  `hcl:"port"`
	ReadTimeoutSec int  `hcl:"read_timeout_sec"`
}

func (c *Config) ListenPort() uint16 {
	if c.Port <= 0 || c.Port > 0xffff {
		return DefaultPort
	}
	return uint16(c.Port)
}

type Server struct {
	Log     *log2.Log
	config  Config
	sources Sources
	started time.Time
	mux     *http.ServeMux
	srv     *http.Server
}

func NewServer(c Config, sources Sources, log *log2.Log) (*Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector{sources}); err != nil {
		return nil, errors.Annotate(err, "web metrics register")
	}
	s := &Server{
		Log:     log,
		config:  c,
		sources: sources,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.srv = &http.Server{
		Handler:     s.mux,
		ReadTimeout: helpers.IntSecondDefault(c.ReadTimeoutSec, 10*time.Second),
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve blocks until Close or listener failure.
func (s *Server) Serve(ln net.Listener) error {
	s.Log.Infof("web listen %s", ln.Addr())
	err := s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Annotate(err, "web serve")
}

func (s *Server) Close() error { return s.srv.Close() }

type status struct {
	Network   *network.Info `json:"network,omitempty"`
	Error     string        `json:"error,omitempty"`
	UptimeSec int64         `json:"uptime_sec"`
	Timestamp int64         `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now()
	st := status{UptimeSec: int64(now.Sub(s.started) / time.Second), Timestamp: now.Unix()}
	code := http.StatusOK
	if s.sources.Info != nil {
		info, err := s.sources.Info()
		if err != nil {
			s.Log.Errorf("web status err=%v", err)
			st.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			st.Network = &info
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.Log.Debugf("web status write err=%v", err)
	}
}
