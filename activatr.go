// Package activatr coordinates concurrent activations of an environment so
// that exactly one process performs the startup work and every other caller
// attaches to its result.
package activatr

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/loykin/activatr/internal/activation"
	cfg "github.com/loykin/activatr/internal/config"
	"github.com/loykin/activatr/internal/coordinator"
	"github.com/loykin/activatr/internal/detector"
	"github.com/loykin/activatr/internal/env"
	"github.com/loykin/activatr/internal/history"
	"github.com/loykin/activatr/internal/history/factory"
	"github.com/loykin/activatr/internal/logger"
	"github.com/loykin/activatr/internal/metrics"
	"github.com/loykin/activatr/internal/registry"
	iapi "github.com/loykin/activatr/internal/server"
	itls "github.com/loykin/activatr/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Activation  = activation.Activation
	Activations = activation.Activations
	Config      = cfg.Config
	Controller  = coordinator.Controller
	Policy      = coordinator.Policy
	Request     = coordinator.Request
	Result      = coordinator.Result
	HistorySink = history.Sink
	Active      = env.Active
)

var (
	ErrNotFound = activation.ErrNotFound

	IsRestartable = activation.IsRestartable
	IsTimeout     = activation.IsTimeout
	IsRegistry    = activation.IsRegistry

	WithActive       = env.WithActive
	ActiveFrom       = env.ActiveFrom
	ParseActive      = env.Parse
	ActiveFromOS     = env.FromOS
	ActiveEnvironVar = env.Var

	// StateDir derives the per-activation state directory.
	StateDir = registry.StateDir
)

func DefaultPolicy() Policy { return coordinator.DefaultPolicy() }

// New returns a controller for runtimeDir without logging or history.
func New(runtimeDir string, p Policy) *Controller { return coordinator.New(runtimeDir, p) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Runtime is a controller wired from configuration together with the
// resources it owns.
type Runtime struct {
	*Controller
	Config *Config
	Log    *slog.Logger

	closers []io.Closer
}

// Open builds a Runtime from c. Diagnostics go to stderr (os.Stderr when nil)
// and, when configured, to the rotating log file. A history sink that cannot
// be opened is logged and replaced by a no-op sink.
func Open(c *Config, stderr io.Writer) (*Runtime, error) {
	lc := c.Logger()
	if stderr == nil {
		stderr = os.Stderr
	}
	lc.Stderr = stderr
	log, logCloser, err := logger.New(lc)
	if err != nil {
		return nil, err
	}

	ctrl := coordinator.New(c.RuntimeDir, c.Policy())
	ctrl.Log = log
	rt := &Runtime{Controller: ctrl, Config: c, Log: log}

	if c.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			log.Warn("history disabled", "err", err)
		} else {
			ctrl.History = sink
			rt.closers = append(rt.closers, closerFunc(func() error { return factory.Close(sink) }))
		}
	}
	rt.closers = append(rt.closers, logCloser)
	return rt, nil
}

// Close releases the history sink and the log file.
func (r *Runtime) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewHTTPServer starts the read-only inspection API for the runtime's
// registries, over TLS when the [server.tls] section enables it.
func NewHTTPServer(addr, basePath string, r *Runtime) (*http.Server, error) {
	tlsCfg, err := itls.Setup(r.Config.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	return iapi.NewServer(addr, basePath, r.Controller, detector.Processes{}, tlsCfg)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// WriteMetricsTextfile writes the default registry for the node exporter
// textfile collector. An empty path is a no-op.
func WriteMetricsTextfile(path string) error {
	return metrics.WriteTextfile(path, prometheus.DefaultGatherer)
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
