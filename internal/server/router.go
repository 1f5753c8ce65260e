package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/activatr/internal/activation"
	"github.com/loykin/activatr/internal/metrics"
)

// Lister reads the activations of one environment.
type Lister interface {
	List(ctx context.Context, envPath string) (*activation.Activations, error)
}

// Router provides read-only HTTP handlers for inspecting activations.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/activations      query: env=/abs/env/path
//	GET {basePath}/activations/:id  query: env=/abs/env/path
//	GET /metrics                    Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	lister   Lister
	live     activation.Liveness
	basePath string
}

// NewRouter constructs a new Router. live may be nil, in which case
// responses omit starter liveness.
func NewRouter(lister Lister, live activation.Liveness, basePath string) *Router {
	return &Router{lister: lister, live: live, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/activations", r.handleList)
	group.GET("/activations/:id", r.handleGet)
	return g
}

// NewServer binds addr and serves the router in the background, over TLS when
// tlsCfg is non-nil. Bind errors are returned; the caller shuts the server down.
// The returned server's Addr is the bound address.
func NewServer(addr, basePath string, lister Lister, live activation.Liveness, tlsCfg *tls.Config) (*http.Server, error) {
	r := NewRouter(lister, live, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server.Addr = ln.Addr().String()
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// activationView is an activation annotated with the liveness of its starter.
type activationView struct {
	*activation.Activation
	StarterAlive *bool `json:"starter_alive,omitempty"`
}

type listResp struct {
	Environment string           `json:"environment"`
	Version     int              `json:"version"`
	Activations []activationView `json:"activations"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) envParam(c *gin.Context) (string, bool) {
	envPath := c.Query("env")
	if !isSafeAbsPath(envPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid env: must be an absolute path without traversal"})
		return "", false
	}
	return envPath, true
}

func (r *Router) handleList(c *gin.Context) {
	envPath, ok := r.envParam(c)
	if !ok {
		return
	}
	acts, err := r.lister.List(c.Request.Context(), envPath)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := listResp{Environment: envPath, Version: acts.Version, Activations: make([]activationView, 0, len(acts.Activations))}
	for _, a := range acts.Activations {
		out.Activations = append(out.Activations, r.view(a))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid activation id"})
		return
	}
	envPath, ok := r.envParam(c)
	if !ok {
		return
	}
	acts, err := r.lister.List(c.Request.Context(), envPath)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	a := acts.FindByID(id)
	if a == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: activation.ErrNotFound.Error() + ": " + id})
		return
	}
	writeJSON(c, http.StatusOK, r.view(a))
}

func (r *Router) view(a *activation.Activation) activationView {
	v := activationView{Activation: a}
	if r.live != nil {
		alive := a.StarterAlive(r.live)
		v.StarterAlive = &alive
	}
	return v
}
