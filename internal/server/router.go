package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/metrics"
	"github.com/loykin/agentmgr/internal/service"
	"github.com/loykin/agentmgr/internal/update"
)

// Router provides embeddable HTTP handlers for the manager's control API.
// Endpoints (relative to basePath):
//
//	GET  /status                       service status
//	POST /service/configure            body optional: {"binary_path", "env"}; empty applies the config file
//	POST /service/start
//	POST /service/stop?timeout=30s
//	POST /service/restart?timeout=30s
//	POST /service/remove?timeout=30s
//	GET  /lock                         instance lock holder
//	GET  /update/check                 latest release vs. running version
//	GET  /history?limit=50             recent lifecycle events
//	GET  /resources                    cpu/memory samples of the service process
//	GET  /metrics                      prometheus exposition, when enabled
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger
}

// ServiceController is the controller surface the API drives.
type ServiceController interface {
	Apply(ctx context.Context, store service.ConfigStore) (service.Result, error)
	Configure(ctx context.Context, binaryPath string, env map[string]string) (service.Result, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context, timeout time.Duration) (service.Result, error)
	Restart(ctx context.Context, timeout time.Duration) (service.Result, error)
	Remove(ctx context.Context, timeout time.Duration) (service.Result, error)
	Status(ctx context.Context) (service.Status, error)
}

// LockInspector reports the instance lock. *instance.Manager implements it.
type LockInspector interface {
	Path() string
	Holder() (pid int, alive bool, err error)
}

// UpdateChecker is satisfied by *update.Updater.
type UpdateChecker interface {
	Check(ctx context.Context, current string) (update.Release, bool, error)
}

// Deps wires the router. Only Service is required; routes whose dependency
// is missing answer 404.
type Deps struct {
	Service        ServiceController
	Store          service.ConfigStore
	Lock           LockInspector
	Updates        UpdateChecker
	Version        string
	History        history.Reader
	Resources      *metrics.ResourceSampler
	Metrics        http.Handler
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter constructs a Router mounted under basePath, e.g. "/api".
func NewRouter(deps Deps, basePath string) *Router {
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = service.DefaultStopTimeout
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath), log: logger.Component(deps.Logger, "server")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/status", r.handleStatus)
	svc := group.Group("/service")
	svc.POST("/configure", r.handleConfigure)
	svc.POST("/start", r.handleStart)
	svc.POST("/stop", r.timed(r.deps.Service.Stop))
	svc.POST("/restart", r.timed(r.deps.Service.Restart))
	svc.POST("/remove", r.timed(r.deps.Service.Remove))
	group.GET("/lock", r.handleLock)
	group.GET("/update/check", r.handleUpdateCheck)
	group.GET("/history", r.handleHistory)
	group.GET("/resources", r.handleResources)
	if r.deps.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.deps.Metrics))
	}
}

// NewServer starts a standalone HTTP server on addr using this router.
// Serve errors other than a clean shutdown are logged.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop and restart may wait for the service timeout plus escalation
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("control api stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// resultResp carries the operation result even when the operation failed.
type resultResp struct {
	Result service.Result `json:"result"`
	Error  string         `json:"error,omitempty"`
}

type configureReq struct {
	BinaryPath string            `json:"binary_path"`
	Env        map[string]string `json:"env"`
}

type lockResp struct {
	Path  string `json:"path"`
	PID   int    `json:"pid,omitempty"`
	Alive bool   `json:"alive"`
}

type updateResp struct {
	Current string         `json:"current"`
	Latest  update.Release `json:"latest"`
	Newer   bool           `json:"newer"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.deps.Service.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleConfigure(c *gin.Context) {
	var body configureReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	ctx := c.Request.Context()
	if body.BinaryPath == "" {
		if len(body.Env) > 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "env requires binary_path"})
			return
		}
		if r.deps.Store == nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "binary_path required"})
			return
		}
		res, err := r.deps.Service.Apply(ctx, r.deps.Store)
		r.writeResult(c, "configure", res, err)
		return
	}
	if !isSafeAbsPath(body.BinaryPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid binary_path: must be absolute path without traversal"})
		return
	}
	for k := range body.Env {
		if !isSafeKey(k) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid env key " + strconv.Quote(k) + ": allowed [A-Za-z0-9._-]"})
			return
		}
	}
	res, err := r.deps.Service.Configure(ctx, body.BinaryPath, body.Env)
	r.writeResult(c, "configure", res, err)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.deps.Service.Start(c.Request.Context()); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// timed adapts stop, restart and remove, which share the timeout query parameter.
func (r *Router) timed(op func(context.Context, time.Duration) (service.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		timeout := r.deps.DefaultTimeout
		if s := c.Query("timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + s})
				return
			}
			timeout = d
		}
		res, err := op(c.Request.Context(), timeout)
		r.writeResult(c, c.FullPath(), res, err)
	}
}

func (r *Router) writeResult(c *gin.Context, op string, res service.Result, err error) {
	if err != nil {
		r.log.Warn("service operation failed", "op", op, "error", err)
		writeJSON(c, statusFor(err), resultResp{Result: res, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, resultResp{Result: res})
}

func (r *Router) handleLock(c *gin.Context) {
	if r.deps.Lock == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "lock not available"})
		return
	}
	pid, alive, err := r.deps.Lock.Holder()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, lockResp{Path: r.deps.Lock.Path(), PID: pid, Alive: alive})
}

func (r *Router) handleUpdateCheck(c *gin.Context) {
	if r.deps.Updates == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "updates not configured"})
		return
	}
	rel, newer, err := r.deps.Updates.Check(c.Request.Context(), r.deps.Version)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, update.ErrNoRelease) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, updateResp{Current: r.deps.Version, Latest: rel, Newer: newer})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.deps.History == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history not readable"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := r.deps.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.deps.Resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	samples := r.deps.Resources.History()
	if samples == nil {
		samples = []metrics.ResourceSample{}
	}
	writeJSON(c, http.StatusOK, samples)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrServiceConfig):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStateNotReached):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
