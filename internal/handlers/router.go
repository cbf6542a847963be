package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/returns/internal/platform/httpx"
)

// RouteRegistrar mounts one route group.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second

	groupMe       = "me"
	groupAdmin    = "admin"
	groupWebhooks = "webhooks"
	groupInternal = "internal"
)

// Groups are mounted in this order under the API prefix.
var routeGroups = []string{groupMe, groupAdmin, groupWebhooks, groupInternal}

type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	global []middlewareFunc
	health *HealthHandlers
	groups map[string]*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the API router. Groups without a registrar answer 501 so clients can tell a
// disabled surface from a typo.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		global: []middlewareFunc{
			middleware.RequestID,
			middleware.RealIP,
			middleware.CleanPath,
			middleware.Timeout(requestTimeout),
		},
		groups: make(map[string]*routeGroup, len(routeGroups)),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.global)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed",
			fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, name := range routeGroups {
			g := cfg.group(name)
			api.Route("/"+name, func(sub chi.Router) {
				useAll(sub, g.middlewares)
				if g.registrar == nil {
					notImplemented(sub, name)
					return
				}
				g.registrar(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplemented(r chi.Router, name string) {
	h := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not enabled", http.StatusNotImplemented))
	}
	r.HandleFunc("/", h)
	r.HandleFunc("/*", h)
	r.NotFound(h)
	r.MethodNotAllowed(h)
}

// WithMiddlewares appends router-wide middleware after the defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMeRoutes mounts customer endpoints under /me.
func WithMeRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(groupMe).registrar = reg }
}

// WithAdminRoutes mounts staff endpoints under /admin.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(groupAdmin).registrar = reg }
}

func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(groupWebhooks).registrar = reg }
}

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(groupWebhooks)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithInternalRoutes mounts Pub/Sub push and other service-to-service endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(groupInternal).registrar = reg }
}

// WithInternalMiddlewares guards the /internal group, typically with OIDC.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(groupInternal)
		g.middlewares = append(g.middlewares, mw...)
	}
}
