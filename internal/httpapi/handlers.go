package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"orgdash.app/internal/auth"
	"orgdash.app/internal/obs"
)

const maxRequestBody = 1 << 20

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadyProbe pings every named dependency.
type ReadyProbe struct {
	Checks map[string]Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Checks[name].Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Options configures the HTTP layer.
type Options struct {
	Routes    Routes
	Cookie    CookieConfig
	Ready     ReadyProbe
	Version   string
	RateLimit *RateLimiter
	Logger    *zap.Logger
}

// API is the HTTP surface of the auth service.
type API struct {
	infra   *http.ServeMux
	app     *http.ServeMux
	auth    *auth.Service
	routes  Routes
	cookie  CookieConfig
	ready   ReadyProbe
	version string
	limiter *RateLimiter
	log     *zap.Logger
}

func New(svc *auth.Service, opts Options) (*API, error) {
	if svc == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if opts.Cookie.Name == "" {
		return nil, errors.New("httpapi: cookie name is required")
	}
	if opts.Routes.Login == "" {
		opts.Routes = DefaultRoutes()
	}
	if opts.Logger == nil {
		opts.Logger = obs.Logger().Named("http")
	}
	if opts.RateLimit == nil {
		opts.RateLimit = NewRateLimiter(20, 5)
	}
	a := &API{
		infra:   http.NewServeMux(),
		app:     http.NewServeMux(),
		auth:    svc,
		routes:  opts.Routes,
		cookie:  opts.Cookie,
		ready:   opts.Ready,
		version: opts.Version,
		limiter: opts.RateLimit,
		log:     opts.Logger,
	}

	a.infra.HandleFunc("/healthz", a.Healthz)
	a.infra.HandleFunc("/readyz", a.Ready)
	a.infra.HandleFunc("/v1/info", a.Info)
	a.infra.Handle("/metrics", obs.Handler())
	a.infra.Handle("/", a.withAccess(a.app))

	a.registerAuthRoutes()
	a.app.HandleFunc("/organisations", a.Organisations)
	a.app.HandleFunc("/", a.Page)
	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.infra
	h = MaxBodyBytes(h, maxRequestBody)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Limiter exposes the rate limiter so the caller can run its sweeper.
func (a *API) Limiter() *RateLimiter { return a.limiter }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "orgdash-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "orgdash",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"routes": map[string]any{
			"public":          a.routes.Public,
			"auth":            a.routes.Auth,
			"apiAuthPrefix":   a.routes.APIAuthPrefix,
			"defaultRedirect": a.routes.DefaultRedirect,
		},
	})
}

// Organisations is the protected landing page; the access middleware guarantees a session.
func (a *API) Organisations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":    "organisations",
		"session": sess,
	})
}

// Page answers the known public and auth pages with a small descriptor.
func (a *API) Page(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if !a.routes.isPublic(path) && !a.routes.isAuth(path) {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	_, signedIn := auth.SessionFromContext(r.Context())
	page := strings.TrimPrefix(path, "/")
	if page == "" {
		page = "home"
	}
	body := map[string]any{"page": page, "signedIn": signedIn}
	if token := r.URL.Query().Get("token"); token != "" {
		body["token"] = token
	}
	if code := r.URL.Query().Get("error"); code != "" {
		body["error"] = code
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
