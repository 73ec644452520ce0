package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodian.org/internal/audit"
	"custodian.org/internal/auth"
	"custodian.org/internal/obs"
	"custodian.org/internal/privacy"
)

const (
	defaultMaxBodyBytes = 1 << 20
	refreshCookieName   = "refresh_token"
	refreshCookiePath   = "/v1/auth"
)

// Pinger is anything that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks readiness, for example a database ping.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options wires the HTTP layer to the session authority and both audit chains.
type Options struct {
	Service       *auth.Service
	Activity      *audit.Chain
	AdminActivity *audit.Chain
	// Privacy enables the /v1/me privacy routes when set.
	Privacy       *privacy.Service
	Ready         readinessChecker
	Version       string
	CookieSecure  bool
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	svc      *auth.Service
	activity *audit.Chain
	admin    *audit.Chain
	privacy  *privacy.Service
	ready    readinessChecker
	version  string

	cookieSecure bool
	rateBurst    int
	ratePerSec   int
	maxBody      int64
}

func New(opts Options) (*API, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if opts.Activity == nil || opts.AdminActivity == nil {
		return nil, errors.New("httpapi: audit chains are required")
	}
	a := &API{
		mux:          http.NewServeMux(),
		svc:          opts.Service,
		activity:     opts.Activity,
		admin:        opts.AdminActivity,
		privacy:      opts.Privacy,
		ready:        opts.Ready,
		version:      opts.Version,
		cookieSecure: opts.CookieSecure,
		rateBurst:    opts.RateBurst,
		ratePerSec:   opts.RatePerSecond,
		maxBody:      opts.MaxBodyBytes,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBodyBytes
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/register", a.register)
	a.mux.HandleFunc("POST /v1/auth/login", a.login(auth.ScopeUser))
	a.mux.HandleFunc("POST /v1/auth/resend-otp", a.resendOTP(auth.ScopeUser))
	a.mux.HandleFunc("POST /v1/auth/verify-otp", a.verifyOTP(auth.ScopeUser))
	a.mux.HandleFunc("POST /v1/auth/refresh", a.refresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.logout)

	a.mux.HandleFunc("POST /v1/auth/admin/login", a.login(auth.ScopeAdmin))
	a.mux.HandleFunc("POST /v1/auth/admin/resend-otp", a.resendOTP(auth.ScopeAdmin))
	a.mux.HandleFunc("POST /v1/auth/admin/verify-otp", a.verifyOTP(auth.ScopeAdmin))

	authed := a.withAuth
	a.mux.Handle("GET /v1/auth/me", authed(http.HandlerFunc(a.me)))
	a.mux.Handle("PUT /v1/auth/me/password", authed(http.HandlerFunc(a.changePassword)))
	a.mux.Handle("PUT /v1/auth/me/email", authed(http.HandlerFunc(a.changeEmail)))
	a.mux.Handle("GET /v1/me/activity", authed(http.HandlerFunc(a.myActivity)))
	a.mux.Handle("GET /v1/me/activity/verify", authed(http.HandlerFunc(a.verifyMyActivity)))
	a.privacyRoutes()

	admin := func(h http.HandlerFunc) http.Handler {
		return a.withAuth(RequireRole(auth.RoleAdmin)(h))
	}
	a.mux.Handle("GET /v1/admin/users", admin(a.listUsers))
	a.mux.Handle("POST /v1/admin/users/{id}/role", admin(a.changeRole))
	a.mux.Handle("GET /v1/admin/stats", admin(a.stats))
	a.mux.Handle("GET /v1/admin/activity", admin(a.adminActivity))
	a.mux.Handle("GET /v1/admin/activity/verify", admin(a.verifyAdminActivity))
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
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
		"name":               obs.ServiceName,
		"time":               time.Now().UTC().Format(time.RFC3339),
		"version":            a.version,
		"admin_registration": a.svc.AdminRegistrationEnabled(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)
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

// publicMessage strips the package prefix from sentinel-wrapped errors.
func publicMessage(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"auth: ", "audit: ", "privacy: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}

// handleServiceError maps domain errors to HTTP status codes.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		tooMany   *auth.TooManyRequestsError
		integrity *audit.IntegrityError
		decrypt   *audit.DecryptError
	)
	switch {
	case errors.As(err, &tooMany):
		w.Header().Set("Retry-After", strconv.Itoa(tooMany.Seconds()))
		writeErrorBody(w, r, http.StatusTooManyRequests, map[string]any{
			"error":       publicMessage(tooMany),
			"retry_after": tooMany.Seconds(),
		})
	case errors.Is(err, auth.ErrTooManyRequests):
		writeError(w, r, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, audit.ErrInvalidRecord), errors.Is(err, privacy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, auth.ErrAuthentication):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrChallengeExpired):
		writeError(w, r, http.StatusUnauthorized, "OTP expired")
	case errors.Is(err, auth.ErrChallengeInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired OTP")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrTokenRevoked), errors.Is(err, auth.ErrTokenNotFound), errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, publicMessage(err))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, publicMessage(err))
	case errors.As(err, &integrity):
		writeErrorBody(w, r, http.StatusConflict, map[string]any{
			"error":           "audit chain integrity violated",
			"valid":           false,
			"failed_entry_id": integrity.EntryID,
			"reason":          integrity.Reason,
		})
	case errors.As(err, &decrypt):
		obs.Logger().Error("audit_decrypt_failed",
			zap.Int64("entry_id", decrypt.EntryID),
			zap.String("field", decrypt.Field),
			zap.String("request_id", RequestIDFromContext(r.Context())),
		)
		writeError(w, r, http.StatusInternalServerError, "audit entry could not be decrypted")
	case errors.Is(err, privacy.ErrDecrypt):
		writeError(w, r, http.StatusInternalServerError, "stored value could not be decrypted")
	default:
		obs.Logger().Error("request_failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
