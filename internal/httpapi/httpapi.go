package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ordersync/backend/internal/batch"
	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

const (
	maxJSONBody    = 1 << 20
	maxWebhookBody = 32 << 20
)

// WebhookHandler runs one inbound webhook call end to end.
type WebhookHandler interface {
	Handle(ctx context.Context, in batch.Inbound) batch.Reply
}

type SessionViewer interface {
	Active(ctx context.Context, registerID string) (*domain.RegisterSession, error)
}

type IdempotencyLookup interface {
	Lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
}

type Deps struct {
	Webhooks    WebhookHandler
	Sessions    SessionViewer
	Audit       store.AuditLog
	Idempotency IdempotencyLookup
}

type API struct {
	deps          Deps
	auth          *AuthManager
	allowedOrigin string
	tokenLimiter  *attemptLimiter
}

func New(deps Deps, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		deps:          deps,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		tokenLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/token", a.handleToken)

	r.Post("/api/v1/webhook/pos-order", a.handleWebhook(true))
	r.Post("/api/v1/webhook/pos-order/bulk", a.handleWebhook(false))

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Get("/api/v1/registers/{registerID}/session", a.handleActiveSession)
		r.Get("/api/v1/webhook-logs", a.handleWebhookLogs)
		r.Get("/api/v1/idempotency/{key}", a.handleIdempotencyLookup)
	})

	return r
}

type actorKey struct{}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// headerActor authenticates X-API-Key or a bearer token. It returns a nil actor
// when the request carries neither.
func (a *API) headerActor(r *http.Request) (*domain.Actor, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		actor, err := a.auth.AuthenticateAPIKey(r.Context(), key)
		if err != nil {
			return nil, err
		}
		return &actor, nil
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return nil, nil
	}
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return nil, errors.New("unsupported authorization scheme")
	}
	actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
	if err != nil {
		return nil, err
	}
	return &actor, nil
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.headerActor(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if actor == nil {
			writeError(w, http.StatusUnauthorized, errors.New("missing API key or bearer token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), *actor)))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if !a.tokenLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many token requests"))
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" {
		var req struct {
			APIKey string `json:"api_key"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		key = req.APIKey
	}

	resp, err := a.auth.ExchangeKey(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleWebhook(single bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}

		in := batch.Inbound{
			Route:          r.URL.Path,
			Method:         r.Method,
			IPAddress:      clientKey(r),
			UserAgent:      r.UserAgent(),
			Headers:        auditHeaders(r.Header),
			Body:           body,
			IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
			SingleOrder:    single,
		}
		actor, err := a.headerActor(r)
		if err != nil {
			in.RejectedCredentials = true
		}
		in.Actor = actor

		reply := a.deps.Webhooks.Handle(r.Context(), in)
		w.Header().Set("Content-Type", "application/json")
		if reply.Replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		w.WriteHeader(reply.Status)
		_, _ = w.Write(reply.Body)
	}
}

// auditedHeaders are the request headers kept in the webhook log. Credentials
// never are.
var auditedHeaders = []string{"Content-Type", "Content-Length", "Idempotency-Key", "User-Agent", "X-Forwarded-For", "X-Request-Id"}

func auditHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(auditedHeaders))
	for _, name := range auditedHeaders {
		if value := h.Get(name); value != "" {
			out[name] = value
		}
	}
	return out
}

func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	registerID := chi.URLParam(r, "registerID")
	session, err := a.deps.Sessions.Active(r.Context(), registerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("register has no open session"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.deps.Audit.ListWebhookLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook_logs": logs})
}

func (a *API) handleIdempotencyLookup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	record, err := a.deps.Idempotency.Lookup(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("idempotency key not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	payload := map[string]any{"idempotency": record}
	if record.State == domain.IdempotencyCommitted && json.Valid(record.ResponseBody) {
		payload["response"] = json.RawMessage(record.ResponseBody)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry the underlying error.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
