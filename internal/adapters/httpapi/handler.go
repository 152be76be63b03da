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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
	"github.com/atvirokodosprendimai/keyring/internal/core/usecase"
)

type ctxKey string

const (
	timeFormat             = "2006-01-02T15:04:05.999999999Z07:00"
	actorCtxKey     ctxKey = "actor"
	maxJSONBodySize        = 1 << 20
)

type Options struct {
	Keys      *usecase.LifecycleService
	Validator *usecase.Validator
	Sessions  *Sessions
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
	// VerifyPerMinute throttles the verify endpoint per client IP. Zero disables it.
	VerifyPerMinute int
}

type Handler struct {
	keys            *usecase.LifecycleService
	validator       *usecase.Validator
	sessions        *Sessions
	metrics         http.Handler
	log             zerolog.Logger
	verifyPerMinute int
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		keys:            opts.Keys,
		validator:       opts.Validator,
		sessions:        opts.Sessions,
		metrics:         opts.Metrics,
		log:             opts.Logger.With().Str("component", "httpapi").Logger(),
		verifyPerMinute: opts.VerifyPerMinute,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(vr chi.Router) {
		if h.verifyPerMinute > 0 {
			vr.Use(httprate.LimitByIP(h.verifyPerMinute, time.Minute))
		}
		vr.Post("/v1/api-keys:verify", h.verify)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireSession)
		pr.Post("/v1/api-keys", h.create)
		pr.Get("/v1/api-keys", h.list)
		pr.Get("/v1/api-keys/{id}", h.get)
		pr.Patch("/v1/api-keys/{id}", h.update)
		pr.Delete("/v1/api-keys/{id}", h.delete)
		pr.Post("/v1/api-keys/{id}/rotate", h.rotate)
		pr.Post("/v1/api-keys/{id}/enable", h.enable)
		pr.Post("/v1/api-keys/{id}/disable", h.disable)
		pr.Get("/v1/api-keys/{id}/usage", h.usage)
	})

	return r
}

type rateLimitFields struct {
	RateLimitEnabled  *bool  `json:"rate_limit_enabled"`
	RateLimitWindowMs *int64 `json:"rate_limit_window_ms"`
	RateLimitMax      *int64 `json:"rate_limit_max"`
	RefillIntervalMs  *int64 `json:"refill_interval_ms"`
	RefillAmount      *int64 `json:"refill_amount"`
}

type createRequest struct {
	Name string `json:"name"`
	rateLimitFields
	ExpiresAt   *time.Time      `json:"expires_at"`
	Permissions json.RawMessage `json:"permissions"`
	Metadata    json.RawMessage `json:"metadata"`
}

type updateRequest struct {
	Name    *string `json:"name"`
	Enabled *bool   `json:"enabled"`
	rateLimitFields
	Remaining      *int64          `json:"remaining"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	ClearExpiresAt bool            `json:"clear_expires_at"`
	Permissions    json.RawMessage `json:"permissions"`
	Metadata       json.RawMessage `json:"metadata"`
}

type rateLimitResponse struct {
	Enabled          bool  `json:"enabled"`
	WindowMs         int64 `json:"window_ms"`
	Max              int64 `json:"max"`
	RefillIntervalMs int64 `json:"refill_interval_ms"`
	RefillAmount     int64 `json:"refill_amount"`
}

// keyResponse never carries the secret hash or the encrypted secret.
type keyResponse struct {
	ID             string            `json:"id"`
	DisplayPrefix  string            `json:"display_prefix"`
	OrganizationID string            `json:"organization_id"`
	UserID         string            `json:"user_id"`
	Name           string            `json:"name"`
	Enabled        bool              `json:"enabled"`
	RateLimit      rateLimitResponse `json:"rate_limit"`
	Remaining      int64             `json:"remaining"`
	LastRefillAt   string            `json:"last_refill_at"`
	RequestCount   int64             `json:"request_count"`
	LastRequestAt  *string           `json:"last_request_at,omitempty"`
	ExpiresAt      *string           `json:"expires_at,omitempty"`
	Permissions    json.RawMessage   `json:"permissions,omitempty"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

type issuedResponse struct {
	Key    keyResponse `json:"key"`
	Secret string      `json:"secret"`
}

type usageResponse struct {
	ID            string            `json:"id"`
	RequestCount  int64             `json:"request_count"`
	Remaining     int64             `json:"remaining"`
	LastRequestAt *string           `json:"last_request_at,omitempty"`
	LastRefillAt  string            `json:"last_refill_at"`
	RateLimit     rateLimitResponse `json:"rate_limit"`
}

type verifyRequest struct {
	Key string `json:"key"`
}

type verifyResponse struct {
	Valid   bool         `json:"valid"`
	Outcome string       `json:"outcome"`
	Key     *keyResponse `json:"key,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	issued, err := h.keys.Create(r.Context(), actorFromContext(r.Context()), organizationParam(r), usecase.CreateInput{
		Name:             req.Name,
		RateLimitEnabled: req.RateLimitEnabled,
		RateLimitWindow:  req.RateLimitWindowMs,
		RateLimitMax:     req.RateLimitMax,
		RefillInterval:   req.RefillIntervalMs,
		RefillAmount:     req.RefillAmount,
		ExpiresAt:        req.ExpiresAt,
		Permissions:      nullAsAbsent(req.Permissions),
		Metadata:         nullAsAbsent(req.Metadata),
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issuedResponse{Key: toKeyResponse(issued.Key), Secret: issued.Secret})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseListFilter(w, r)
	if !ok {
		return
	}

	page, err := h.keys.List(r.Context(), actorFromContext(r.Context()), organizationParam(r), filter)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	items := make([]keyResponse, 0, len(page.Items))
	for _, key := range page.Items {
		items = append(items, toKeyResponse(key))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": page.Total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context(), actorFromContext(r.Context()), organizationParam(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	key, err := h.keys.Update(r.Context(), actorFromContext(r.Context()), organizationParam(r), chi.URLParam(r, "id"), domain.KeyPatch{
		Name:             req.Name,
		Enabled:          req.Enabled,
		RateLimitEnabled: req.RateLimitEnabled,
		RateLimitWindow:  req.RateLimitWindowMs,
		RateLimitMax:     req.RateLimitMax,
		RefillInterval:   req.RefillIntervalMs,
		RefillAmount:     req.RefillAmount,
		Remaining:        req.Remaining,
		ExpiresAt:        req.ExpiresAt,
		ClearExpiry:      req.ClearExpiresAt,
		Permissions:      nullAsAbsent(req.Permissions),
		Metadata:         nullAsAbsent(req.Metadata),
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Delete(r.Context(), actorFromContext(r.Context()), organizationParam(r), chi.URLParam(r, "id")); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) rotate(w http.ResponseWriter, r *http.Request) {
	issued, err := h.keys.Rotate(r.Context(), actorFromContext(r.Context()), organizationParam(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issuedResponse{Key: toKeyResponse(issued.Key), Secret: issued.Secret})
}

func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, h.keys.Enable)
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, h.keys.Disable)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Actor, string, string) (domain.APIKey, error)) {
	key, err := op(r.Context(), actorFromContext(r.Context()), organizationParam(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key))
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.keys.UsageStats(r.Context(), actorFromContext(r.Context()), organizationParam(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		ID:            stats.ID,
		RequestCount:  stats.RequestCount,
		Remaining:     stats.Remaining,
		LastRequestAt: formatTimePtr(stats.LastRequestAt),
		LastRefillAt:  formatTime(stats.LastRefillAt),
		RateLimit:     toRateLimitResponse(stats.RateLimit),
	})
}

// verify accepts the secret in X-API-Key, in "Authorization: ApiKey <secret>"
// or as {"key": "..."} in the body.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	presented := presentedSecret(r)
	if presented == "" && r.ContentLength != 0 {
		var req verifyRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		presented = req.Key
	}

	res, err := h.validator.Verify(r.Context(), presented)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, domain.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, domain.ErrInternal):
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, verifyResponse{Outcome: string(res.Outcome), Error: verifyMessage(res.Outcome)})
		return
	}

	key := toKeyResponse(res.Key)
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Outcome: string(res.Outcome), Key: &key})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		actor, err := h.sessions.Actor(strings.TrimSpace(auth[7:]))
		if err != nil {
			h.log.Debug().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("session rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorCtxKey, actor)))
	})
}

func presentedSecret(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "apikey ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func verifyMessage(outcome domain.VerifyOutcome) string {
	switch outcome {
	case domain.VerifyDisabled:
		return "api key disabled"
	case domain.VerifyExpired:
		return "api key expired"
	case domain.VerifyRateLimited:
		return "rate limit exceeded"
	case domain.VerifyError:
		return "internal server error"
	default:
		return "invalid api key"
	}
}

func toKeyResponse(key domain.APIKey) keyResponse {
	return keyResponse{
		ID:             key.ID,
		DisplayPrefix:  key.DisplayPrefix,
		OrganizationID: key.OrganizationID,
		UserID:         key.UserID,
		Name:           key.Name,
		Enabled:        key.Enabled,
		RateLimit:      toRateLimitResponse(key.RateLimit),
		Remaining:      key.Bucket.Remaining,
		LastRefillAt:   formatTime(key.Bucket.LastRefillAt),
		RequestCount:   key.RequestCount,
		LastRequestAt:  formatTimePtr(key.LastRequestAt),
		ExpiresAt:      formatTimePtr(key.ExpiresAt),
		Permissions:    key.Permissions,
		Metadata:       key.Metadata,
		CreatedAt:      formatTime(key.CreatedAt),
		UpdatedAt:      formatTime(key.UpdatedAt),
	}
}

func toRateLimitResponse(rl domain.RateLimit) rateLimitResponse {
	return rateLimitResponse{
		Enabled:          rl.Enabled,
		WindowMs:         rl.WindowMs,
		Max:              rl.Max,
		RefillIntervalMs: rl.RefillIntervalMs,
		RefillAmount:     rl.RefillAmount,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nullAsAbsent(raw json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return raw
}

// organizationParam addresses a key outside the session's active organization.
func organizationParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("organization_id"))
}

func parseListFilter(w http.ResponseWriter, r *http.Request) (domain.ListFilter, bool) {
	var filter domain.ListFilter
	q := r.URL.Query()
	for name, dst := range map[string]*int{"offset": &filter.Offset, "limit": &filter.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be integer")
			return domain.ListFilter{}, false
		}
		*dst = parsed
	}
	if raw := q.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be boolean")
			return domain.ListFilter{}, false
		}
		filter.Enabled = &enabled
	}
	return filter, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func handleDomainError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, domain.ErrDisabled), errors.Is(err, domain.ErrExpired):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func actorFromContext(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorCtxKey).(domain.Actor)
	return actor
}
