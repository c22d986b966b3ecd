package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/circuitbreaker"
	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/ingest"
	"github.com/lalithlochan/commentflow/internal/worker"
)

// Store defines the store operations the API serves.
type Store interface {
	GetComment(ctx context.Context, commentID string) (*db.CommentAttempt, error)
	ListComments(ctx context.Context, f db.CommentFilter) ([]*db.CommentAttempt, error)
	GetPostConfig(ctx context.Context, postID string) (*db.PostConfig, error)
	UpsertPostConfig(ctx context.Context, cfg *db.PostConfig) error
	DeletePostConfig(ctx context.Context, postID string) error
	ListPostConfigs(ctx context.Context, tenantID string, limit, offset int) ([]*db.PostConfig, error)
	Health(ctx context.Context) error
}

// Ingestor stores webhook comments.
type Ingestor interface {
	Ingest(ctx context.Context, inputs []db.CommentInput) (ingest.Result, error)
}

// Dispatcher runs dispatch cycles on request.
type Dispatcher interface {
	Trigger()
	RunCycle(ctx context.Context) (worker.Summary, error)
}

// CacheInvalidator drops cached post configurations.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, postID string) error
}

// PostConfigRequest is the body of PUT /v1/posts/{postID}/config.
type PostConfigRequest struct {
	TenantID        string `json:"tenant_id"`
	Keyword         string `json:"keyword"`
	MessageTemplate string `json:"message_template"`
	ButtonTitle     string `json:"button_title"`
	ButtonLink      string `json:"button_link"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type HandlerConfig struct {
	VerifyToken string
	TenantID    string
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      Store
	ingestor   Ingestor
	dispatcher Dispatcher
	cache      CacheInvalidator          // nil if Redis not configured
	publisher  ingest.QueuePublisher     // nil if SQS not configured
	breaker    *circuitbreaker.CircuitBreaker
	config     HandlerConfig
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store Store, ingestor Ingestor, dispatcher Dispatcher, cfg HandlerConfig) *Handler {
	return &Handler{
		logger:     logger,
		store:      store,
		ingestor:   ingestor,
		dispatcher: dispatcher,
		config:     cfg,
	}
}

// SetCache makes config writes invalidate the post config cache.
func (h *Handler) SetCache(c CacheInvalidator) {
	h.cache = c
}

// SetPublisher hands webhook comments to a queue instead of storing them inline.
func (h *Handler) SetPublisher(p ingest.QueuePublisher) {
	h.publisher = p
}

// SetBreaker exposes the breaker state on /health and enables manual reset.
func (h *Handler) SetBreaker(cb *circuitbreaker.CircuitBreaker) {
	h.breaker = cb
}

// GetPostConfig handles GET /v1/posts/{postID}/config
func (h *Handler) GetPostConfig(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")

	pc, err := h.store.GetPostConfig(r.Context(), postID)
	if err != nil {
		h.storeError(w, err, "Post config not found", zap.String("post_id", postID))
		return
	}

	h.writeJSON(w, http.StatusOK, pc)
}

// PutPostConfig handles PUT /v1/posts/{postID}/config
func (h *Handler) PutPostConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	postID := chi.URLParam(r, "postID")

	var req PostConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if detail := validatePostConfig(req); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid post config", detail)
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = h.config.TenantID
	}

	pc := &db.PostConfig{
		PostID:          postID,
		TenantID:        tenantID,
		Keyword:         strings.TrimSpace(req.Keyword),
		MessageTemplate: req.MessageTemplate,
		ButtonTitle:     strings.TrimSpace(req.ButtonTitle),
		ButtonLink:      strings.TrimSpace(req.ButtonLink),
	}
	if err := h.store.UpsertPostConfig(ctx, pc); err != nil {
		h.storeError(w, err, "", zap.String("post_id", postID))
		return
	}
	h.invalidate(ctx, postID)

	h.logger.Info("post config saved",
		zap.String("post_id", postID),
		zap.String("tenant_id", tenantID),
		zap.String("keyword", pc.Keyword),
	)

	h.writeJSON(w, http.StatusOK, pc)
}

// DeletePostConfig handles DELETE /v1/posts/{postID}/config
func (h *Handler) DeletePostConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	postID := chi.URLParam(r, "postID")

	if err := h.store.DeletePostConfig(ctx, postID); err != nil {
		h.storeError(w, err, "Post config not found", zap.String("post_id", postID))
		return
	}
	h.invalidate(ctx, postID)

	h.logger.Info("post config deleted", zap.String("post_id", postID))
	w.WriteHeader(http.StatusNoContent)
}

// ListPostConfigs handles GET /v1/posts?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListPostConfigs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q)

	configs, err := h.store.ListPostConfigs(r.Context(), q.Get("tenant_id"), limit, offset)
	if err != nil {
		h.storeError(w, err, "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   configs,
		"limit":  limit,
		"offset": offset,
		"count":  len(configs),
	})
}

// ListComments handles GET /v1/comments?post_id=&status=&tenant_id=&limit=&offset=
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q)

	f := db.CommentFilter{
		PostID:   q.Get("post_id"),
		TenantID: q.Get("tenant_id"),
		Status:   db.Status(q.Get("status")),
		Limit:    limit,
		Offset:   offset,
	}
	if f.Status != "" && !f.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processing, sent, failed, ignored")
		return
	}

	comments, err := h.store.ListComments(r.Context(), f)
	if err != nil {
		h.storeError(w, err, "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   comments,
		"limit":  limit,
		"offset": offset,
		"count":  len(comments),
	})
}

// GetComment handles GET /v1/comments/{commentID}
func (h *Handler) GetComment(w http.ResponseWriter, r *http.Request) {
	commentID := chi.URLParam(r, "commentID")

	c, err := h.store.GetComment(r.Context(), commentID)
	if err != nil {
		h.storeError(w, err, "Comment not found", zap.String("comment_id", commentID))
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// Dispatch handles POST /v1/dispatch. With ?wait=true the cycle runs
// inline and its summary is returned; otherwise a cycle is queued.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		summary, err := h.dispatcher.RunCycle(r.Context())
		if err != nil {
			h.storeError(w, err, "")
			return
		}
		h.writeJSON(w, http.StatusOK, summary)
		return
	}

	h.dispatcher.Trigger()
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ResetBreaker handles POST /v1/breaker/reset. It closes the Graph API
// circuit so sends resume before the recovery timeout.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "No circuit breaker configured", "")
		return
	}

	h.breaker.Reset()
	h.dispatcher.Trigger()
	h.writeJSON(w, http.StatusOK, h.breaker.Stats())
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "store": "ok"}
	status := http.StatusOK

	if err := h.store.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		resp["status"] = "unavailable"
		resp["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.breaker != nil {
		stats := h.breaker.Stats()
		resp["circuit_breaker"] = stats
		if status == http.StatusOK && h.breaker.GetState() != circuitbreaker.StateClosed {
			resp["status"] = "degraded"
		}
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) invalidate(ctx context.Context, postID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, postID); err != nil {
		h.logger.Warn("failed to invalidate post config cache",
			zap.String("post_id", postID),
			zap.Error(err),
		)
	}
}

func validatePostConfig(req PostConfigRequest) string {
	if strings.TrimSpace(req.MessageTemplate) == "" {
		return "message_template is required"
	}
	title, link := strings.TrimSpace(req.ButtonTitle), strings.TrimSpace(req.ButtonLink)
	if (title == "") != (link == "") {
		return "button_title and button_link must be set together"
	}
	if link != "" {
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "button_link must be an absolute http(s) URL"
		}
	}
	return ""
}

func pagination(q url.Values) (limit, offset int) {
	limit = 20
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// storeError maps store errors onto responses. notFoundTitle is used for
// db.ErrNotFound; leave it empty where not-found is unexpected.
func (h *Handler) storeError(w http.ResponseWriter, err error, notFoundTitle string, fields ...zap.Field) {
	switch {
	case notFoundTitle != "" && errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", notFoundTitle, "")
	case errors.Is(err, db.ErrStoreUnavailable):
		h.logger.Error("store unavailable", append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Store unavailable", "")
	default:
		h.logger.Error("store operation failed", append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Internal error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
