// Package handlers exposes the gateway over HTTP. The surface is thin:
// authentication happens upstream and the user ID arrives as a header or
// path value.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/persona-ai-gateway/internal/i18n"
	"github.com/persona-ai-gateway/internal/middleware"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/persona-ai-gateway/internal/orchestrator"
	"github.com/persona-ai-gateway/internal/services/profile"
	"github.com/persona-ai-gateway/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// userIDHeader carries the authenticated user's ID, populated by the outer
// auth layer.
const userIDHeader = "X-User-ID"

// ChatService is the orchestrator surface the HTTP layer consumes.
type ChatService interface {
	Chat(ctx context.Context, req orchestrator.ChatRequest) (string, error)
	ChatStream(ctx context.Context, req orchestrator.ChatRequest) (<-chan models.StreamEvent, error)
	Embed(ctx context.Context, userID string, texts []string, useCache bool) ([][]float64, error)
	GetSettings(ctx context.Context, userID string) (*models.UserAIProfile, error)
	UpdateSettings(ctx context.Context, userID string, fields profile.UpdateFields) (*models.UserAIProfile, error)
	GetHistory(ctx context.Context, userID string) (models.Transcript, error)
	ClearHistory(ctx context.Context, userID string) error
	StoreDocuments(ctx context.Context, userID string, texts []string, metadata map[string]string) ([]string, error)
	DeleteDocuments(ctx context.Context, userID string, ids []string) error
}

// Handler holds the HTTP handlers and their collaborators.
type Handler struct {
	service   ChatService
	limiter   middleware.RateLimiter
	metrics   *middleware.Metrics
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(service ChatService, limiter middleware.RateLimiter, metrics *middleware.Metrics, localizer *i18n.Localizer, logger *logrus.Logger) *Handler {
	return &Handler{
		service:   service,
		limiter:   limiter,
		metrics:   metrics,
		localizer: localizer,
		logger:    logger,
	}
}

// Router builds the API router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	if h.metrics != nil {
		r.Use(middleware.Instrument(h.metrics))
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chat", h.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/stream", h.handleChatStream).Methods(http.MethodPost)
	api.HandleFunc("/embed", h.handleEmbed).Methods(http.MethodPost)
	api.HandleFunc("/settings/{userID}", h.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/{userID}", h.handleUpdateSettings).Methods(http.MethodPatch)
	api.HandleFunc("/history/{userID}", h.handleGetHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{userID}", h.handleClearHistory).Methods(http.MethodDelete)
	api.HandleFunc("/documents", h.handleStoreDocuments).Methods(http.MethodPost)
	api.HandleFunc("/documents", h.handleDeleteDocuments).Methods(http.MethodDelete)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	return r
}

type chatRequest struct {
	Message       string   `json:"message"`
	Context       []string `json:"context,omitempty"`
	AutoRetrieve  *bool    `json:"auto_retrieve,omitempty"`
	RetrieveLimit int      `json:"retrieve_limit,omitempty"`
	Format        string   `json:"format,omitempty"`
}

type chatResponse struct {
	Reply  string `json:"response"`
	Format string `json:"format,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
		return
	}

	reply, err := h.service.Chat(r.Context(), orchestrator.ChatRequest{
		UserID:        userID,
		Message:       body.Message,
		Context:       body.Context,
		AutoRetrieve:  body.AutoRetrieve,
		RetrieveLimit: body.RetrieveLimit,
	})
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgGenerationFailed)
		return
	}

	resp := chatResponse{Reply: reply}
	if body.Format == "html" {
		resp.Reply = markdown.ToHTML(reply)
		resp.Format = "html"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		h.writeError(w, r, http.StatusInternalServerError, i18n.MsgStreamUnsupported, "")
		return
	}

	events, err := h.service.ChatStream(r.Context(), orchestrator.ChatRequest{
		UserID:        userID,
		Message:       body.Message,
		Context:       body.Context,
		AutoRetrieve:  body.AutoRetrieve,
		RetrieveLimit: body.RetrieveLimit,
	})
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgGenerationFailed)
		return
	}

	h.metrics.StreamStarted()
	defer h.metrics.StreamFinished()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			h.logger.WithError(err).Error("Failed to encode stream event")
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

type embedRequest struct {
	Text     string   `json:"text,omitempty"`
	Texts    []string `json:"texts,omitempty"`
	UseCache *bool    `json:"use_cache,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Count      int         `json:"count"`
}

func (h *Handler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body embedRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
		return
	}

	texts := body.Texts
	if body.Text != "" {
		texts = append([]string{body.Text}, texts...)
	}

	useCache := body.UseCache == nil || *body.UseCache
	vectors, err := h.service.Embed(r.Context(), userID, texts, useCache)
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgEmbeddingFailed)
		return
	}

	h.writeJSON(w, http.StatusOK, embedResponse{Embeddings: vectors, Count: len(vectors)})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requirePathUser(w, r)
	if !ok {
		return
	}

	p, err := h.service.GetSettings(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgStorageFailed)
		return
	}

	h.writeJSON(w, http.StatusOK, settingsView(p))
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requirePathUser(w, r)
	if !ok {
		return
	}

	var fields profile.UpdateFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
		return
	}

	p, err := h.service.UpdateSettings(r.Context(), userID, fields)
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgStorageFailed)
		return
	}

	h.writeJSON(w, http.StatusOK, settingsView(p))
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requirePathUser(w, r)
	if !ok {
		return
	}

	transcript, err := h.service.GetHistory(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgStorageFailed)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transcript": transcript})
}

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requirePathUser(w, r)
	if !ok {
		return
	}

	if err := h.service.ClearHistory(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err, i18n.MsgStorageFailed)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": h.localize(r, i18n.MsgHistoryCleared, nil),
	})
}

type storeDocumentsRequest struct {
	Texts    []string          `json:"texts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleStoreDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body storeDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
		return
	}

	ids, err := h.service.StoreDocuments(r.Context(), userID, body.Texts, body.Metadata)
	if err != nil {
		h.writeServiceError(w, r, err, i18n.MsgStorageFailed)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids})
}

type deleteDocumentsRequest struct {
	IDs []string `json:"ids,omitempty"`
}

func (h *Handler) handleDeleteDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body deleteDocumentsRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
			return
		}
	}

	if err := h.service.DeleteDocuments(r.Context(), userID, body.IDs); err != nil {
		h.writeServiceError(w, r, err, i18n.MsgStorageFailed)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// settingsView hides the transcript from the settings payload; history has
// its own endpoints.
func settingsView(p *models.UserAIProfile) map[string]interface{} {
	return map[string]interface{}{
		"user_id":            p.UserID,
		"preferences":        p.Preferences,
		"personal_info":      p.PersonalInfo,
		"llm_provider":       p.LLMProvider,
		"llm_config":         p.LLMConfig,
		"embedding_provider": p.EmbeddingProvider,
		"embedding_config":   p.EmbeddingConfig,
		"created_at":         p.CreatedAt,
		"updated_at":         p.UpdatedAt,
	}
}

// requireUser extracts the user ID from the auth header and enforces the
// per-user rate limit.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgMissingUserID, "")
		return "", false
	}
	return userID, h.allow(w, r, userID)
}

// requirePathUser extracts the user ID from the route and enforces the
// per-user rate limit.
func (h *Handler) requirePathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := mux.Vars(r)["userID"]
	if userID == "" {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgMissingUserID, "")
		return "", false
	}
	return userID, h.allow(w, r, userID)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.limiter != nil && !h.limiter.Allow(userID) {
		h.metrics.RecordRateLimitExceeded(userID)
		h.writeError(w, r, http.StatusTooManyRequests, i18n.MsgRateLimitExceeded, "")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, messageID string) {
	if orchestrator.IsValidation(err) {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, err.Error())
		return
	}

	h.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	h.writeError(w, r, http.StatusInternalServerError, messageID, "")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, messageID, detail string) {
	body := map[string]string{"error": h.localize(r, messageID, nil)}
	if detail != "" {
		body["detail"] = detail
	}
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) localize(r *http.Request, messageID string, data map[string]interface{}) string {
	if h.localizer == nil {
		return messageID
	}
	return h.localizer.Get(requestLanguage(r), messageID, data)
}

// requestLanguage picks the base language from the Accept-Language header.
func requestLanguage(r *http.Request) string {
	header := r.Header.Get("Accept-Language")
	if header == "" {
		return ""
	}
	lang := strings.TrimSpace(strings.Split(header, ",")[0])
	if i := strings.IndexAny(lang, "-;"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
