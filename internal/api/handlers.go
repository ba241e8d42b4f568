// Package api exposes the chat history and retrieval layer over HTTP for
// debugging prompts.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/comigor/mioo-go/internal/history"
	"github.com/comigor/mioo-go/internal/logger"
	"github.com/comigor/mioo-go/internal/retrieval"
)

const maxLimit = 500

// Store is the read side of history.Store.
type Store interface {
	Recent(ctx context.Context, chatID int64, limit int) ([]history.Message, error)
	Count(ctx context.Context, chatID int64) (int, int, error)
	Chats(ctx context.Context) ([]history.ChatSummary, error)
}

// ContextAssembler is implemented by retrieval.Assembler.
type ContextAssembler interface {
	Build(ctx context.Context, chatID int64, query string, recentN, topK int) (retrieval.Context, error)
}

// Defaults are used when a query parameter is absent.
type Defaults struct {
	RecentN int
	TopK    int
}

// Handler wires HTTP routes to the history and retrieval layer.
type Handler struct {
	store     Store
	search    retrieval.Finder
	assembler ContextAssembler
	defaults  Defaults
	log       *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(store Store, search retrieval.Finder, assembler ContextAssembler, defaults Defaults) *Handler {
	if defaults.RecentN <= 0 {
		defaults.RecentN = 20
	}
	if defaults.TopK <= 0 {
		defaults.TopK = 6
	}
	return &Handler{store: store, search: search, assembler: assembler, defaults: defaults, log: logger.Component("api")}
}

// NewRouter builds a gin engine with recovery, request ids and all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/chats", h.listChats)
	chat := api.Group("/chats/:chatID")
	chat.Use(h.requireChatID())
	chat.GET("/messages", h.recentMessages)
	chat.GET("/search", h.searchMessages)
	chat.GET("/context", h.buildContext)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		start := time.Now()
		c.Next()
		h.log.Debug("http request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (h *Handler) requireChatID() gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID, err := strconv.ParseInt(c.Param("chatID"), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
			return
		}
		c.Set("chatID", chatID)
		c.Next()
	}
}

// intQuery reads a positive integer query parameter, falling back to def.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.log.Error("api request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *Handler) listChats(c *gin.Context) {
	chats, err := h.store.Chats(c.Request.Context())
	if err != nil {
		h.internalError(c, "chats", err)
		return
	}
	if chats == nil {
		chats = []history.ChatSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) recentMessages(c *gin.Context) {
	chatID := c.GetInt64("chatID")
	limit, ok := intQuery(c, "limit", h.defaults.RecentN)
	if !ok {
		return
	}
	msgs, err := h.store.Recent(c.Request.Context(), chatID, limit)
	if err != nil {
		h.internalError(c, "recent", err)
		return
	}
	total, embedded, err := h.store.Count(c.Request.Context(), chatID)
	if err != nil {
		h.internalError(c, "count", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":    chatID,
		"messages":   msgs,
		"total":      total,
		"embeddings": embedded,
	})
}

func (h *Handler) searchMessages(c *gin.Context) {
	chatID := c.GetInt64("chatID")
	k, ok := intQuery(c, "k", h.defaults.TopK)
	if !ok {
		return
	}
	hits, err := h.search.Search(c.Request.Context(), chatID, c.Query("q"), k)
	if err != nil {
		h.internalError(c, "search", err)
		return
	}
	if hits == nil {
		hits = []retrieval.Hit{}
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "hits": hits})
}

func (h *Handler) buildContext(c *gin.Context) {
	chatID := c.GetInt64("chatID")
	recent, ok := intQuery(c, "recent", h.defaults.RecentN)
	if !ok {
		return
	}
	k, ok := intQuery(c, "k", h.defaults.TopK)
	if !ok {
		return
	}
	built, err := h.assembler.Build(c.Request.Context(), chatID, c.Query("q"), recent, k)
	if err != nil {
		h.internalError(c, "context", err)
		return
	}
	c.JSON(http.StatusOK, built)
}
