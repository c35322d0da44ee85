package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kb-chat/internal/domain"
	"kb-chat/internal/logging"
	"kb-chat/internal/usecase"
)

type ChatUseCase interface {
	Chat(ctx context.Context, req usecase.ChatRequest, sink usecase.EventSink) error
}

type HistoryUseCase interface {
	List(ctx context.Context, caller domain.Identity, page, pageSize int) (usecase.HistoryPage, error)
	Get(ctx context.Context, caller domain.Identity, id string) (usecase.ConversationDetail, error)
	UpdateTitle(ctx context.Context, caller domain.Identity, id, title string) (domain.Conversation, error)
	Delete(ctx context.Context, caller domain.Identity, id string) error
}

type RegistryUseCase interface {
	ListGroups(ctx context.Context) ([]domain.AccessGroup, error)
	ListDomains(ctx context.Context) ([]domain.ContentDomain, error)
	GetGroup(ctx context.Context, code string) (domain.AccessGroup, error)
	GetDomain(ctx context.Context, code string) (domain.ContentDomain, error)
	GroupDomains(ctx context.Context, code string) (usecase.GroupDomains, error)
	CreateGroup(ctx context.Context, caller domain.Identity, g domain.AccessGroup) (domain.AccessGroup, error)
	UpdateGroup(ctx context.Context, caller domain.Identity, g domain.AccessGroup) (domain.AccessGroup, error)
	DeleteGroup(ctx context.Context, caller domain.Identity, code string) error
	CreateDomain(ctx context.Context, caller domain.Identity, d domain.ContentDomain) (domain.ContentDomain, error)
	UpdateDomain(ctx context.Context, caller domain.Identity, d domain.ContentDomain) (domain.ContentDomain, error)
	DeleteDomain(ctx context.Context, caller domain.Identity, code string) error
}

type UploadUseCase interface {
	CreateUploadURL(ctx context.Context, caller domain.Identity, req usecase.UploadRequest) (usecase.UploadTicket, error)
}

// Services are the use cases served over HTTP. Upload is optional; without
// it the upload route is not registered.
type Services struct {
	Chat     ChatUseCase
	History  HistoryUseCase
	Registry RegistryUseCase
	Upload   UploadUseCase
}

type Options struct {
	Identity IdentityOptions
	// CORSOrigin is sent as Access-Control-Allow-Origin. Empty disables CORS.
	CORSOrigin string
	Version    string
	Logger     *zap.Logger
}

// Handler is the HTTP surface of the service.
type Handler struct {
	svc     Services
	opts    Options
	logger  *zap.Logger
	engine  *gin.Engine
	started time.Time
}

func NewHandler(svc Services, opts Options) (*Handler, error) {
	if svc.Chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if svc.History == nil {
		return nil, errors.New("handler: history use case must not be nil")
	}
	if svc.Registry == nil {
		return nil, errors.New("handler: registry use case must not be nil")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	h := &Handler{
		svc:     svc,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		started: time.Now(),
	}
	h.engine = h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func (h *Handler) routes() *gin.Engine {
	r := gin.New()
	r.Use(h.recovery(), correlate(), requestLog(h.logger))
	if h.opts.CORSOrigin != "" {
		r.Use(cors(h.opts.CORSOrigin))
	}
	r.NoRoute(func(c *gin.Context) {
		h.writeError(c, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "no_route"})
	})

	r.GET("/", h.root)
	r.GET("/health", h.health)

	identity := h.opts.Identity.middleware()

	chat := r.Group("/chat", identity)
	chat.POST("", h.chat)
	chat.GET("/group-codes", h.listGroups)
	chat.GET("/kb-domains", h.listDomains)
	chat.GET("/group-code/:code/kb-domains", h.groupDomains)

	history := r.Group("/history", identity)
	history.GET("", h.listHistory)
	history.GET("/:id", h.getHistory)
	history.PUT("/:id/title", h.updateTitle)
	history.DELETE("/:id", h.deleteHistory)

	admin := r.Group("/admin", identity, adminOnly(h))
	admin.GET("/group-codes", h.listGroups)
	admin.GET("/group-codes/:code", h.getGroup)
	admin.POST("/group-codes", h.createGroup)
	admin.PUT("/group-codes/:code", h.updateGroup)
	admin.DELETE("/group-codes/:code", h.deleteGroup)
	admin.GET("/kb-domains", h.listDomains)
	admin.GET("/kb-domains/:code", h.getDomain)
	admin.POST("/kb-domains", h.createDomain)
	admin.PUT("/kb-domains/:code", h.updateDomain)
	admin.DELETE("/kb-domains/:code", h.deleteDomain)
	if h.svc.Upload != nil {
		admin.POST("/upload-url", h.uploadURL)
	}
	return r
}

func adminOnly(h *Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identityFrom(c).IsAdmin() {
			h.writeError(c, &usecase.Error{Code: usecase.ErrorForbidden, Reason: "admin_required"})
			return
		}
		c.Next()
	}
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "kb-chat",
		"version": h.opts.Version,
		"health":  "/health",
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ---- chat ----

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	GroupCode      string `json:"groupCode"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	sink := newSSESink(c)
	err := h.svc.Chat.Chat(c.Request.Context(), usecase.ChatRequest{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		GroupCode:      req.GroupCode,
		Caller:         identityFrom(c),
	}, sink)
	if err == nil {
		return
	}
	if sink.opened {
		h.logger.Error("chat failed after stream opened",
			zap.String("correlation_id", correlationID(c)),
			zap.Error(err),
		)
		return
	}
	h.writeError(c, err)
}

// ---- registry reads ----

func (h *Handler) listGroups(c *gin.Context) {
	groups, err := h.svc.Registry.ListGroups(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groupCodes": groups})
}

func (h *Handler) listDomains(c *gin.Context) {
	domains, err := h.svc.Registry.ListDomains(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kbDomains": domains})
}

func (h *Handler) groupDomains(c *gin.Context) {
	out, err := h.svc.Registry.GroupDomains(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getGroup(c *gin.Context) {
	g, err := h.svc.Registry.GetGroup(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) getDomain(c *gin.Context) {
	d, err := h.svc.Registry.GetDomain(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ---- history ----

func (h *Handler) listHistory(c *gin.Context) {
	page, err := queryInt(c, "page")
	if err != nil {
		h.writeError(c, badRequest("invalid_page"))
		return
	}
	size, err := queryInt(c, "pageSize")
	if err != nil {
		h.writeError(c, badRequest("invalid_page_size"))
		return
	}
	out, err := h.svc.History.List(c.Request.Context(), identityFrom(c), page, size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getHistory(c *gin.Context) {
	out, err := h.svc.History.Get(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type titleRequest struct {
	Title string `json:"title"`
}

func (h *Handler) updateTitle(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	conv, err := h.svc.History.UpdateTitle(c.Request.Context(), identityFrom(c), c.Param("id"), req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": conv.ID,
		"title":          conv.Title,
		"updatedAt":      conv.UpdatedAt,
	})
}

func (h *Handler) deleteHistory(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.History.Delete(c.Request.Context(), identityFrom(c), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "deleted": true})
}

// ---- admin ----

func (h *Handler) createGroup(c *gin.Context) {
	var g domain.AccessGroup
	if err := c.ShouldBindJSON(&g); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	out, err := h.svc.Registry.CreateGroup(c.Request.Context(), identityFrom(c), g)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) updateGroup(c *gin.Context) {
	var g domain.AccessGroup
	if err := c.ShouldBindJSON(&g); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	g.Code = c.Param("code")
	out, err := h.svc.Registry.UpdateGroup(c.Request.Context(), identityFrom(c), g)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) deleteGroup(c *gin.Context) {
	code := c.Param("code")
	if err := h.svc.Registry.DeleteGroup(c.Request.Context(), identityFrom(c), code); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "deleted": true})
}

func (h *Handler) createDomain(c *gin.Context) {
	var d domain.ContentDomain
	if err := c.ShouldBindJSON(&d); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	out, err := h.svc.Registry.CreateDomain(c.Request.Context(), identityFrom(c), d)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) updateDomain(c *gin.Context) {
	var d domain.ContentDomain
	if err := c.ShouldBindJSON(&d); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	d.Code = c.Param("code")
	out, err := h.svc.Registry.UpdateDomain(c.Request.Context(), identityFrom(c), d)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) deleteDomain(c *gin.Context) {
	code := c.Param("code")
	if err := h.svc.Registry.DeleteDomain(c.Request.Context(), identityFrom(c), code); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "deleted": true})
}

func (h *Handler) uploadURL(c *gin.Context) {
	var req usecase.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, badRequest("invalid_body"))
		return
	}
	out, err := h.svc.Upload.CreateUploadURL(c.Request.Context(), identityFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// queryInt returns 0 for an absent parameter so the use case applies its
// default.
func queryInt(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
