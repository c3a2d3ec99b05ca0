package ledger

import (
	"net/http"

	"starhub-payments/pkg/errutil"
	"starhub-payments/pkg/pagination"

	"github.com/gin-gonic/gin"
)

const userIDHeader = "X-User-ID"

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func registerRoutes(e *gin.Engine, h *Handler) {
	user := e.Group("/v1/stars")
	user.GET("/balance", h.GetBalance)
	user.GET("/entries", h.ListEntries)

	admin := e.Group("/admin")
	admin.GET("/ledger/:user_id/verify", h.VerifyChain)
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (h *Handler) ListEntries(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(err)
		return
	}

	entries, pageInfo, err := h.service.ListEntries(c.Request.Context(), userID, page)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"page_info": pageInfo,
	})
}

func (h *Handler) VerifyChain(c *gin.Context) {
	intact, err := h.service.VerifyChain(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"intact": intact})
}
