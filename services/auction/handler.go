package auction

import (
	"net/http"

	"starhub-payments/pkg/errutil"

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
	user := e.Group("/v1/auctions")
	user.GET("/:id", h.Get)
	user.GET("/:id/bids", h.ListBids)
	user.POST("/:id/bids", h.PlaceBid)
	user.POST("/:id/cancel", h.Cancel)

	admin := e.Group("/admin")
	admin.POST("/auctions/:id/settle", h.Settle)
}

func (h *Handler) Get(c *gin.Context) {
	auc, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, auc)
}

func (h *Handler) ListBids(c *gin.Context) {
	bids, err := h.service.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

type placeBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *Handler) PlaceBid(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return
	}

	bid, err := h.service.PlaceBid(c.Request.Context(), c.Param("id"), userID, req.Amount)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, bid)
}

func (h *Handler) Cancel(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	if err := h.service.Cancel(c.Request.Context(), c.Param("id"), userID); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) Settle(c *gin.Context) {
	if err := h.service.Settle(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
