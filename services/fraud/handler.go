package fraud

import (
	"net/http"

	"starhub-payments/pkg/pagination"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func registerRoutes(e *gin.Engine, h *Handler) {
	admin := e.Group("/admin/fraud-alerts")
	admin.GET("", h.List)
	admin.POST("/:id/ack", h.Ack)
	admin.POST("/:id/resolve", h.Resolve)
}

func (h *Handler) List(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(err)
		return
	}

	filter := ListFilter{
		Kind:     c.Query("kind"),
		Severity: Severity(c.Query("severity")),
		Status:   Status(c.Query("status")),
	}

	alerts, pageInfo, err := h.service.List(c.Request.Context(), filter, page)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts":    alerts,
		"page_info": pageInfo,
	})
}

func (h *Handler) Ack(c *gin.Context) {
	if err := h.service.Ack(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Resolve(c *gin.Context) {
	if err := h.service.Resolve(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
