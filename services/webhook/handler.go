package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func registerRoutes(e *gin.Engine, h *Handler) {
	e.POST("/webhooks/:provider", h.Ingest)
}

func (h *Handler) Ingest(c *gin.Context) {
	rawBody, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	result := h.service.Ingest(c.Request.Context(), IngestRequest{
		Provider:      c.Param("provider"),
		Endpoint:      c.FullPath(),
		IP:            c.ClientIP(),
		Headers:       c.Request.Header,
		RawBody:       rawBody,
		ChainOverride: c.Query("chain"),
	})

	c.JSON(result.HTTPStatus, gin.H{
		"accepted":     result.Accepted,
		"audit_log_id": result.AuditLogID,
	})
}
