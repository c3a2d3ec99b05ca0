package deposit

import (
	"net/http"

	"starhub-payments/pkg/errutil"
	"starhub-payments/pkg/pagination"

	"github.com/gin-gonic/gin"
)

// Authentication happens upstream; the gateway trusts the forwarded user
// identity header.
const userIDHeader = "X-User-ID"

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func registerRoutes(e *gin.Engine, h *Handler) {
	user := e.Group("/v1/deposits")
	user.POST("", h.CreateIntent)
	user.POST("/:id/submit", h.SubmitTxHash)
	user.GET("/:id", h.Get)

	admin := e.Group("/admin")
	admin.GET("/deposits", h.List)
	admin.GET("/deposits/:id/events", h.ListEvents)
	admin.POST("/deposits/:id/credit", h.ManualCredit)
	admin.POST("/deposits/:id/assign", h.AssignUser)
	admin.GET("/payment-config", h.GetConfig)
	admin.PUT("/payment-config", h.UpdateConfig)
}

type createIntentRequest struct {
	Chain      Chain  `json:"chain" binding:"required"`
	TokenID    string `json:"token_id" binding:"required"`
	PackageID  string `json:"package_id" binding:"required"`
	CouponCode string `json:"coupon_code"`
}

func (h *Handler) CreateIntent(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return
	}

	dep, err := h.service.CreateIntent(c.Request.Context(), CreateIntentParams{
		UserID:     userID,
		Chain:      req.Chain,
		TokenID:    req.TokenID,
		PackageID:  req.PackageID,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, dep)
}

type submitTxHashRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func (h *Handler) SubmitTxHash(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	var req submitTxHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return
	}

	dep, err := h.service.SubmitTxHash(c.Request.Context(), userID, c.Param("id"), req.TxHash)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dep)
}

func (h *Handler) Get(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Error(errutil.Unauthenticated("missing user identity"))
		return
	}

	dep, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	if dep.UserID != userID {
		c.Error(errutil.Forbidden("deposit belongs to another user"))
		return
	}

	c.JSON(http.StatusOK, dep)
}

func (h *Handler) List(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(err)
		return
	}

	filter := ListFilter{
		UserID: c.Query("user_id"),
		Chain:  Chain(c.Query("chain")),
		Status: Status(c.Query("status")),
	}

	deposits, pageInfo, err := h.service.ListDeposits(c.Request.Context(), filter, page)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deposits":  deposits,
		"page_info": pageInfo,
	})
}

func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

type manualCreditRequest struct {
	Stars int64  `json:"stars" binding:"required"`
	Note  string `json:"note"`
}

func (h *Handler) ManualCredit(c *gin.Context) {
	adminID := c.GetHeader(userIDHeader)

	var req manualCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return
	}

	err := h.service.ManualCredit(c.Request.Context(), ManualCreditParams{
		DepositID: c.Param("id"),
		AdminID:   adminID,
		Stars:     req.Stars,
		Note:      req.Note,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

type assignUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) AssignUser(c *gin.Context) {
	var req assignUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return
	}

	if err := h.service.AssignUser(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.service.GetConfig(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

type updateConfigRequest struct {
	StrictMode                *bool                `json:"strict_mode"`
	ProviderAccuracyMode      *bool                `json:"provider_accuracy_mode"`
	ToleranceBps              *int                 `json:"tolerance_bps"`
	SubmittedStaleMinutes     *int                 `json:"submitted_stale_minutes"`
	ReconcileEveryMs          *int                 `json:"reconcile_every_ms"`
	Allowlist                 map[Chain][]Provider `json:"allowlist"`
	AdminCreditAlertThreshold *int64               `json:"admin_credit_alert_threshold"`
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Validation("invalid request body", errutil.WithErr(err)))
		return
	}

	cfg, err := h.service.UpdateConfig(c.Request.Context(), UpdateConfigParams{
		StrictMode:                req.StrictMode,
		ProviderAccuracyMode:      req.ProviderAccuracyMode,
		ToleranceBps:              req.ToleranceBps,
		SubmittedStaleMinutes:     req.SubmittedStaleMinutes,
		ReconcileEveryMs:          req.ReconcileEveryMs,
		Allowlist:                 req.Allowlist,
		AdminCreditAlertThreshold: req.AdminCreditAlertThreshold,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}
