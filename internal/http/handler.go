package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/service"
)

type Handler struct {
	provisionService *service.ProvisionService
	logs             *repository.LogRepository
}

func NewHandler(provisionService *service.ProvisionService, logs *repository.LogRepository) *Handler {
	return &Handler{
		provisionService: provisionService,
		logs:             logs,
	}
}

// ==================== Internal API Handlers ====================

// CreateProvision starts a provisioning pipeline for a user.
func (h *Handler) CreateProvision(c *gin.Context) {
	var req models.CreateProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.provisionService.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetProvision returns the status of one provision.
func (h *Handler) GetProvision(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provision id required"})
		return
	}

	resp, err := h.provisionService.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provision not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetUserProvisions lists every provision owned by a user.
func (h *Handler) GetUserProvisions(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	resp, err := h.provisionService.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"provisions": resp})
}

// RestartProvision re-enqueues a FAILED provision.
func (h *Handler) RestartProvision(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provision id required"})
		return
	}

	resp, err := h.provisionService.Restart(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provision not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// ReleaseProvision tears down a provision's session.
func (h *Handler) ReleaseProvision(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provision id required"})
		return
	}

	resp, err := h.provisionService.Release(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provision not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetProvisionLogs returns the audit trail of a provision.
func (h *Handler) GetProvisionLogs(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provision id required"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	logs, err := h.logs.GetByProvisionID(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// ==================== User API Handlers ====================

// GetMyProvisions lists the authenticated user's provisions.
func (h *Handler) GetMyProvisions(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not identified"})
		return
	}

	resp, err := h.provisionService.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"provisions": resp})
}

// GetMyProvision returns one of the authenticated user's provisions.
func (h *Handler) GetMyProvision(c *gin.Context) {
	userID := c.GetString("userID")
	id := c.Param("id")

	resp, err := h.provisionService.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provision not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "provision not found"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ==================== Admin API Handlers ====================

// GetProviderBalances reports every market's remaining balance.
func (h *Handler) GetProviderBalances(c *gin.Context) {
	balances := h.provisionService.Balances(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// ReclaimOrphans sweeps reservations never consumed by their provision.
func (h *Handler) ReclaimOrphans(c *gin.Context) {
	resp, err := h.provisionService.ReclaimOrphans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}
