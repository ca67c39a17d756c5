// internal/handlers/admin.go
package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/utils"
)

// CallbackAdmin inspects and requeues recorded payment callbacks.
type CallbackAdmin interface {
	Records(ctx context.Context, status models.CallbackStatus, limit, offset int) ([]models.PaymentCallbackRecord, int64, error)
	Record(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error)
	Requeue(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error)
}

type UserCache interface {
	Invalidate(userID uuid.UUID)
	InvalidateAll()
}

type RateCache interface {
	Invalidate() int
}

type NotificationAdmin interface {
	ListNotifications(ctx context.Context, status string, limit, offset int) ([]models.AdminNotification, int64, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

type AdminHandler struct {
	callbacks     CallbackAdmin
	users         UserCache
	rates         RateCache
	notifications NotificationAdmin
}

func NewAdminHandler(callbacks CallbackAdmin, users UserCache, rates RateCache, notifications NotificationAdmin) *AdminHandler {
	return &AdminHandler{
		callbacks:     callbacks,
		users:         users,
		rates:         rates,
		notifications: notifications,
	}
}

// GET /admin/callbacks
func (h *AdminHandler) GetCallbacks(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	status := models.CallbackStatus(strings.ToUpper(c.DefaultQuery("status", string(models.CallbackStatusManualReview))))
	switch status {
	case models.CallbackStatusReceived, models.CallbackStatusProcessing, models.CallbackStatusApplied,
		models.CallbackStatusRejected, models.CallbackStatusManualReview:
	default:
		utils.BadRequestResponse(c, "Invalid callback status", nil)
		return
	}

	records, total, err := h.callbacks.Records(c.Request.Context(), status, params.Limit, params.Offset())
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	utils.PaginatedResponse(c, utils.CreatePaginationResult(records, total, params))
}

// GET /admin/callbacks/:provider/:tx_id
func (h *AdminHandler) GetCallback(c *gin.Context) {
	rec, err := h.callbacks.Record(c.Request.Context(), callbackKey(c))
	if err != nil {
		callbackErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"callback": rec})
}

// POST /admin/callbacks/:provider/:tx_id/requeue
func (h *AdminHandler) RequeueCallback(c *gin.Context) {
	rec, err := h.callbacks.Requeue(c.Request.Context(), callbackKey(c))
	if err != nil {
		callbackErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{
		"callback": rec,
		"message":  "Callback returned to automatic processing",
	})
}

// POST /admin/cache/users/:user_id/invalidate
func (h *AdminHandler) InvalidateUser(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid user ID", nil)
		return
	}
	h.users.Invalidate(userID)
	utils.SuccessResponse(c, gin.H{"invalidated": userID})
}

// POST /admin/cache/users/invalidate
func (h *AdminHandler) InvalidateUsers(c *gin.Context) {
	h.users.InvalidateAll()
	utils.SuccessResponse(c, gin.H{"message": "User cache flushed"})
}

// POST /admin/cache/rates/invalidate
func (h *AdminHandler) InvalidateRates(c *gin.Context) {
	n := h.rates.Invalidate()
	utils.SuccessResponse(c, gin.H{"evicted": n})
}

// GET /admin/notifications
func (h *AdminHandler) GetNotifications(c *gin.Context) {
	params := utils.GetPaginationParams(c)
	notes, total, err := h.notifications.ListNotifications(c.Request.Context(), c.Query("status"), params.Limit, params.Offset())
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	utils.PaginatedResponse(c, utils.CreatePaginationResult(notes, total, params))
}

// PUT /admin/notifications/:id/read
func (h *AdminHandler) MarkNotificationRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid notification ID", nil)
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), id); err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	utils.SuccessResponse(c, gin.H{"message": "Notification marked as read"})
}

func callbackKey(c *gin.Context) models.CallbackKey {
	return models.CallbackKey{
		Provider:     strings.ToLower(c.Param("provider")),
		ProviderTxID: c.Param("tx_id"),
	}
}

func callbackErrorResponse(c *gin.Context, err error) {
	switch {
	case errors.Is(err, callback.ErrCallbackNotFound):
		utils.NotFoundResponse(c, "Callback")
	case errors.Is(err, callback.ErrNotRequeueable):
		utils.ConflictResponse(c, err.Error())
	default:
		utils.InternalErrorResponse(c, err.Error())
	}
}
