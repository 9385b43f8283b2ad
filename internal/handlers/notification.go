package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

type NotificationHandler struct {
	notifier  Notifier
	kv        storage.Store
	keyPrefix string
	logger    *zap.Logger
}

func NewNotificationHandler(notifier Notifier, kv storage.Store, keyPrefix string, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{
		notifier:  notifier,
		kv:        kv,
		keyPrefix: keyPrefix,
		logger:    logger.Named("http"),
	}
}

func (h *NotificationHandler) Send(c *gin.Context) {
	ctx := c.Request.Context()
	var req models.SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	idemKey := c.GetHeader(idempotencyHeader)
	if idemKey != "" {
		existing, err := h.checkIdempotency(ctx, idemKey)
		if err != nil {
			h.logger.Warn("idempotency check failed", zap.String("correlation_id", correlationID(c)), zap.Error(err))
		}
		if existing != "" {
			c.JSON(http.StatusOK, models.APIResponse{
				Success: true,
				Message: "Notification Already Processed",
				Data:    models.SendResponse{NotificationID: existing, Results: []models.DeliveryResult{}},
			})
			return
		}
	}

	n, results, err := h.notifier.Send(ctx, req)
	if err != nil {
		h.logger.Error("failed to send notification",
			zap.String("correlation_id", correlationID(c)),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		respondError(c, err, "Failed to send notification")
		return
	}
	if idemKey != "" {
		if err := h.kv.Set(ctx, h.idempotencyKey(idemKey), []byte(n.ID)); err != nil {
			h.logger.Warn("failed to record idempotency key", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}

	message := "Notification sent"
	switch n.DeliveryStatus {
	case models.StatusScheduled:
		message = "Notification scheduled"
	case models.StatusCancelled:
		message = "Notification category disabled by user"
	case models.StatusFailed:
		message = "All channels failed"
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: n.DeliveryStatus != models.StatusFailed,
		Message: message,
		Data: models.SendResponse{
			NotificationID: n.ID,
			Status:         n.DeliveryStatus,
			Results:        results,
		},
	})
}

// Broadcast sends one notification to a gateway topic or a list of device
// tokens.
func (h *NotificationHandler) Broadcast(c *gin.Context) {
	var req models.BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	n, results, err := h.notifier.Broadcast(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to broadcast notification",
			zap.String("correlation_id", correlationID(c)),
			zap.String("topic", req.Topic),
			zap.Error(err))
		respondError(c, err, "Failed to broadcast notification")
		return
	}
	message := "Broadcast sent"
	if n.DeliveryStatus == models.StatusFailed {
		message = "No address accepted the broadcast"
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: n.DeliveryStatus == models.StatusDelivered,
		Message: message,
		Data: models.SendResponse{
			NotificationID: n.ID,
			Status:         n.DeliveryStatus,
			Results:        results,
		},
	})
}

func (h *NotificationHandler) List(c *gin.Context) {
	list, err := h.notifier.History(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to load history")
		return
	}
	if userID := c.Query("user_id"); userID != "" {
		filtered := list[:0]
		for _, n := range list {
			if n.UserID == userID {
				filtered = append(filtered, n)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []*models.Notification{}
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "History", Data: list})
}

func (h *NotificationHandler) Clear(c *gin.Context) {
	if err := h.notifier.ClearHistory(c.Request.Context()); err != nil {
		respondError(c, err, "Failed to clear history")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "History cleared"})
}

func (h *NotificationHandler) Cancel(c *gin.Context) {
	n, err := h.notifier.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to cancel notification")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Notification cancelled", Data: n})
}

// Reconnect re-opens the socket after its automatic retries gave up.
func (h *NotificationHandler) Reconnect(c *gin.Context) {
	if err := h.notifier.Reconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Socket reconnect failed",
		})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Socket connected"})
}

// checkIdempotency returns the notification id already recorded for key.
func (h *NotificationHandler) checkIdempotency(ctx context.Context, key string) (string, error) {
	raw, err := h.kv.Get(ctx, h.idempotencyKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (h *NotificationHandler) idempotencyKey(key string) string {
	return storage.Key(h.keyPrefix, "idempotency", key)
}
