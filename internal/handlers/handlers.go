package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/history"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/preferences"
	"github.com/gin-gonic/gin"
)

// Notifier is the part of the notification service the HTTP surface uses.
type Notifier interface {
	Send(ctx context.Context, req models.SendNotificationRequest) (*models.Notification, []models.DeliveryResult, error)
	Broadcast(ctx context.Context, req models.BroadcastRequest) (*models.Notification, []models.DeliveryResult, error)
	Cancel(ctx context.Context, id string) (*models.Notification, error)
	History(ctx context.Context) ([]*models.Notification, error)
	ClearHistory(ctx context.Context) error
	GetPreferences(ctx context.Context, userID string) (*models.UserNotificationPreferences, error)
	UpdatePreferences(ctx context.Context, userID string, patch models.PreferencesPatch) (*models.UserNotificationPreferences, error)
	ResetPreferences(ctx context.Context, userID string) (*models.UserNotificationPreferences, error)
	ScheduleRemindersFor(ctx context.Context, ev models.Event) error
	RescheduleRemindersFor(ctx context.Context, ev models.Event) error
	CancelRemindersFor(ctx context.Context, eventID string) error
	Reminders(eventID string) []models.Reminder
	HealthCheck(ctx context.Context) models.Health
	Reconnect(ctx context.Context) error
}

func respondError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidNotification),
		errors.Is(err, preferences.ErrInvalidPreferences),
		errors.Is(err, models.ErrInvalidQuietHours):
		status = http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, channels.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   err.Error(),
		Message: message,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.APIResponse{
		Success: false,
		Error:   err.Error(),
		Message: "Invalid Request Body",
	})
}

func correlationID(c *gin.Context) string {
	return c.GetString("correlation_id")
}
