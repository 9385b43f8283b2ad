package handlers

import (
	"net/http"
	"time"

	"github.com/franzego/notifyhub/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// eventBody is an event without its id, which comes from the path.
type eventBody struct {
	Title        string          `json:"title" binding:"required"`
	StartTime    time.Time       `json:"startTime" binding:"required"`
	Participants []string        `json:"participants" binding:"required"`
	Priority     models.Priority `json:"priority,omitempty"`
}

type EventHandler struct {
	notifier Notifier
	logger   *zap.Logger
}

func NewEventHandler(notifier Notifier, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{notifier: notifier, logger: logger.Named("http")}
}

func (h *EventHandler) Schedule(c *gin.Context) {
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.notifier.ScheduleRemindersFor(c.Request.Context(), ev); err != nil {
		h.logger.Error("failed to schedule reminders",
			zap.String("correlation_id", correlationID(c)),
			zap.String("meeting_id", ev.ID),
			zap.Error(err))
		respondError(c, err, "Failed to schedule reminders")
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{
		Success: true,
		Message: "Reminders scheduled",
		Data:    h.notifier.Reminders(ev.ID),
	})
}

func (h *EventHandler) Reschedule(c *gin.Context) {
	var body eventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	ev := models.Event{
		ID:           c.Param("id"),
		Title:        body.Title,
		StartTime:    body.StartTime,
		Participants: body.Participants,
		Priority:     body.Priority,
	}
	if err := h.notifier.RescheduleRemindersFor(c.Request.Context(), ev); err != nil {
		h.logger.Error("failed to reschedule reminders",
			zap.String("correlation_id", correlationID(c)),
			zap.String("meeting_id", ev.ID),
			zap.Error(err))
		respondError(c, err, "Failed to reschedule reminders")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Reminders rescheduled",
		Data:    h.notifier.Reminders(ev.ID),
	})
}

func (h *EventHandler) Cancel(c *gin.Context) {
	if err := h.notifier.CancelRemindersFor(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, "Failed to cancel reminders")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Reminders cancelled"})
}

func (h *EventHandler) Reminders(c *gin.Context) {
	list := h.notifier.Reminders(c.Param("id"))
	if list == nil {
		list = []models.Reminder{}
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Reminders", Data: list})
}
