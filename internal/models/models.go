package models

import "time"

type SendNotificationRequest struct {
	UserID        string            `json:"userId" binding:"required"`
	Title         string            `json:"title" binding:"required"`
	Message       string            `json:"message" binding:"required"`
	Type          NotificationType  `json:"type"`
	Priority      Priority          `json:"priority"`
	Data          map[string]string `json:"data"`
	ScheduledTime *time.Time        `json:"scheduledTime,omitempty"`
}

// BroadcastRequest addresses gateway A directly, either a topic or a list of
// device tokens. Exactly one of Topic and Tokens is set.
type BroadcastRequest struct {
	Title    string            `json:"title" binding:"required"`
	Message  string            `json:"message" binding:"required"`
	Type     NotificationType  `json:"type"`
	Priority Priority          `json:"priority"`
	Data     map[string]string `json:"data"`
	Topic    string            `json:"topic"`
	Tokens   []string          `json:"tokens"`
}

// PreferencesPatch is a partial preferences update. Nil fields are left
// untouched.
type PreferencesPatch struct {
	Channels        []ChannelConfig       `json:"channels,omitempty"`
	QuietHours      *QuietHours           `json:"quietHours,omitempty"`
	ReminderTimings *ReminderTimingsPatch `json:"reminderTimings,omitempty"`
	Categories      *CategoryTogglesPatch `json:"categories,omitempty"`
}

type ReminderTimingsPatch struct {
	OneDayBefore         *bool `json:"oneDayBefore,omitempty"`
	OneHourBefore        *bool `json:"oneHourBefore,omitempty"`
	FifteenMinutesBefore *bool `json:"fifteenMinutesBefore,omitempty"`
	StartingSoon         *bool `json:"startingSoon,omitempty"`
}

type CategoryTogglesPatch struct {
	Meetings   *bool `json:"meetings,omitempty"`
	Tasks      *bool `json:"tasks,omitempty"`
	Attendance *bool `json:"attendance,omitempty"`
	Messages   *bool `json:"messages,omitempty"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

type SendResponse struct {
	NotificationID string           `json:"notification_id"`
	Status         DeliveryStatus   `json:"status"`
	Results        []DeliveryResult `json:"results"`
}

// Health is the per-channel availability snapshot.
type Health struct {
	Socket   bool `json:"socket"`
	GatewayA bool `json:"gatewayA"`
	GatewayB bool `json:"gatewayB"`
	Local    bool `json:"local"`
}
