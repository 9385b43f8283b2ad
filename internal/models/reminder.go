package models

import (
	"time"
)

type ReminderType string

const (
	ReminderInvitation   ReminderType = "invitation"
	Reminder1Day         ReminderType = "reminder_1day"
	Reminder1Hour        ReminderType = "reminder_1hour"
	Reminder15Min        ReminderType = "reminder_15min"
	ReminderStartingSoon ReminderType = "starting_soon"
)

// Offset is how long before the event start a reminder fires.
func (t ReminderType) Offset() time.Duration {
	switch t {
	case Reminder1Day:
		return 24 * time.Hour
	case Reminder1Hour:
		return time.Hour
	case Reminder15Min:
		return 15 * time.Minute
	}
	return 0
}

func (t ReminderType) NotificationType() NotificationType {
	if t == ReminderInvitation {
		return TypeMeetingInvitation
	}
	return TypeMeetingReminder
}

type Reminder struct {
	ID            string       `json:"id"`
	MeetingID     string       `json:"meetingId"`
	UserID        string       `json:"userId"`
	Type          ReminderType `json:"type"`
	ScheduledTime time.Time    `json:"scheduledTime"`
	IsSent        bool         `json:"isSent"`
	SentAt        *time.Time   `json:"sentAt,omitempty"`
	Title         string       `json:"title"`
	Message       string       `json:"message"`
	Priority      Priority     `json:"priority"`
	LocalID       string       `json:"localId,omitempty"`
}

// ToNotification builds the notification a reminder produces when it fires.
func (r *Reminder) ToNotification(now time.Time) *Notification {
	n := NewNotification(r.UserID, r.Type.NotificationType(), r.Priority, r.Title, r.Message, nil, now)
	n.Data[DataMeetingID] = r.MeetingID
	n.Data[DataReminderType] = string(r.Type)
	return n
}

// Event is a meeting-like source of reminders.
type Event struct {
	ID           string    `json:"id" binding:"required"`
	Title        string    `json:"title" binding:"required"`
	StartTime    time.Time `json:"startTime" binding:"required"`
	Participants []string  `json:"participants" binding:"required"`
	Priority     Priority  `json:"priority,omitempty"`
}
