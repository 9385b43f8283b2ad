package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	TypeMeetingReminder   NotificationType = "meeting_reminder"
	TypeMeetingInvitation NotificationType = "meeting_invitation"
	TypeTaskAssigned      NotificationType = "task_assigned"
	TypeTaskDue           NotificationType = "task_due"
	TypeAttendanceCheck   NotificationType = "attendance_check"
	TypeMessageReceived   NotificationType = "message_received"
	TypeSystemAlert       NotificationType = "system_alert"
	TypeGeneral           NotificationType = "general"
)

func (t NotificationType) Valid() bool {
	switch t {
	case TypeMeetingReminder, TypeMeetingInvitation, TypeTaskAssigned, TypeTaskDue,
		TypeAttendanceCheck, TypeMessageReceived, TypeSystemAlert, TypeGeneral:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusScheduled DeliveryStatus = "scheduled"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Keys understood by client apps in Notification.Data.
const (
	DataMeetingID    = "meetingId"
	DataReminderType = "reminderType"
	DataTaskID       = "taskId"
	DataSenderID     = "senderId"
	DataDeepLink     = "deepLink"
)

var (
	ErrInvalidTransition   = errors.New("invalid delivery status transition")
	ErrInvalidNotification = errors.New("invalid notification")
)

type Notification struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Type           NotificationType  `json:"type"`
	Priority       Priority          `json:"priority"`
	Data           map[string]string `json:"data,omitempty"`
	ScheduledTime  *time.Time        `json:"scheduledTime,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	DeliveryStatus DeliveryStatus    `json:"deliveryStatus"`
	Channels       []ChannelName     `json:"channels,omitempty"`
	RetryCount     int               `json:"retryCount"`
}

// NewNotification builds a pending notification, or a scheduled one when
// scheduledTime is non-nil.
func NewNotification(userID string, typ NotificationType, priority Priority, title, message string, scheduledTime *time.Time, now time.Time) *Notification {
	n := &Notification{
		ID:             uuid.New().String(),
		UserID:         userID,
		Title:          title,
		Message:        message,
		Type:           typ,
		Priority:       priority,
		Data:           map[string]string{},
		CreatedAt:      now,
		DeliveryStatus: StatusPending,
	}
	if scheduledTime != nil {
		at := *scheduledTime
		n.ScheduledTime = &at
		n.DeliveryStatus = StatusScheduled
	}
	return n
}

func (n *Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidNotification)
	}
	if n.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidNotification)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, n.Type)
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidNotification, n.Priority)
	}
	if n.ScheduledTime != nil && n.ScheduledTime.Before(n.CreatedAt) {
		return fmt.Errorf("%w: scheduled time before creation", ErrInvalidNotification)
	}
	return nil
}

// MarkSent records the start of a dispatch.
func (n *Notification) MarkSent(now time.Time) error {
	if n.DeliveryStatus != StatusPending && n.DeliveryStatus != StatusScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.DeliveryStatus, StatusSent)
	}
	n.DeliveryStatus = StatusSent
	n.SentAt = &now
	return nil
}

// Resolve closes a dispatch started with MarkSent.
func (n *Notification) Resolve(success bool, now time.Time) error {
	next := StatusFailed
	if success {
		next = StatusDelivered
	}
	if n.DeliveryStatus != StatusSent {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.DeliveryStatus, next)
	}
	n.DeliveryStatus = next
	n.SentAt = &now
	return nil
}

func (n *Notification) Cancel() error {
	if n.DeliveryStatus != StatusPending && n.DeliveryStatus != StatusScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.DeliveryStatus, StatusCancelled)
	}
	n.DeliveryStatus = StatusCancelled
	return nil
}

// Reschedule moves a not-yet-dispatched notification to a new time.
func (n *Notification) Reschedule(at time.Time) error {
	if n.DeliveryStatus != StatusPending && n.DeliveryStatus != StatusScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.DeliveryStatus, StatusScheduled)
	}
	n.ScheduledTime = &at
	n.DeliveryStatus = StatusScheduled
	return nil
}

// Requeue returns a failed scheduled notification to the queue for another
// attempt.
func (n *Notification) Requeue() error {
	if n.DeliveryStatus != StatusFailed || n.ScheduledTime == nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.DeliveryStatus, StatusScheduled)
	}
	n.DeliveryStatus = StatusScheduled
	n.SentAt = nil
	n.RetryCount++
	return nil
}

// Due reports whether a scheduled notification should be dispatched at now.
func (n *Notification) Due(now time.Time) bool {
	return n.ScheduledTime == nil || !n.ScheduledTime.After(now)
}

func (n *Notification) Clone() *Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.ScheduledTime != nil {
		at := *n.ScheduledTime
		c.ScheduledTime = &at
	}
	if n.SentAt != nil {
		at := *n.SentAt
		c.SentAt = &at
	}
	c.Channels = append([]ChannelName(nil), n.Channels...)
	return &c
}

// DeliveryResult is the outcome of one channel attempt within a dispatch.
type DeliveryResult struct {
	NotificationID string      `json:"notificationId"`
	Channel        ChannelName `json:"channel"`
	Success        bool        `json:"success"`
	Error          string      `json:"error,omitempty"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
	RetryCount     int         `json:"retryCount"`
}

func Delivered(n *Notification, channel ChannelName, at time.Time) DeliveryResult {
	return DeliveryResult{
		NotificationID: n.ID,
		Channel:        channel,
		Success:        true,
		DeliveredAt:    &at,
		RetryCount:     n.RetryCount,
	}
}

func Failed(n *Notification, channel ChannelName, err error) DeliveryResult {
	r := DeliveryResult{
		NotificationID: n.ID,
		Channel:        channel,
		RetryCount:     n.RetryCount,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
