package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type ChannelName string

const (
	ChannelSocket   ChannelName = "socket"
	ChannelGatewayA ChannelName = "gateway_a"
	ChannelGatewayB ChannelName = "gateway_b"
	ChannelLocal    ChannelName = "local"
)

func (c ChannelName) Valid() bool {
	switch c {
	case ChannelSocket, ChannelGatewayA, ChannelGatewayB, ChannelLocal:
		return true
	}
	return false
}

var ErrInvalidQuietHours = errors.New("invalid quiet hours")

type ChannelConfig struct {
	Channel          ChannelName   `json:"channel"`
	Enabled          bool          `json:"enabled"`
	Priority         int           `json:"priority"` // 1 = highest
	FallbackChannels []ChannelName `json:"fallbackChannels,omitempty"`
}

type QuietHours struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"startTime"` // HH:MM
	EndTime   string `json:"endTime"`   // HH:MM
}

type ReminderTimings struct {
	OneDayBefore         bool `json:"oneDayBefore"`
	OneHourBefore        bool `json:"oneHourBefore"`
	FifteenMinutesBefore bool `json:"fifteenMinutesBefore"`
	StartingSoon         bool `json:"startingSoon"`
}

// CategoryToggles switch whole feature areas on or off.
type CategoryToggles struct {
	Meetings   bool `json:"meetings"`
	Tasks      bool `json:"tasks"`
	Attendance bool `json:"attendance"`
	Messages   bool `json:"messages"`
}

type UserNotificationPreferences struct {
	UserID          string          `json:"userId"`
	Channels        []ChannelConfig `json:"channels"`
	QuietHours      QuietHours      `json:"quietHours"`
	ReminderTimings ReminderTimings `json:"reminderTimings"`
	Categories      CategoryToggles `json:"categories"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// DefaultPreferences is what every user without a stored record gets.
func DefaultPreferences(userID string) *UserNotificationPreferences {
	return &UserNotificationPreferences{
		UserID: userID,
		Channels: []ChannelConfig{
			{Channel: ChannelSocket, Enabled: true, Priority: 1},
			{Channel: ChannelGatewayA, Enabled: true, Priority: 2},
			{Channel: ChannelGatewayB, Enabled: true, Priority: 3},
			{Channel: ChannelLocal, Enabled: true, Priority: 4},
		},
		QuietHours: QuietHours{
			Enabled:   false,
			StartTime: "22:00",
			EndTime:   "08:00",
		},
		ReminderTimings: ReminderTimings{
			OneDayBefore:         false,
			OneHourBefore:        true,
			FifteenMinutesBefore: true,
			StartingSoon:         true,
		},
		Categories: CategoryToggles{
			Meetings:   true,
			Tasks:      true,
			Attendance: true,
			Messages:   true,
		},
	}
}

// EnabledChannels returns the enabled configs ordered by priority. Ties are
// broken by channel name so the order is total.
func (p *UserNotificationPreferences) EnabledChannels() []ChannelConfig {
	out := make([]ChannelConfig, 0, len(p.Channels))
	for _, c := range p.Channels {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func (p *UserNotificationPreferences) ChannelConfigFor(name ChannelName) (ChannelConfig, bool) {
	for _, c := range p.Channels {
		if c.Channel == name {
			return c, true
		}
	}
	return ChannelConfig{}, false
}

// CategoryEnabled reports whether notifications of type t are wanted.
// Types outside the four feature areas are always allowed.
func (p *UserNotificationPreferences) CategoryEnabled(t NotificationType) bool {
	switch t {
	case TypeMeetingReminder, TypeMeetingInvitation:
		return p.Categories.Meetings
	case TypeTaskAssigned, TypeTaskDue:
		return p.Categories.Tasks
	case TypeAttendanceCheck:
		return p.Categories.Attendance
	case TypeMessageReceived:
		return p.Categories.Messages
	}
	return true
}

func (p *UserNotificationPreferences) Clone() *UserNotificationPreferences {
	c := *p
	c.Channels = make([]ChannelConfig, len(p.Channels))
	for i, cfg := range p.Channels {
		cfg.FallbackChannels = append([]ChannelName(nil), cfg.FallbackChannels...)
		c.Channels[i] = cfg
	}
	return &c
}

// ParseClock parses an "HH:MM" string into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (q QuietHours) Validate() error {
	if _, err := ParseClock(q.StartTime); err != nil {
		return err
	}
	if _, err := ParseClock(q.EndTime); err != nil {
		return err
	}
	return nil
}

// Contains reports whether the wall-clock time of now falls within the
// window. A window whose start is after its end wraps past midnight.
func (q QuietHours) Contains(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := ParseClock(q.StartTime)
	if err != nil {
		return false
	}
	end, err := ParseClock(q.EndTime)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start > end {
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}

// NextEnd returns the first instant after now at which the window closes.
func (q QuietHours) NextEnd(now time.Time) time.Time {
	end, err := ParseClock(q.EndTime)
	if err != nil {
		return now
	}
	y, m, d := now.Date()
	at := time.Date(y, m, d, end/60, end%60, 0, 0, now.Location()).Add(time.Minute)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
