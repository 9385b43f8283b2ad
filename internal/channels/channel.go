// Package channels implements the delivery channels the orchestrator can
// try: the persistent socket, two push gateways and the on-device local
// notification facility.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/notifyhub/internal/models"
)

var (
	ErrNotConnected  = errors.New("socket not connected")
	ErrNotConfigured = errors.New("channel credentials not configured")
	ErrNoAddress     = errors.New("no address for channel")
)

type Channel interface {
	Name() models.ChannelName
	Send(ctx context.Context, n *models.Notification, address string) models.DeliveryResult
	IsAvailable() bool
}

type BatchChannel interface {
	Channel
	SendBatch(ctx context.Context, n *models.Notification, addresses []string) []models.DeliveryResult
}

// TokenProvider yields the platform push registration token of this device.
type TokenProvider interface {
	GetDeviceToken(ctx context.Context) (string, error)
}

// LocalScheduler is the OS-level local notification primitive.
type LocalScheduler interface {
	ScheduleNow(ctx context.Context, title, body string, data map[string]string) (string, error)
	ScheduleAt(ctx context.Context, title, body string, data map[string]string, at time.Time) (string, error)
	Cancel(ctx context.Context, id string) error
}

// StaticTokenProvider returns a fixed token, as configured for the host.
type StaticTokenProvider string

func (p StaticTokenProvider) GetDeviceToken(context.Context) (string, error) {
	if p == "" {
		return "", ErrNoAddress
	}
	return string(p), nil
}

// Directory resolves the address a notification is sent to on each channel.
type Directory struct {
	tokens TokenProvider
}

func NewDirectory(tokens TokenProvider) *Directory {
	return &Directory{tokens: tokens}
}

func (d *Directory) Resolve(ctx context.Context, channel models.ChannelName, userID string) (string, error) {
	switch channel {
	case models.ChannelSocket, models.ChannelLocal:
		return userID, nil
	case models.ChannelGatewayA, models.ChannelGatewayB:
		if d.tokens == nil {
			return "", fmt.Errorf("%w: %s", ErrNoAddress, channel)
		}
		token, err := d.tokens.GetDeviceToken(ctx)
		if err != nil {
			return "", fmt.Errorf("device token: %w", err)
		}
		if token == "" {
			return "", fmt.Errorf("%w: %s", ErrNoAddress, channel)
		}
		return token, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoAddress, channel)
}

// TTLFor maps notification priority to how long a gateway should keep
// trying to deliver it.
func TTLFor(p models.Priority) time.Duration {
	switch p {
	case models.PriorityUrgent:
		return time.Hour
	case models.PriorityHigh:
		return 2 * time.Hour
	case models.PriorityMedium:
		return 4 * time.Hour
	}
	return 8 * time.Hour
}

func IsHighPriority(p models.Priority) bool {
	return p == models.PriorityUrgent || p == models.PriorityHigh
}
