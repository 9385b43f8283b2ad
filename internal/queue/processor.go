package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/franzego/notifyhub/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultMaxRetries = 3
)

type HistorySource interface {
	List(ctx context.Context) ([]*models.Notification, error)
	Get(ctx context.Context, id string) (*models.Notification, error)
}

type Dispatcher interface {
	Send(ctx context.Context, n *models.Notification) ([]models.DeliveryResult, error)
}

// DeadLetterPublisher receives notifications that exhausted their retries.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, n *models.Notification, results []models.DeliveryResult) error
}

type ProcessorOptions struct {
	Interval   time.Duration
	MaxRetries int
	Now        func() time.Time
	DeadLetter DeadLetterPublisher
	Logger     *zap.Logger
}

// Processor re-drives scheduled notifications from history once they are
// due, and retries the ones whose scheduled dispatch failed.
type Processor struct {
	history    HistorySource
	dispatcher Dispatcher
	deadLetter DeadLetterPublisher
	interval   time.Duration
	maxRetries int
	now        func() time.Time
	logger     *zap.Logger
}

func NewProcessor(history HistorySource, dispatcher Dispatcher, opts ProcessorOptions) *Processor {
	p := &Processor{
		history:    history,
		dispatcher: dispatcher,
		deadLetter: opts.DeadLetter,
		interval:   opts.Interval,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.maxRetries <= 0 {
		p.maxRetries = DefaultMaxRetries
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("queue")
	return p
}

func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("starting queue processor", zap.Duration("interval", p.interval), zap.Int("max_retries", p.maxRetries))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.ProcessOnce(ctx); err != nil {
			p.logger.Error("queue pass failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.logger.Info("context cancelled, stopping queue processor")
			return nil
		}
	}
}

// ProcessOnce runs a single pass and reports how many notifications it
// dispatched.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	list, err := p.history.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued notifications: %w", err)
	}

	now := p.now()
	dispatched := 0
	for _, queued := range list {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if !p.eligible(queued, now) {
			continue
		}

		// history may have moved on since the listing
		n, err := p.history.Get(ctx, queued.ID)
		if err != nil || !p.eligible(n, now) {
			continue
		}

		if n.DeliveryStatus == models.StatusFailed {
			if err := n.Requeue(); err != nil {
				p.logger.Warn("failed to requeue notification", zap.String("notification_id", n.ID), zap.Error(err))
				continue
			}
			p.logger.Info("retrying notification",
				zap.String("notification_id", n.ID),
				zap.Int("retry_count", n.RetryCount))
		}

		results, err := p.dispatcher.Send(ctx, n)
		dispatched++
		if err != nil {
			p.logger.Error("queued dispatch failed", zap.String("notification_id", n.ID), zap.Error(err))
			continue
		}
		if n.DeliveryStatus == models.StatusFailed && n.RetryCount >= p.maxRetries {
			p.deadLetterNotification(ctx, n, results)
		}
	}
	return dispatched, nil
}

// eligible reports whether n belongs to the queue at now. Notifications
// without a scheduled time were immediate sends and are never re-driven.
func (p *Processor) eligible(n *models.Notification, now time.Time) bool {
	if n.ScheduledTime == nil || !n.Due(now) {
		return false
	}
	switch n.DeliveryStatus {
	case models.StatusPending, models.StatusScheduled:
		return true
	case models.StatusFailed:
		return n.RetryCount < p.maxRetries
	}
	return false
}

// deadLetterNotification runs once maxRetries counts Requeue retries, not
// total attempts: the initial dispatch plus maxRetries retries have failed.
func (p *Processor) deadLetterNotification(ctx context.Context, n *models.Notification, results []models.DeliveryResult) {
	p.logger.Warn("notification exhausted retries",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.Int("retry_count", n.RetryCount))
	if p.deadLetter == nil {
		return
	}
	if err := p.deadLetter.PublishDeadLetter(ctx, n, results); err != nil {
		p.logger.Error("failed to dead-letter notification", zap.String("notification_id", n.ID), zap.Error(err))
	}
}
