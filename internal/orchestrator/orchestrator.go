// Package orchestrator delivers one notification at a time through the
// user's channels in priority order, falling back until one succeeds.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/models"
	"go.uber.org/zap"
)

type PreferenceSource interface {
	Get(ctx context.Context, userID string) (*models.UserNotificationPreferences, error)
}

type HistoryStore interface {
	Save(ctx context.Context, n *models.Notification) error
}

type AddressResolver interface {
	Resolve(ctx context.Context, channel models.ChannelName, userID string) (string, error)
}

// OutcomePublisher is told about every finished dispatch.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, n *models.Notification, results []models.DeliveryResult) error
}

type Options struct {
	SendTimeout time.Duration
	Location    *time.Location
	Now         func() time.Time
	Outcomes    OutcomePublisher
	Logger      *zap.Logger
}

type Orchestrator struct {
	prefs       PreferenceSource
	history     HistoryStore
	addresses   AddressResolver
	channels    map[models.ChannelName]channels.Channel
	sendTimeout time.Duration
	loc         *time.Location
	now         func() time.Time
	outcomes    OutcomePublisher
	logger      *zap.Logger
}

func New(prefs PreferenceSource, history HistoryStore, addresses AddressResolver, chans []channels.Channel, opts Options) *Orchestrator {
	o := &Orchestrator{
		prefs:       prefs,
		history:     history,
		addresses:   addresses,
		channels:    make(map[models.ChannelName]channels.Channel, len(chans)),
		sendTimeout: opts.SendTimeout,
		loc:         opts.Location,
		now:         opts.Now,
		outcomes:    opts.Outcomes,
		logger:      opts.Logger,
	}
	for _, c := range chans {
		o.channels[c.Name()] = c
	}
	if o.sendTimeout <= 0 {
		o.sendTimeout = 10 * time.Second
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	return o
}

// Send dispatches n. Channel failures are reported in the returned results,
// never as an error; an error means the dispatch itself could not run or
// its outcome could not be persisted.
//
// A notification scheduled in the future, or caught by quiet hours, is
// stored as scheduled and no channel is tried.
func (o *Orchestrator) Send(ctx context.Context, n *models.Notification) ([]models.DeliveryResult, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.DeliveryStatus.Terminal() || n.DeliveryStatus == models.StatusSent {
		o.logger.Debug("notification already dispatched",
			zap.String("notification_id", n.ID),
			zap.String("status", string(n.DeliveryStatus)))
		return []models.DeliveryResult{}, nil
	}

	now := o.now()
	if !n.Due(now) {
		n.DeliveryStatus = models.StatusScheduled
		return []models.DeliveryResult{}, o.save(ctx, n)
	}

	prefs, err := o.prefs.Get(ctx, n.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve preferences for %s: %w", n.UserID, err)
	}

	if !prefs.CategoryEnabled(n.Type) {
		o.logger.Info("notification category disabled by user",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.String("type", string(n.Type)))
		if err := n.Cancel(); err != nil {
			return nil, err
		}
		return []models.DeliveryResult{}, o.save(ctx, n)
	}

	local := now.In(o.loc)
	if n.Priority != models.PriorityUrgent && prefs.QuietHours.Contains(local) {
		resume := prefs.QuietHours.NextEnd(local)
		o.logger.Info("notification deferred by quiet hours",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Time("resume_at", resume))
		if err := n.Reschedule(resume); err != nil {
			return nil, err
		}
		return []models.DeliveryResult{}, o.save(ctx, n)
	}

	candidates := o.candidates(prefs)
	n.Channels = candidates
	if err := n.MarkSent(now); err != nil {
		return nil, err
	}

	results := make([]models.DeliveryResult, 0, len(candidates))
	success := false
	for _, name := range candidates {
		ch, ok := o.channels[name]
		if !ok || !ch.IsAvailable() {
			o.logger.Debug("channel unavailable, skipping",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(name)))
			continue
		}
		res := o.attempt(ctx, ch, n)
		results = append(results, res)
		if res.Success {
			success = true
			break
		}
		o.logger.Warn("channel delivery failed, falling back",
			zap.String("notification_id", n.ID),
			zap.String("channel", string(name)),
			zap.String("error", res.Error))
	}

	if err := n.Resolve(success, o.now()); err != nil {
		return results, err
	}
	if !success {
		o.logger.Warn("all channels failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Int("attempts", len(results)))
	}

	if o.outcomes != nil {
		if err := o.outcomes.PublishOutcome(ctx, n, results); err != nil {
			o.logger.Warn("failed to publish delivery outcome", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}
	return results, o.save(ctx, n)
}

func (o *Orchestrator) attempt(ctx context.Context, ch channels.Channel, n *models.Notification) models.DeliveryResult {
	ctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	address, err := o.addresses.Resolve(ctx, ch.Name(), n.UserID)
	if err != nil {
		return models.Failed(n, ch.Name(), err)
	}
	return ch.Send(ctx, n, address)
}

// candidates orders the enabled channels by priority, each followed by its
// fallback channels unless the user disabled them explicitly.
func (o *Orchestrator) candidates(prefs *models.UserNotificationPreferences) []models.ChannelName {
	seen := make(map[models.ChannelName]bool)
	var out []models.ChannelName
	add := func(name models.ChannelName) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, cfg := range prefs.EnabledChannels() {
		add(cfg.Channel)
		for _, fb := range cfg.FallbackChannels {
			if c, ok := prefs.ChannelConfigFor(fb); ok && !c.Enabled {
				continue
			}
			add(fb)
		}
	}
	return out
}

func (o *Orchestrator) save(ctx context.Context, n *models.Notification) error {
	if err := o.history.Save(ctx, n); err != nil {
		o.logger.Error("failed to persist notification",
			zap.String("notification_id", n.ID),
			zap.Error(err))
		return fmt.Errorf("persist notification %s: %w", n.ID, err)
	}
	return nil
}
