// Package notifier is the entry point the host application talks to. It
// wires preferences, history, channels, the reminder scheduler and the
// retry queue around one orchestrator.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/history"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/orchestrator"
	"github.com/franzego/notifyhub/internal/preferences"
	"github.com/franzego/notifyhub/internal/queue"
	"github.com/franzego/notifyhub/internal/scheduler"
	"github.com/franzego/notifyhub/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Realtime is the persistent-connection channel.
type Realtime interface {
	channels.Channel
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
	SetIncomingHandler(h channels.IncomingHandler)
	Ping(ctx context.Context) bool
}

// Broadcaster is a gateway that can address many devices in one call.
type Broadcaster interface {
	channels.BatchChannel
	SendTopic(ctx context.Context, n *models.Notification, topic string) models.DeliveryResult
}

// Publisher receives delivery outcomes and dead-lettered notifications.
type Publisher interface {
	orchestrator.OutcomePublisher
	queue.DeadLetterPublisher
}

type Deps struct {
	Store     storage.Store
	KeyPrefix string
	DeviceID  string

	Socket   Realtime
	GatewayA channels.Channel
	GatewayB channels.Channel
	Local    *channels.LocalChannel
	Tokens   channels.TokenProvider
	// Backstop enables the local reminder backstop when non-nil.
	Backstop  channels.LocalScheduler
	Publisher Publisher

	Delivery  config.DeliveryConfig
	Scheduler config.SchedulerConfig
	Queue     config.QueueConfig

	Now    func() time.Time
	Logger *zap.Logger
}

type Service struct {
	prefs        *preferences.Store
	history      *history.Store
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	processor    *queue.Processor

	socket   Realtime
	gatewayA channels.Channel
	gatewayB channels.Channel
	local    *channels.LocalChannel
	// broadcaster is gateway A when it supports batch and topic sends.
	broadcaster Broadcaster

	now    func() time.Time
	logger *zap.Logger
}

func New(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("notifier: store is required")
	}
	if d.Local == nil {
		return nil, fmt.Errorf("notifier: local channel is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Tokens == nil {
		d.Tokens = channels.StaticTokenProvider("")
	}
	s := &Service{
		socket:   d.Socket,
		gatewayA: d.GatewayA,
		gatewayB: d.GatewayB,
		local:    d.Local,
		now:      d.Now,
		logger:   d.Logger.Named("notifier"),
	}
	if b, ok := d.GatewayA.(Broadcaster); ok {
		s.broadcaster = b
	}
	s.prefs = preferences.NewStore(d.Store, storage.Key(d.KeyPrefix, "preferences", d.DeviceID), d.Logger)
	s.history = history.New(d.Store, storage.Key(d.KeyPrefix, "history", d.DeviceID), history.DefaultLimit)

	chans := []channels.Channel{d.Local}
	for _, c := range []channels.Channel{d.GatewayA, d.GatewayB} {
		if c != nil {
			chans = append(chans, c)
		}
	}
	if d.Socket != nil {
		chans = append(chans, d.Socket)
		d.Socket.SetIncomingHandler(s.handleIncoming)
	}

	var outcomes orchestrator.OutcomePublisher
	var deadLetter queue.DeadLetterPublisher
	if d.Publisher != nil {
		outcomes = d.Publisher
		deadLetter = d.Publisher
	}

	s.orchestrator = orchestrator.New(s.prefs, s.history, channels.NewDirectory(d.Tokens), chans, orchestrator.Options{
		SendTimeout: d.Delivery.SendTimeout,
		Location:    d.Delivery.Location(),
		Now:         d.Now,
		Outcomes:    outcomes,
		Logger:      d.Logger,
	})

	schedOpts := scheduler.Options{
		Interval: d.Scheduler.Interval,
		Now:      d.Now,
		Logger:   d.Logger,
	}
	if d.Scheduler.LocalBackstop && d.Backstop != nil {
		schedOpts.Backstop = d.Backstop
	}
	s.scheduler = scheduler.New(d.Store, storage.Key(d.KeyPrefix, "reminders", d.DeviceID), s.prefs, s.orchestrator, schedOpts)

	s.processor = queue.NewProcessor(s.history, s.orchestrator, queue.ProcessorOptions{
		Interval:   d.Queue.Interval,
		MaxRetries: d.Queue.MaxRetries,
		Now:        d.Now,
		DeadLetter: deadLetter,
		Logger:     d.Logger,
	})
	return s, nil
}

// Send builds a notification from req and dispatches it, or queues it when
// it is scheduled for later.
func (s *Service) Send(ctx context.Context, req models.SendNotificationRequest) (*models.Notification, []models.DeliveryResult, error) {
	typ := req.Type
	if typ == "" {
		typ = models.TypeGeneral
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	n := models.NewNotification(req.UserID, typ, priority, req.Title, req.Message, req.ScheduledTime, s.now())
	for k, v := range req.Data {
		n.Data[k] = v
	}
	results, err := s.orchestrator.Send(ctx, n)
	return n, results, err
}

// Broadcast sends one notification to a topic or a set of device tokens
// through gateway A. There is no single recipient, so preferences and quiet
// hours do not apply; the notification is recorded in history as delivered
// when at least one address accepted it.
func (s *Service) Broadcast(ctx context.Context, req models.BroadcastRequest) (*models.Notification, []models.DeliveryResult, error) {
	if s.broadcaster == nil || !s.broadcaster.IsAvailable() {
		return nil, nil, fmt.Errorf("%w: gateway a", channels.ErrNotConfigured)
	}
	if (req.Topic == "") == (len(req.Tokens) == 0) {
		return nil, nil, fmt.Errorf("%w: exactly one of topic or tokens is required", models.ErrInvalidNotification)
	}
	typ := req.Type
	if typ == "" {
		typ = models.TypeSystemAlert
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	audience := "broadcast"
	if req.Topic != "" {
		audience = "topic:" + req.Topic
	}
	n := models.NewNotification(audience, typ, priority, req.Title, req.Message, nil, s.now())
	for k, v := range req.Data {
		n.Data[k] = v
	}
	if err := n.Validate(); err != nil {
		return nil, nil, err
	}
	if err := n.MarkSent(s.now()); err != nil {
		return nil, nil, err
	}
	n.Channels = []models.ChannelName{s.broadcaster.Name()}

	var results []models.DeliveryResult
	if req.Topic != "" {
		results = []models.DeliveryResult{s.broadcaster.SendTopic(ctx, n, req.Topic)}
	} else {
		results = s.broadcaster.SendBatch(ctx, n, req.Tokens)
	}
	delivered := 0
	for _, r := range results {
		if r.Success {
			delivered++
		}
	}
	if err := n.Resolve(delivered > 0, s.now()); err != nil {
		return nil, nil, err
	}
	if err := s.history.Save(ctx, n); err != nil {
		return n, results, err
	}
	s.logger.Info("broadcast dispatched",
		zap.String("notification_id", n.ID),
		zap.String("audience", audience),
		zap.Int("addresses", len(results)),
		zap.Int("delivered", delivered))
	return n, results, nil
}

// Dispatch sends an already built notification.
func (s *Service) Dispatch(ctx context.Context, n *models.Notification) ([]models.DeliveryResult, error) {
	return s.orchestrator.Send(ctx, n)
}

// Cancel stops a pending or scheduled notification from being delivered.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Notification, error) {
	n, err := s.history.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := n.Cancel(); err != nil {
		return nil, err
	}
	if err := s.history.Save(ctx, n); err != nil {
		return nil, err
	}
	s.logger.Info("notification cancelled", zap.String("notification_id", id))
	return n, nil
}

func (s *Service) ScheduleRemindersFor(ctx context.Context, ev models.Event) error {
	return s.scheduler.ScheduleRemindersFor(ctx, ev)
}

func (s *Service) CancelRemindersFor(ctx context.Context, eventID string) error {
	return s.scheduler.CancelRemindersFor(ctx, eventID)
}

func (s *Service) RescheduleRemindersFor(ctx context.Context, ev models.Event) error {
	return s.scheduler.RescheduleRemindersFor(ctx, ev)
}

func (s *Service) Reminders(eventID string) []models.Reminder {
	return s.scheduler.Reminders(eventID)
}

func (s *Service) GetPreferences(ctx context.Context, userID string) (*models.UserNotificationPreferences, error) {
	return s.prefs.Get(ctx, userID)
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch models.PreferencesPatch) (*models.UserNotificationPreferences, error) {
	return s.prefs.Update(ctx, userID, patch)
}

// ResetPreferences drops the user's stored preferences and returns the
// defaults that apply from now on.
func (s *Service) ResetPreferences(ctx context.Context, userID string) (*models.UserNotificationPreferences, error) {
	if err := s.prefs.Reset(ctx, userID); err != nil {
		return nil, err
	}
	return s.prefs.Get(ctx, userID)
}

// History lists stored notifications, newest first.
func (s *Service) History(ctx context.Context) ([]*models.Notification, error) {
	return s.history.List(ctx)
}

func (s *Service) ClearHistory(ctx context.Context) error {
	if err := s.history.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("notification history cleared")
	return nil
}

// HealthCheck reports per-channel health. The socket counts as healthy only
// when it answers a ping within its ping timeout.
func (s *Service) HealthCheck(ctx context.Context) models.Health {
	return models.Health{
		Socket:   s.socket != nil && s.socket.IsAvailable() && s.socket.Ping(ctx),
		GatewayA: available(s.gatewayA),
		GatewayB: available(s.gatewayB),
		Local:    s.local.IsAvailable(),
	}
}

// Start loads persisted reminders, opens the socket and runs the reminder
// and queue loops until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if err := s.scheduler.Load(ctx); err != nil {
		return err
	}
	s.logger.Info("reminders loaded", zap.Int("count", s.scheduler.Count()))
	if s.socket != nil {
		if err := s.socket.Connect(ctx); err != nil {
			// the socket keeps retrying on its own
			s.logger.Warn("socket connect failed", zap.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(ctx) })
	g.Go(func() error { return s.processor.Run(ctx) })
	return g.Wait()
}

// Reconnect re-opens the socket after its automatic retries gave up.
func (s *Service) Reconnect(ctx context.Context) error {
	if s.socket == nil {
		return fmt.Errorf("%w: socket", channels.ErrNotConfigured)
	}
	return s.socket.Reconnect(ctx)
}

func (s *Service) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}

func (s *Service) handleIncoming(ctx context.Context, n *models.Notification) {
	if err := s.history.Save(ctx, n); err != nil {
		s.logger.Error("failed to persist incoming notification", zap.String("notification_id", n.ID), zap.Error(err))
	}
	s.local.Mirror(ctx, n)
}

func available(c channels.Channel) bool {
	if c == nil {
		return false
	}
	return c.IsAvailable()
}
