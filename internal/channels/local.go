package channels

import (
	"context"
	"time"

	"github.com/franzego/notifyhub/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalChannel displays notifications through the device's own scheduler.
// It needs no network and is always available.
type LocalChannel struct {
	scheduler LocalScheduler
	now       func() time.Time
	logger    *zap.Logger
}

func NewLocalChannel(scheduler LocalScheduler, logger *zap.Logger) *LocalChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalChannel{scheduler: scheduler, now: time.Now, logger: logger.Named("local")}
}

func (l *LocalChannel) Name() models.ChannelName { return models.ChannelLocal }

func (l *LocalChannel) IsAvailable() bool { return true }

// Send always reports success; display is best effort.
func (l *LocalChannel) Send(ctx context.Context, n *models.Notification, _ string) models.DeliveryResult {
	if _, err := l.scheduler.ScheduleNow(ctx, n.Title, n.Message, n.Data); err != nil {
		l.logger.Warn("local display failed",
			zap.String("notification_id", n.ID),
			zap.Error(err))
	}
	return models.Delivered(n, models.ChannelLocal, l.now())
}

// Mirror shows a notification received from elsewhere.
func (l *LocalChannel) Mirror(ctx context.Context, n *models.Notification) {
	l.Send(ctx, n, n.UserID)
}

// LogScheduler is the LocalScheduler of a host without an OS notification
// centre: it only logs what would have been shown.
type LogScheduler struct {
	logger *zap.Logger
}

func NewLogScheduler(logger *zap.Logger) *LogScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogScheduler{logger: logger.Named("local_scheduler")}
}

func (s *LogScheduler) ScheduleNow(_ context.Context, title, body string, data map[string]string) (string, error) {
	id := uuid.New().String()
	s.logger.Info("local notification",
		zap.String("local_id", id),
		zap.String("title", title),
		zap.String("body", body),
		zap.Any("data", data))
	return id, nil
}

func (s *LogScheduler) ScheduleAt(_ context.Context, title, body string, data map[string]string, at time.Time) (string, error) {
	id := uuid.New().String()
	s.logger.Info("local notification scheduled",
		zap.String("local_id", id),
		zap.String("title", title),
		zap.Time("at", at),
		zap.Any("data", data))
	return id, nil
}

func (s *LogScheduler) Cancel(_ context.Context, id string) error {
	s.logger.Info("local notification cancelled", zap.String("local_id", id))
	return nil
}
