// Package scheduler turns meeting-like events into per-participant
// reminders and fires them when they come due.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 60 * time.Second
	// sent reminders older than this are dropped from the list
	retention = 24 * time.Hour
)

type PreferenceSource interface {
	Get(ctx context.Context, userID string) (*models.UserNotificationPreferences, error)
}

type Dispatcher interface {
	Send(ctx context.Context, n *models.Notification) ([]models.DeliveryResult, error)
}

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	// Backstop, when set, also registers every future reminder with the
	// device's local scheduler so it fires even if this process is gone.
	Backstop channels.LocalScheduler
	Logger   *zap.Logger
}

type Scheduler struct {
	mu        sync.RWMutex
	reminders []*models.Reminder

	kv         storage.Store
	key        string
	prefs      PreferenceSource
	dispatcher Dispatcher
	backstop   channels.LocalScheduler
	interval   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func New(kv storage.Store, key string, prefs PreferenceSource, dispatcher Dispatcher, opts Options) *Scheduler {
	s := &Scheduler{
		kv:         kv,
		key:        key,
		prefs:      prefs,
		dispatcher: dispatcher,
		backstop:   opts.Backstop,
		interval:   opts.Interval,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Load replaces the in-memory reminder list with the persisted one.
func (s *Scheduler) Load(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	var list []*models.Reminder
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode reminders: %w", err)
	}
	s.mu.Lock()
	s.reminders = list
	s.mu.Unlock()
	s.logger.Info("reminders loaded", zap.Int("count", len(list)))
	return nil
}

// ScheduleRemindersFor generates the reminders of every participant of ev.
// Reminders that already exist for the event are left alone. Invitations
// are dispatched before returning.
func (s *Scheduler) ScheduleRemindersFor(ctx context.Context, ev models.Event) error {
	return s.schedule(ctx, ev, false)
}

// RescheduleRemindersFor drops every reminder of ev and generates a fresh
// set, as one step.
func (s *Scheduler) RescheduleRemindersFor(ctx context.Context, ev models.Event) error {
	return s.schedule(ctx, ev, true)
}

// CancelRemindersFor removes every reminder of the event. Reminders whose
// notification is already being dispatched are not recalled.
func (s *Scheduler) CancelRemindersFor(ctx context.Context, eventID string) error {
	s.mu.Lock()
	kept, removed := partition(s.reminders, eventID)
	s.reminders = kept
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	s.cancelBackstops(ctx, removed)
	s.logger.Info("reminders cancelled", zap.String("meeting_id", eventID), zap.Int("count", len(removed)))
	return err
}

// DueReminders lists unsent reminders scheduled at or before asOf.
func (s *Scheduler) DueReminders(asOf time.Time) []models.Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reminder
	for _, r := range s.reminders {
		if !r.IsSent && !r.ScheduledTime.After(asOf) {
			out = append(out, *r)
		}
	}
	return out
}

// Reminders lists every reminder of an event.
func (s *Scheduler) Reminders(eventID string) []models.Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reminder
	for _, r := range s.reminders {
		if r.MeetingID == eventID {
			out = append(out, *r)
		}
	}
	return out
}

func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reminders)
}

// Run fires due reminders every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting reminder scan", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.ProcessDue(ctx); err != nil {
			s.logger.Error("reminder scan failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping reminder scan")
			return nil
		}
	}
}

// ProcessDue marks every due reminder as sent, then hands its notification
// to the dispatcher. Marking first keeps a concurrent or repeated scan from
// firing the same reminder twice.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	var due []models.Reminder
	kept := s.reminders[:0:0]
	for _, r := range s.reminders {
		if r.IsSent && r.ScheduledTime.Before(now.Add(-retention)) {
			continue
		}
		if !r.IsSent && !r.ScheduledTime.After(now) {
			r.IsSent = true
			sentAt := now
			r.SentAt = &sentAt
			due = append(due, *r)
		}
		kept = append(kept, r)
	}
	pruned := len(s.reminders) != len(kept)
	s.reminders = kept
	var err error
	if len(due) > 0 || pruned {
		err = s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("failed to persist reminders", zap.Error(err))
	}

	for i := range due {
		r := &due[i]
		if r.LocalID != "" && s.backstop != nil {
			if cerr := s.backstop.Cancel(ctx, r.LocalID); cerr != nil {
				s.logger.Warn("failed to cancel local backstop", zap.String("reminder_id", r.ID), zap.Error(cerr))
			}
		}
		s.dispatch(ctx, r, now)
	}
	return len(due), err
}

func (s *Scheduler) schedule(ctx context.Context, ev models.Event, replace bool) error {
	if ev.ID == "" {
		return fmt.Errorf("event id is required")
	}
	now := s.now()
	generated, err := s.generate(ctx, ev, now, replace)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var removed []*models.Reminder
	current := s.reminders
	if replace {
		current, removed = partition(s.reminders, ev.ID)
	}
	existing := make(map[string]bool, len(current))
	for _, r := range current {
		existing[tupleKey(r.MeetingID, r.UserID, r.Type)] = true
	}
	var added []*models.Reminder
	next := append([]*models.Reminder(nil), current...)
	for _, r := range generated {
		if existing[tupleKey(r.MeetingID, r.UserID, r.Type)] {
			continue
		}
		next = append(next, r)
		added = append(added, r)
	}
	s.reminders = next
	s.mu.Unlock()

	s.cancelBackstops(ctx, removed)
	s.registerBackstops(ctx, added)

	// re-persist after backstop ids are known
	s.mu.Lock()
	err = s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to persist reminders", zap.String("meeting_id", ev.ID), zap.Error(err))
	}

	s.logger.Info("reminders scheduled",
		zap.String("meeting_id", ev.ID),
		zap.Int("added", len(added)),
		zap.Int("replaced", len(removed)))

	for _, r := range added {
		if r.Type == models.ReminderInvitation {
			s.dispatch(ctx, r, now)
		}
	}
	return err
}

func (s *Scheduler) generate(ctx context.Context, ev models.Event, now time.Time, rescheduled bool) ([]*models.Reminder, error) {
	seen := make(map[string]bool, len(ev.Participants))
	var out []*models.Reminder
	for _, userID := range ev.Participants {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true

		prefs, err := s.prefs.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("resolve preferences for %s: %w", userID, err)
		}

		invite := s.reminder(ev, userID, models.ReminderInvitation, now, rescheduled)
		invite.IsSent = true
		sentAt := now
		invite.SentAt = &sentAt
		out = append(out, invite)

		for _, typ := range enabledOffsets(prefs.ReminderTimings) {
			at := ev.StartTime.Add(-typ.Offset())
			if at.Before(now) {
				continue
			}
			out = append(out, s.reminder(ev, userID, typ, at, rescheduled))
		}
	}
	return out, nil
}

func (s *Scheduler) reminder(ev models.Event, userID string, typ models.ReminderType, at time.Time, rescheduled bool) *models.Reminder {
	title, message := reminderText(ev, typ, rescheduled)
	return &models.Reminder{
		ID:            uuid.New().String(),
		MeetingID:     ev.ID,
		UserID:        userID,
		Type:          typ,
		ScheduledTime: at,
		Title:         title,
		Message:       message,
		Priority:      reminderPriority(ev, typ),
	}
}

func (s *Scheduler) dispatch(ctx context.Context, r *models.Reminder, now time.Time) {
	n := r.ToNotification(now)
	if _, err := s.dispatcher.Send(ctx, n); err != nil {
		s.logger.Error("reminder dispatch failed",
			zap.String("reminder_id", r.ID),
			zap.String("notification_id", n.ID),
			zap.String("user_id", r.UserID),
			zap.Error(err))
	}
}

func (s *Scheduler) registerBackstops(ctx context.Context, list []*models.Reminder) {
	if s.backstop == nil {
		return
	}
	for _, r := range list {
		s.mu.RLock()
		sent := r.IsSent
		s.mu.RUnlock()
		if sent {
			continue
		}
		data := map[string]string{
			models.DataMeetingID:    r.MeetingID,
			models.DataReminderType: string(r.Type),
		}
		id, err := s.backstop.ScheduleAt(ctx, r.Title, r.Message, data, r.ScheduledTime)
		if err != nil {
			s.logger.Warn("failed to register local backstop", zap.String("reminder_id", r.ID), zap.Error(err))
			continue
		}
		s.mu.Lock()
		r.LocalID = id
		s.mu.Unlock()
	}
}

func (s *Scheduler) cancelBackstops(ctx context.Context, list []*models.Reminder) {
	if s.backstop == nil {
		return
	}
	for _, r := range list {
		if r.IsSent || r.LocalID == "" {
			continue
		}
		if err := s.backstop.Cancel(ctx, r.LocalID); err != nil {
			s.logger.Warn("failed to cancel local backstop", zap.String("reminder_id", r.ID), zap.Error(err))
		}
	}
}

// persistLocked must be called with mu held.
func (s *Scheduler) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.reminders)
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("persist reminders: %w", err)
	}
	return nil
}

func partition(list []*models.Reminder, eventID string) (kept, removed []*models.Reminder) {
	for _, r := range list {
		if r.MeetingID == eventID {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, removed
}

func tupleKey(meetingID, userID string, typ models.ReminderType) string {
	return meetingID + "\x00" + userID + "\x00" + string(typ)
}

func enabledOffsets(t models.ReminderTimings) []models.ReminderType {
	var out []models.ReminderType
	if t.OneDayBefore {
		out = append(out, models.Reminder1Day)
	}
	if t.OneHourBefore {
		out = append(out, models.Reminder1Hour)
	}
	if t.FifteenMinutesBefore {
		out = append(out, models.Reminder15Min)
	}
	if t.StartingSoon {
		out = append(out, models.ReminderStartingSoon)
	}
	return out
}

func reminderPriority(ev models.Event, typ models.ReminderType) models.Priority {
	if ev.Priority == models.PriorityUrgent {
		return models.PriorityUrgent
	}
	switch typ {
	case models.Reminder1Day:
		return models.PriorityLow
	case models.Reminder15Min, models.ReminderStartingSoon:
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

func reminderText(ev models.Event, typ models.ReminderType, rescheduled bool) (string, string) {
	when := ev.StartTime.Format("Mon Jan 2 15:04")
	switch typ {
	case models.ReminderInvitation:
		if rescheduled {
			return "Meeting rescheduled: " + ev.Title, fmt.Sprintf("%s now starts %s", ev.Title, when)
		}
		return "Meeting invitation: " + ev.Title, fmt.Sprintf("You are invited to %s on %s", ev.Title, when)
	case models.Reminder1Day:
		return ev.Title, fmt.Sprintf("%s starts tomorrow at %s", ev.Title, ev.StartTime.Format("15:04"))
	case models.Reminder1Hour:
		return ev.Title, fmt.Sprintf("%s starts in 1 hour", ev.Title)
	case models.Reminder15Min:
		return ev.Title, fmt.Sprintf("%s starts in 15 minutes", ev.Title)
	}
	return ev.Title, fmt.Sprintf("%s is starting now", ev.Title)
}
