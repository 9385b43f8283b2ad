// Package preferences owns per-user notification preferences.
package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/storage"
	"go.uber.org/zap"
)

var ErrInvalidPreferences = errors.New("invalid preferences")

// Store caches every user's preferences in memory and writes the whole map
// back to the durable store on each update.
type Store struct {
	mu     sync.RWMutex
	kv     storage.Store
	key    string
	cache  map[string]*models.UserNotificationPreferences
	loaded bool
	now    func() time.Time
	logger *zap.Logger
}

func NewStore(kv storage.Store, key string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:     kv,
		key:    key,
		cache:  make(map[string]*models.UserNotificationPreferences),
		now:    time.Now,
		logger: logger.Named("preferences"),
	}
}

// Get returns the stored preferences for userID, or the defaults when the
// user never saved any. The result is a copy.
func (s *Store) Get(ctx context.Context, userID string) (*models.UserNotificationPreferences, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.cache[userID]; ok {
		return p.Clone(), nil
	}
	return models.DefaultPreferences(userID), nil
}

// Update merges patch into the user's preferences and persists the result.
// When persisting fails the cache keeps the change and the error is
// returned so a later update can re-persist it.
func (s *Store) Update(ctx context.Context, userID string, patch models.PreferencesPatch) (*models.UserNotificationPreferences, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cache[userID]
	if !ok {
		current = models.DefaultPreferences(userID)
	} else {
		current = current.Clone()
	}
	apply(current, patch)
	current.UpdatedAt = s.now()
	s.cache[userID] = current

	if err := s.persist(ctx); err != nil {
		s.logger.Error("failed to persist preferences", zap.String("user_id", userID), zap.Error(err))
		return current.Clone(), err
	}
	return current.Clone(), nil
}

func (s *Store) Reset(ctx context.Context, userID string) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
	return s.persist(ctx)
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	raw, err := s.kv.Get(ctx, s.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load preferences: %w", err)
	default:
		stored := make(map[string]*models.UserNotificationPreferences)
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("decode preferences: %w", err)
		}
		for id, p := range stored {
			s.cache[id] = p
		}
	}
	s.loaded = true
	return nil
}

// persist must be called with mu held.
func (s *Store) persist(ctx context.Context) error {
	raw, err := json.Marshal(s.cache)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

func validatePatch(patch models.PreferencesPatch) error {
	for _, c := range patch.Channels {
		if !c.Channel.Valid() {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidPreferences, c.Channel)
		}
		for _, fb := range c.FallbackChannels {
			if !fb.Valid() {
				return fmt.Errorf("%w: unknown fallback channel %q", ErrInvalidPreferences, fb)
			}
		}
	}
	if patch.QuietHours != nil {
		if err := patch.QuietHours.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
		}
	}
	return nil
}

func apply(p *models.UserNotificationPreferences, patch models.PreferencesPatch) {
	for _, c := range patch.Channels {
		replaced := false
		for i := range p.Channels {
			if p.Channels[i].Channel == c.Channel {
				p.Channels[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			p.Channels = append(p.Channels, c)
		}
	}
	if patch.QuietHours != nil {
		p.QuietHours = *patch.QuietHours
	}
	if t := patch.ReminderTimings; t != nil {
		setBool(&p.ReminderTimings.OneDayBefore, t.OneDayBefore)
		setBool(&p.ReminderTimings.OneHourBefore, t.OneHourBefore)
		setBool(&p.ReminderTimings.FifteenMinutesBefore, t.FifteenMinutesBefore)
		setBool(&p.ReminderTimings.StartingSoon, t.StartingSoon)
	}
	if c := patch.Categories; c != nil {
		setBool(&p.Categories.Meetings, c.Meetings)
		setBool(&p.Categories.Tasks, c.Tasks)
		setBool(&p.Categories.Attendance, c.Attendance)
		setBool(&p.Categories.Messages, c.Messages)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
