package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockChannel struct {
	mock.Mock
	name models.ChannelName
}

func newMockChannel(name models.ChannelName) *MockChannel {
	return &MockChannel{name: name}
}

func (m *MockChannel) Name() models.ChannelName { return m.name }

func (m *MockChannel) IsAvailable() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockChannel) Send(ctx context.Context, n *models.Notification, address string) models.DeliveryResult {
	args := m.Called(ctx, n, address)
	if args.Bool(0) {
		return models.Delivered(n, m.name, time.Now())
	}
	return models.Failed(n, m.name, args.Error(1))
}

type fakePrefs struct {
	prefs map[string]*models.UserNotificationPreferences
	err   error
}

func (f *fakePrefs) Get(_ context.Context, userID string) (*models.UserNotificationPreferences, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.prefs[userID]; ok {
		return p.Clone(), nil
	}
	return models.DefaultPreferences(userID), nil
}

type fakeHistory struct {
	mu    sync.Mutex
	saved map[string]*models.Notification
	err   error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{saved: make(map[string]*models.Notification)}
}

func (f *fakeHistory) Save(_ context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved[n.ID] = n.Clone()
	return nil
}

func (f *fakeHistory) get(id string) *models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[id]
}

type fakeTokens struct{}

func (fakeTokens) GetDeviceToken(context.Context) (string, error) { return "device-token", nil }

type fixture struct {
	socket, gwA, gwB, local *MockChannel
	prefs                   *fakePrefs
	history                 *fakeHistory
	orch                    *Orchestrator
	now                     time.Time
}

// newFixture builds an orchestrator whose clock reads 23:00 UTC.
func newFixture(t *testing.T) *fixture {
	f := &fixture{
		socket:  newMockChannel(models.ChannelSocket),
		gwA:     newMockChannel(models.ChannelGatewayA),
		gwB:     newMockChannel(models.ChannelGatewayB),
		local:   newMockChannel(models.ChannelLocal),
		prefs:   &fakePrefs{prefs: map[string]*models.UserNotificationPreferences{}},
		history: newFakeHistory(),
		now:     time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC),
	}
	f.orch = New(f.prefs, f.history, channels.NewDirectory(fakeTokens{}),
		[]channels.Channel{f.socket, f.gwA, f.gwB, f.local},
		Options{
			SendTimeout: time.Second,
			Location:    time.UTC,
			Now:         func() time.Time { return f.now },
		})
	return f
}

func (f *fixture) notification(p models.Priority) *models.Notification {
	return models.NewNotification("user1", models.TypeMeetingReminder, p, "Standup", "in 15 minutes", nil, f.now)
}

func (f *fixture) quietHours() {
	p := models.DefaultPreferences("user1")
	p.QuietHours = models.QuietHours{Enabled: true, StartTime: "22:00", EndTime: "08:00"}
	f.prefs.prefs["user1"] = p
}

func TestSend_StopsAtFirstSuccess(t *testing.T) {
	f := newFixture(t)
	f.socket.On("IsAvailable").Return(true)
	f.socket.On("Send", mock.Anything, mock.Anything, "user1").Return(true, nil).Once()

	n := f.notification(models.PriorityMedium)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, models.ChannelSocket, results[0].Channel)
	assert.True(t, results[0].Success)
	assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)
	assert.NotNil(t, n.SentAt)

	f.socket.AssertExpectations(t)
	f.gwA.AssertNotCalled(t, "IsAvailable")
	f.gwA.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	f.local.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

	saved := f.history.get(n.ID)
	require.NotNil(t, saved)
	assert.Equal(t, models.StatusDelivered, saved.DeliveryStatus)
	assert.Equal(t, []models.ChannelName{
		models.ChannelSocket, models.ChannelGatewayA, models.ChannelGatewayB, models.ChannelLocal,
	}, saved.Channels)
}

func TestSend_FallsBackOnUnavailableAndFailure(t *testing.T) {
	f := newFixture(t)
	f.socket.On("IsAvailable").Return(false)
	f.gwA.On("IsAvailable").Return(true)
	f.gwA.On("Send", mock.Anything, mock.Anything, "device-token").Return(false, errors.New("timeout")).Once()
	f.gwB.On("IsAvailable").Return(true)
	f.gwB.On("Send", mock.Anything, mock.Anything, "device-token").Return(true, nil).Once()

	n := f.notification(models.PriorityHigh)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, models.ChannelGatewayA, results[0].Channel)
	assert.False(t, results[0].Success)
	assert.Equal(t, "timeout", results[0].Error)
	assert.Equal(t, models.ChannelGatewayB, results[1].Channel)
	assert.True(t, results[1].Success)
	assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)

	f.socket.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	f.local.AssertNotCalled(t, "IsAvailable")
}

func TestSend_AllChannelsFail(t *testing.T) {
	f := newFixture(t)
	for _, ch := range []*MockChannel{f.socket, f.gwA, f.gwB, f.local} {
		ch.On("IsAvailable").Return(true)
		ch.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("down")).Once()
	}

	n := f.notification(models.PriorityLow)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)

	assert.Len(t, results, 4)
	assert.Equal(t, models.StatusFailed, n.DeliveryStatus)
	assert.NotNil(t, n.SentAt)
	assert.Equal(t, models.StatusFailed, f.history.get(n.ID).DeliveryStatus)
}

func TestSend_RespectsPriorityOrder(t *testing.T) {
	f := newFixture(t)
	p := models.DefaultPreferences("user1")
	p.Channels = []models.ChannelConfig{
		{Channel: models.ChannelSocket, Enabled: true, Priority: 30},
		{Channel: models.ChannelGatewayA, Enabled: false, Priority: 1},
		{Channel: models.ChannelLocal, Enabled: true, Priority: 10},
	}
	f.prefs.prefs["user1"] = p
	f.local.On("IsAvailable").Return(true)
	f.local.On("Send", mock.Anything, mock.Anything, "user1").Return(true, nil).Once()

	n := f.notification(models.PriorityMedium)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, models.ChannelLocal, results[0].Channel)
	assert.Equal(t, []models.ChannelName{models.ChannelLocal, models.ChannelSocket}, n.Channels)
	f.socket.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	f.gwA.AssertNotCalled(t, "IsAvailable")
}

func TestSend_FallbackChannelsFollowTheirPrimary(t *testing.T) {
	f := newFixture(t)
	p := models.DefaultPreferences("user1")
	p.Channels = []models.ChannelConfig{
		{Channel: models.ChannelSocket, Enabled: true, Priority: 1, FallbackChannels: []models.ChannelName{models.ChannelLocal}},
		{Channel: models.ChannelGatewayA, Enabled: true, Priority: 2},
	}
	f.prefs.prefs["user1"] = p

	got := f.orch.candidates(p)
	assert.Equal(t, []models.ChannelName{models.ChannelSocket, models.ChannelLocal, models.ChannelGatewayA}, got)

	p.Channels = append(p.Channels, models.ChannelConfig{Channel: models.ChannelLocal, Enabled: false, Priority: 3})
	got = f.orch.candidates(p)
	assert.Equal(t, []models.ChannelName{models.ChannelSocket, models.ChannelGatewayA}, got)
}

func TestSend_QuietHoursSuppressNonUrgent(t *testing.T) {
	f := newFixture(t)
	f.quietHours()

	n := f.notification(models.PriorityHigh)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)

	assert.Empty(t, results)
	assert.Equal(t, models.StatusScheduled, n.DeliveryStatus)
	assert.Nil(t, n.SentAt)
	require.NotNil(t, n.ScheduledTime)
	assert.Equal(t, time.Date(2026, 10, 19, 8, 1, 0, 0, time.UTC), *n.ScheduledTime)
	f.socket.AssertNotCalled(t, "IsAvailable")

	saved := f.history.get(n.ID)
	require.NotNil(t, saved)
	assert.Equal(t, models.StatusScheduled, saved.DeliveryStatus)
}

func TestSend_QuietHoursLetUrgentThrough(t *testing.T) {
	f := newFixture(t)
	f.quietHours()
	f.socket.On("IsAvailable").Return(true)
	f.socket.On("Send", mock.Anything, mock.Anything, "user1").Return(true, nil).Once()

	n := f.notification(models.PriorityUrgent)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)
	f.socket.AssertExpectations(t)
}

func TestSend_FutureNotificationIsQueued(t *testing.T) {
	f := newFixture(t)
	at := f.now.Add(time.Hour)
	n := models.NewNotification("user1", models.TypeTaskDue, models.PriorityMedium, "Task due", "soon", &at, f.now)

	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, models.StatusScheduled, f.history.get(n.ID).DeliveryStatus)
	f.socket.AssertNotCalled(t, "IsAvailable")
}

func TestSend_DisabledCategoryCancels(t *testing.T) {
	f := newFixture(t)
	p := models.DefaultPreferences("user1")
	p.Categories.Meetings = false
	f.prefs.prefs["user1"] = p

	n := f.notification(models.PriorityMedium)
	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, models.StatusCancelled, f.history.get(n.ID).DeliveryStatus)
}

func TestSend_AlreadyResolvedIsNoop(t *testing.T) {
	f := newFixture(t)
	n := f.notification(models.PriorityMedium)
	require.NoError(t, n.MarkSent(f.now))
	require.NoError(t, n.Resolve(true, f.now))

	results, err := f.orch.Send(context.Background(), n)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Nil(t, f.history.get(n.ID))
}

func TestSend_PreferenceStoreUnreachable(t *testing.T) {
	f := newFixture(t)
	f.prefs.err = errors.New("unreachable")

	_, err := f.orch.Send(context.Background(), f.notification(models.PriorityMedium))
	assert.Error(t, err)
}

func TestSend_HistoryFailureStillReturnsResults(t *testing.T) {
	f := newFixture(t)
	f.history.err = errors.New("disk full")
	f.socket.On("IsAvailable").Return(true)
	f.socket.On("Send", mock.Anything, mock.Anything, "user1").Return(true, nil).Once()

	results, err := f.orch.Send(context.Background(), f.notification(models.PriorityMedium))
	assert.Error(t, err)
	assert.Len(t, results, 1)
}

type recordingOutcomes struct {
	calls int
}

func (r *recordingOutcomes) PublishOutcome(context.Context, *models.Notification, []models.DeliveryResult) error {
	r.calls++
	return errors.New("broker down")
}

func TestSend_PublishesOutcomeBestEffort(t *testing.T) {
	f := newFixture(t)
	outcomes := &recordingOutcomes{}
	f.orch.outcomes = outcomes
	f.socket.On("IsAvailable").Return(true)
	f.socket.On("Send", mock.Anything, mock.Anything, "user1").Return(true, nil).Once()

	_, err := f.orch.Send(context.Background(), f.notification(models.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, 1, outcomes.calls)
}
