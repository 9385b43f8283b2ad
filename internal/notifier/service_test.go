package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/notifyhub/internal/channels"
	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/history"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeSocket struct {
	mu        sync.Mutex
	available bool
	silent    bool
	handler   channels.IncomingHandler
	connects  int
	closed    bool
}

func (f *fakeSocket) Name() models.ChannelName { return models.ChannelSocket }

func (f *fakeSocket) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeSocket) Send(_ context.Context, n *models.Notification, _ string) models.DeliveryResult {
	if !f.IsAvailable() {
		return models.Failed(n, models.ChannelSocket, channels.ErrNotConnected)
	}
	return models.Delivered(n, models.ChannelSocket, fixedNow)
}

func (f *fakeSocket) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeSocket) Reconnect(ctx context.Context) error { return f.Connect(ctx) }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) Ping(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available && !f.silent
}

func (f *fakeSocket) SetIncomingHandler(h channels.IncomingHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// fakeGatewayA accepts every address except "rejected".
type fakeGatewayA struct {
	mu     sync.Mutex
	topics []string
}

func (g *fakeGatewayA) Name() models.ChannelName { return models.ChannelGatewayA }
func (g *fakeGatewayA) IsAvailable() bool        { return true }

func (g *fakeGatewayA) Send(_ context.Context, n *models.Notification, address string) models.DeliveryResult {
	if address == "rejected" {
		return models.Failed(n, models.ChannelGatewayA, channels.ErrNoAddress)
	}
	return models.Delivered(n, models.ChannelGatewayA, fixedNow)
}

func (g *fakeGatewayA) SendBatch(ctx context.Context, n *models.Notification, addresses []string) []models.DeliveryResult {
	out := make([]models.DeliveryResult, len(addresses))
	for i, a := range addresses {
		out[i] = g.Send(ctx, n, a)
	}
	return out
}

func (g *fakeGatewayA) SendTopic(ctx context.Context, n *models.Notification, topic string) models.DeliveryResult {
	g.mu.Lock()
	g.topics = append(g.topics, topic)
	g.mu.Unlock()
	return g.Send(ctx, n, "/topics/"+topic)
}

func newService(t *testing.T, socket Realtime, opts ...func(*Deps)) *Service {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	deps := Deps{
		Store:     storage.NewRedisStore(client),
		KeyPrefix: "test",
		DeviceID:  "dev1",
		Socket:    socket,
		Local:     channels.NewLocalChannel(channels.NewLogScheduler(nil), nil),
		Delivery:  config.DeliveryConfig{SendTimeout: time.Second, Timezone: "UTC"},
		Scheduler: config.SchedulerConfig{Interval: 10 * time.Millisecond},
		Queue:     config.QueueConfig{Interval: 10 * time.Millisecond, MaxRetries: 3},
		Now:       func() time.Time { return fixedNow },
	}
	for _, o := range opts {
		o(&deps)
	}
	svc, err := New(deps)
	require.NoError(t, err)
	return svc
}

func TestNew_RequiresStoreAndLocal(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestSend_FallsBackToLocal(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	ctx := context.Background()

	n, results, err := svc.Send(ctx, models.SendNotificationRequest{UserID: "u1", Title: "Hi", Message: "there"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ChannelLocal, results[0].Channel)
	assert.True(t, results[0].Success)
	assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)
	assert.Equal(t, models.TypeGeneral, n.Type)
	assert.Equal(t, models.PriorityMedium, n.Priority)

	list, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)
}

func TestSend_ViaSocket(t *testing.T) {
	svc := newService(t, &fakeSocket{available: true})

	_, results, err := svc.Send(context.Background(), models.SendNotificationRequest{
		UserID: "u1", Title: "Hi", Message: "there", Priority: models.PriorityHigh,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ChannelSocket, results[0].Channel)
}

func TestCancel(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	ctx := context.Background()
	later := fixedNow.Add(time.Hour)

	n, results, err := svc.Send(ctx, models.SendNotificationRequest{
		UserID: "u1", Title: "Task", Message: "due soon", Type: models.TypeTaskDue, ScheduledTime: &later,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, models.StatusScheduled, n.DeliveryStatus)

	cancelled, err := svc.Cancel(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.DeliveryStatus)

	_, err = svc.Cancel(ctx, n.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestHealthCheck(t *testing.T) {
	socket := &fakeSocket{available: true}
	svc := newService(t, socket)
	h := svc.HealthCheck(context.Background())
	assert.Equal(t, models.Health{Socket: true, GatewayA: false, GatewayB: false, Local: true}, h)

	socket.mu.Lock()
	socket.silent = true
	socket.mu.Unlock()
	assert.False(t, svc.HealthCheck(context.Background()).Socket)
}

func TestHealthCheck_SilentSocketPeer(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	socket := channels.NewSocketClient(config.SocketConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		UserID:      "u1",
		PingTimeout: 200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { socket.Close() })
	svc := newService(t, socket)
	require.NoError(t, socket.Connect(context.Background()))
	require.True(t, socket.IsAvailable())

	start := time.Now()
	h := svc.HealthCheck(context.Background())
	assert.False(t, h.Socket)
	assert.True(t, h.Local)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBroadcast(t *testing.T) {
	gw := &fakeGatewayA{}
	svc := newService(t, &fakeSocket{}, func(d *Deps) { d.GatewayA = gw })
	ctx := context.Background()

	n, results, err := svc.Broadcast(ctx, models.BroadcastRequest{Title: "Maintenance", Message: "tonight", Topic: "team-42"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)
	assert.Equal(t, "topic:team-42", n.UserID)
	assert.Equal(t, models.TypeSystemAlert, n.Type)
	assert.Equal(t, []string{"team-42"}, gw.topics)

	n, results, err = svc.Broadcast(ctx, models.BroadcastRequest{Title: "Hi", Message: "all", Tokens: []string{"t1", "rejected", "t2"}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[1].Success)
	assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)

	n, _, err = svc.Broadcast(ctx, models.BroadcastRequest{Title: "Hi", Message: "all", Tokens: []string{"rejected"}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, n.DeliveryStatus)

	list, err := svc.History(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, _, err = svc.Broadcast(ctx, models.BroadcastRequest{Title: "Hi", Message: "all"})
	assert.ErrorIs(t, err, models.ErrInvalidNotification)
	_, _, err = svc.Broadcast(ctx, models.BroadcastRequest{Title: "Hi", Message: "all", Topic: "x", Tokens: []string{"t1"}})
	assert.ErrorIs(t, err, models.ErrInvalidNotification)
}

func TestBroadcast_WithoutGatewayA(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	_, _, err := svc.Broadcast(context.Background(), models.BroadcastRequest{Title: "Hi", Message: "all", Topic: "x"})
	assert.ErrorIs(t, err, channels.ErrNotConfigured)
}

func TestClearHistory(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	ctx := context.Background()

	_, _, err := svc.Send(ctx, models.SendNotificationRequest{UserID: "u1", Title: "Hi", Message: "there"})
	require.NoError(t, err)
	require.NoError(t, svc.ClearHistory(ctx))

	list, err := svc.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIncomingNotificationPersisted(t *testing.T) {
	socket := &fakeSocket{}
	svc := newService(t, socket)
	ctx := context.Background()
	require.NotNil(t, socket.handler)

	n := models.NewNotification("u1", models.TypeMessageReceived, models.PriorityMedium, "Ana", "hello", nil, fixedNow)
	require.NoError(t, n.MarkSent(fixedNow))
	require.NoError(t, n.Resolve(true, fixedNow))
	socket.handler(ctx, n)

	list, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusDelivered, list[0].DeliveryStatus)
}

func TestScheduleRemindersFor_DeliversInvitations(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	ctx := context.Background()
	ev := models.Event{ID: "m1", Title: "Planning", StartTime: fixedNow.Add(3 * time.Hour), Participants: []string{"u1", "u2"}}

	require.NoError(t, svc.ScheduleRemindersFor(ctx, ev))
	assert.Len(t, svc.Reminders("m1"), 8)

	list, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, n := range list {
		assert.Equal(t, models.TypeMeetingInvitation, n.Type)
		assert.Equal(t, models.StatusDelivered, n.DeliveryStatus)
	}

	require.NoError(t, svc.CancelRemindersFor(ctx, "m1"))
	assert.Empty(t, svc.Reminders("m1"))
}

func TestPreferencesRoundTrip(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	ctx := context.Background()
	off := false

	updated, err := svc.UpdatePreferences(ctx, "u1", models.PreferencesPatch{
		Categories: &models.CategoryTogglesPatch{Messages: &off},
	})
	require.NoError(t, err)
	assert.False(t, updated.Categories.Messages)

	got, err := svc.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, got.Categories.Messages)

	n, results, err := svc.Send(ctx, models.SendNotificationRequest{
		UserID: "u1", Title: "Ana", Message: "hello", Type: models.TypeMessageReceived,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, models.StatusCancelled, n.DeliveryStatus)
}

func TestResetPreferences(t *testing.T) {
	svc := newService(t, &fakeSocket{})
	ctx := context.Background()
	off := false

	_, err := svc.UpdatePreferences(ctx, "u1", models.PreferencesPatch{
		Categories: &models.CategoryTogglesPatch{Messages: &off},
	})
	require.NoError(t, err)

	reset, err := svc.ResetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPreferences("u1").Categories, reset.Categories)
}

func TestStartAndClose(t *testing.T) {
	socket := &fakeSocket{}
	svc := newService(t, socket)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}

	require.NoError(t, svc.Close())
	socket.mu.Lock()
	defer socket.mu.Unlock()
	assert.Equal(t, 1, socket.connects)
	assert.True(t, socket.closed)
}
