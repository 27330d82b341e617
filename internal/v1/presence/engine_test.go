package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightboard/classroom/internal/v1/domain"
)

func newTestEngine(grace time.Duration) (*Engine, *fakeStore, *fakeNotifier) {
	store := newFakeStore()
	notifier := newFakeNotifier()
	// cadence 10ms, coalesce 30ms, sweep interval unused in unit tests
	e := NewEngine(store, notifier, 10*time.Millisecond, 30*time.Millisecond, grace, time.Minute)
	return e, store, notifier
}

func newAdmitted(meetingID uuid.UUID) *domain.Participant {
	return &domain.Participant{
		ID:          uuid.New(),
		MeetingID:   meetingID,
		UserID:      "user-" + uuid.NewString()[:8],
		DisplayName: "Ada",
		Status:      domain.StatusAdmitted,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestEngage(t *testing.T) {
	e, store, notifier := newTestEngine(time.Minute)
	defer e.Shutdown()
	ctx := context.Background()

	meetingID := uuid.New()
	p := newAdmitted(meetingID)
	store.add(p)

	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	assert.True(t, e.Engaged(p.ID))
	assert.NotNil(t, store.get(p.ID).OpenSession())
	assert.Equal(t, 1, notifier.count(domain.MainRoom(meetingID), domain.EventUserJoined))
}

func TestEngage_NotAdmitted(t *testing.T) {
	e, store, _ := newTestEngine(time.Minute)
	defer e.Shutdown()

	p := newAdmitted(uuid.New())
	p.Status = domain.StatusWaiting
	store.add(p)

	err := e.Engage(context.Background(), p, "socket-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestEngage_ReconnectWithinGraceContinuesSession(t *testing.T) {
	e, store, notifier := newTestEngine(time.Minute)
	defer e.Shutdown()
	ctx := context.Background()

	meetingID := uuid.New()
	p := newAdmitted(meetingID)
	store.add(p)

	require.NoError(t, e.Engage(ctx, p, "socket-1"))
	require.NoError(t, e.Engage(ctx, p, "socket-2"))

	// One continuous span rebound to the new socket, and no second
	// join announcement.
	got := store.get(p.ID)
	require.Len(t, got.Sessions, 1)
	assert.False(t, got.Sessions[0].Closed())
	assert.Equal(t, "socket-2", got.SocketID)
	assert.Equal(t, 1, notifier.count(domain.MainRoom(meetingID), domain.EventUserJoined))
}

func TestEngage_ReconnectAndLeave_SingleSessionDuration(t *testing.T) {
	e, store, _ := newTestEngine(time.Minute)
	defer e.Shutdown()
	ctx := context.Background()

	base := time.Now()
	at := func(sec int) {
		e.now = func() time.Time { return base.Add(time.Duration(sec) * time.Second) }
	}

	p := newAdmitted(uuid.New())
	store.add(p)

	at(0)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))
	// Socket drops silently; the client reconnects inside the grace
	// window and later leaves for real.
	at(60)
	require.NoError(t, e.Engage(ctx, p, "socket-2"))
	at(80)
	require.NoError(t, e.Leave(ctx, p.ID))

	got := store.get(p.ID)
	require.Len(t, got.Sessions, 1)
	require.True(t, got.Sessions[0].Closed())
	assert.Equal(t, "leave", got.Sessions[0].Cause)
	assert.Equal(t, int64(80), got.Sessions[0].DurationSec)
}

func TestHeartbeat_KeepsSessionAlive(t *testing.T) {
	e, store, _ := newTestEngine(60 * time.Millisecond)
	defer e.Shutdown()
	ctx := context.Background()

	p := newAdmitted(uuid.New())
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	// Beat well past the grace window; the watchdog must never fire.
	for i := 0; i < 10; i++ {
		ack, err := e.Heartbeat(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), ack.NextBeatIn) // 10ms cadence rounds to 0s
		time.Sleep(20 * time.Millisecond)
	}

	assert.True(t, e.Engaged(p.ID))
	assert.NotNil(t, store.get(p.ID).OpenSession())
}

func TestWatchdog_ClosesSessionKeepsStatus(t *testing.T) {
	e, store, notifier := newTestEngine(40 * time.Millisecond)
	defer e.Shutdown()
	ctx := context.Background()

	meetingID := uuid.New()
	p := newAdmitted(meetingID)
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	waitFor(t, time.Second, func() bool { return !e.Engaged(p.ID) })

	got := store.get(p.ID)
	require.Len(t, got.Sessions, 1)
	assert.True(t, got.Sessions[0].Closed())
	assert.Equal(t, "watchdog", got.Sessions[0].Cause)
	// Admission survives a connectivity blip.
	assert.Equal(t, domain.StatusAdmitted, got.Status)
	assert.Equal(t, 1, notifier.count(domain.MainRoom(meetingID), domain.EventUserLeft))
}

func TestHeartbeat_AfterWatchdogReopensSession(t *testing.T) {
	e, store, notifier := newTestEngine(40 * time.Millisecond)
	defer e.Shutdown()
	ctx := context.Background()

	meetingID := uuid.New()
	p := newAdmitted(meetingID)
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	waitFor(t, time.Second, func() bool { return !e.Engaged(p.ID) })

	_, err := e.Heartbeat(ctx, p.ID)
	require.NoError(t, err)

	got := store.get(p.ID)
	require.Len(t, got.Sessions, 2)
	assert.True(t, got.Sessions[0].Closed())
	assert.False(t, got.Sessions[1].Closed())
	assert.True(t, e.Engaged(p.ID))
	assert.Equal(t, 2, notifier.count(domain.MainRoom(meetingID), domain.EventUserJoined))
}

func TestEngage_AfterWatchdogAppendsNewSession(t *testing.T) {
	e, store, _ := newTestEngine(40 * time.Millisecond)
	defer e.Shutdown()
	ctx := context.Background()

	p := newAdmitted(uuid.New())
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	waitFor(t, time.Second, func() bool { return !e.Engaged(p.ID) })

	// Reconnecting after the watchdog closed the span starts a new one.
	require.NoError(t, e.Engage(ctx, p, "socket-2"))

	got := store.get(p.ID)
	require.Len(t, got.Sessions, 2)
	assert.Equal(t, "watchdog", got.Sessions[0].Cause)
	assert.False(t, got.Sessions[1].Closed())
}

func TestHeartbeat_RejectedParticipant(t *testing.T) {
	e, store, _ := newTestEngine(time.Minute)
	defer e.Shutdown()

	p := newAdmitted(uuid.New())
	p.Status = domain.StatusRejected
	store.add(p)

	_, err := e.Heartbeat(context.Background(), p.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestHeartbeat_CoalescesStoreWrites(t *testing.T) {
	e, store, _ := newTestEngine(time.Minute)
	defer e.Shutdown()
	ctx := context.Background()

	p := newAdmitted(uuid.New())
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	// Within the coalescing window nothing is flushed.
	for i := 0; i < 5; i++ {
		_, err := e.Heartbeat(ctx, p.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, store.touches())

	// Once the window elapses, exactly one flush happens.
	time.Sleep(35 * time.Millisecond)
	_, err := e.Heartbeat(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.touches())

	_, err = e.Heartbeat(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.touches())
}

func TestLeave(t *testing.T) {
	e, store, notifier := newTestEngine(time.Minute)
	defer e.Shutdown()
	ctx := context.Background()

	meetingID := uuid.New()
	p := newAdmitted(meetingID)
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	require.NoError(t, e.Leave(ctx, p.ID))

	got := store.get(p.ID)
	assert.Nil(t, got.OpenSession())
	assert.Equal(t, "leave", got.Sessions[0].Cause)
	assert.False(t, e.Engaged(p.ID))
	assert.Equal(t, 1, notifier.count(domain.MainRoom(meetingID), domain.EventUserLeft))

	// Second leave is a no-op.
	require.NoError(t, e.Leave(ctx, p.ID))
	assert.Equal(t, 1, notifier.count(domain.MainRoom(meetingID), domain.EventUserLeft))
}

func TestSweep(t *testing.T) {
	e, store, notifier := newTestEngine(45 * time.Second)
	defer e.Shutdown()
	ctx := context.Background()

	now := time.Now()
	e.now = func() time.Time { return now }

	meetingID := uuid.New()

	// Stale: last seen 2 minutes ago with an open span and no local watchdog.
	stale := newAdmitted(meetingID)
	staleSeen := now.Add(-2 * time.Minute)
	stale.LastSeenAt = &staleSeen
	stale.Sessions = []domain.Session{{JoinedAt: now.Add(-10 * time.Minute)}}
	store.add(stale)

	// Fresh: seen recently.
	fresh := newAdmitted(meetingID)
	freshSeen := now.Add(-5 * time.Second)
	fresh.LastSeenAt = &freshSeen
	fresh.Sessions = []domain.Session{{JoinedAt: now.Add(-10 * time.Minute)}}
	store.add(fresh)

	evicted, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	got := store.get(stale.ID)
	require.True(t, got.Sessions[0].Closed())
	assert.Equal(t, "sweeper", got.Sessions[0].Cause)
	// Departure is last seen plus grace, not sweep time.
	assert.Equal(t, staleSeen.Add(45*time.Second).Unix(), got.Sessions[0].LeftAt.Unix())
	assert.Equal(t, domain.StatusAdmitted, got.Status)

	assert.NotNil(t, store.get(fresh.ID).OpenSession())
	assert.Equal(t, 1, notifier.count(domain.MainRoom(meetingID), domain.EventUserLeft))
}

func TestSweep_SkipsLocallyEngaged(t *testing.T) {
	e, store, _ := newTestEngine(45 * time.Second)
	defer e.Shutdown()
	ctx := context.Background()

	p := newAdmitted(uuid.New())
	store.add(p)
	require.NoError(t, e.Engage(ctx, p, "socket-1"))

	// Make the row look stale even though the local watchdog is armed.
	staleSeen := time.Now().Add(-2 * time.Minute)
	store.get(p.ID).LastSeenAt = &staleSeen

	evicted, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)
	assert.NotNil(t, store.get(p.ID).OpenSession())
}

func TestRun_StopsOnCancel(t *testing.T) {
	e, _, _ := newTestEngine(time.Minute)
	e.sweep = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}

func TestShutdown_DisarmsAll(t *testing.T) {
	e, store, _ := newTestEngine(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := newAdmitted(uuid.New())
		store.add(p)
		require.NoError(t, e.Engage(ctx, p, "socket"))
	}
	assert.Equal(t, 3, e.EngagedCount())

	e.Shutdown()
	assert.Equal(t, 0, e.EngagedCount())
}
