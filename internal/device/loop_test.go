package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"binspire-simulator/internal/database"
	"binspire-simulator/internal/metrics"
	"binspire-simulator/internal/models"
	"binspire-simulator/internal/sensor"
	"binspire-simulator/internal/urgency"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeStore keeps one bin row in memory and records every statement
type fakeStore struct {
	mu        sync.Mutex
	bin       *models.Trashbin
	tokens    []string
	tokensErr error
	getErr    error
	acquires  int
	ops       []string
}

func (s *fakeStore) Acquire(_ context.Context, fn func(database.Queries) error) error {
	s.mu.Lock()
	s.acquires++
	s.mu.Unlock()
	return fn(&fakeQueries{s: s})
}

func (s *fakeStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (s *fakeStore) acquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires
}

type fakeQueries struct{ s *fakeStore }

func (q *fakeQueries) GetTrashbin(_ context.Context, id string) (models.Trashbin, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.ops = append(q.s.ops, "get")
	if q.s.getErr != nil {
		return models.Trashbin{}, q.s.getErr
	}
	if q.s.bin == nil || q.s.bin.ID != id {
		return models.Trashbin{}, database.ErrTrashbinNotFound
	}
	return *q.s.bin, nil
}

func (q *fakeQueries) MarkScheduled(context.Context, string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.ops = append(q.s.ops, "schedule")
	now := time.Now()
	q.s.bin.IsScheduled = true
	q.s.bin.ScheduledAt = &now
	return nil
}

func (q *fakeQueries) ResetCollected(context.Context, string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.ops = append(q.s.ops, "reset_collected")
	q.s.bin.IsCollected = false
	return nil
}

func (q *fakeQueries) CollectorTokens(context.Context) ([]string, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.ops = append(q.s.ops, "tokens")
	return q.s.tokens, q.s.tokensErr
}

type fakeNotifier struct {
	mu       sync.Mutex
	requests []models.NotificationRequest
	err      error
	panicMsg string
}

func (n *fakeNotifier) SendUrgentBinAlert(_ context.Context, req models.NotificationRequest) (models.NotificationResult, error) {
	n.mu.Lock()
	n.requests = append(n.requests, req)
	n.mu.Unlock()
	if n.panicMsg != "" {
		panic(n.panicMsg)
	}
	if n.err != nil {
		return models.NotificationResult{}, n.err
	}
	return models.NotificationResult{SuccessCount: len(req.Tokens)}, nil
}

type publishedMessage struct {
	topic   string
	message models.StatusMessage
}

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	publishErr  error
	published   []publishedMessage
	disconnects int
}

func (t *fakeTransport) Connect(context.Context) error { return t.connectErr }

func (t *fakeTransport) Publish(topic string, payload []byte) error {
	if t.publishErr != nil {
		return t.publishErr
	}
	msg, err := models.DecodeStatusMessage(payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, publishedMessage{topic: topic, message: msg})
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
}

func (t *fakeTransport) publishedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

type fixedSource struct {
	reading models.Reading
	err     error
}

func (s fixedSource) Read(ctx context.Context) (models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return models.Reading{}, err
	}
	return s.reading, s.err
}

type harness struct {
	store     *fakeStore
	notifier  *fakeNotifier
	transport *fakeTransport
	logs      *observer.ObservedLogs
	loop      *Loop
}

func newHarness(t *testing.T, bin *models.Trashbin, source sensor.Source, interval time.Duration) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		store:     &fakeStore{bin: bin},
		notifier:  &fakeNotifier{},
		transport: &fakeTransport{},
		logs:      logs,
	}
	h.loop = New("b1", source, Config{Interval: interval, Policy: urgency.Policy{MaxWeight: 30}}, Deps{
		Store:        h.store,
		Notifier:     h.notifier,
		NewTransport: func(string) Transport { return h.transport },
		Metrics:      metrics.NewRecorder(prometheus.NewRegistry()),
		Log:          zap.New(core).Sugar(),
	})
	return h
}

func (h *harness) iterate(t *testing.T) Outcome {
	t.Helper()
	out, err := h.loop.runIteration(context.Background(), h.transport, models.StatusTopic("b1"))
	require.NoError(t, err)
	return out
}

func TestScenarioUrgentBinIsScheduledAndNotified(t *testing.T) {
	reading := models.Reading{WasteLevel: 90, WeightLevel: 20, BatteryLevel: 64}
	h := newHarness(t, &models.Trashbin{ID: "b1", Name: "Plaza", IsOperational: true}, fixedSource{reading: reading}, time.Minute)
	h.store.tokens = []string{"tok-a", "tok-b"}

	out := h.iterate(t)

	assert.True(t, out.Decision.Schedule)
	assert.InDelta(t, 0.8067, out.Decision.Score, 1e-3)
	assert.Equal(t, 1, h.store.count("schedule"))
	assert.Equal(t, 0, h.store.count("reset_collected"))
	assert.True(t, out.Bin.IsScheduled)
	require.NotNil(t, out.Bin.ScheduledAt)

	require.Len(t, h.notifier.requests, 1)
	assert.Equal(t, []string{"tok-a", "tok-b"}, h.notifier.requests[0].Tokens)
	assert.Equal(t, "Plaza needs urgent collection!", h.notifier.requests[0].Body)
	assert.Contains(t, h.notifier.requests[0].Link, "trashbin_id=b1")

	require.Equal(t, 1, h.transport.publishedCount())
	pub := h.transport.published[0]
	assert.Equal(t, "trashbin/b1/status", pub.topic)
	assert.False(t, pub.message.Trashbin.IsCollected)
	assert.Equal(t, reading, pub.message.Status)
	assert.True(t, out.Published)
}

func TestSchedulingFiresOnceUntilReset(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 100, WeightLevel: 30}}, time.Minute)
	h.store.tokens = []string{"tok-a"}

	h.iterate(t)
	out := h.iterate(t)

	assert.False(t, out.Decision.Schedule)
	assert.Equal(t, 1, h.store.count("schedule"))
	assert.Len(t, h.notifier.requests, 1)
	assert.Equal(t, 2, h.transport.publishedCount())
}

func TestCollectedFlagIsClearedBeforePublish(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1", IsCollected: true}, fixedSource{reading: models.Reading{WasteLevel: 25, WeightLevel: 1, BatteryLevel: 10}}, time.Minute)

	out := h.iterate(t)

	assert.True(t, out.Decision.ResetCollected)
	assert.Equal(t, 1, h.store.count("reset_collected"))
	assert.Equal(t, 0, h.store.count("schedule"))
	require.Equal(t, 1, h.transport.publishedCount())
	assert.False(t, h.transport.published[0].message.Trashbin.IsCollected)
	assert.Empty(t, h.notifier.requests)
}

func TestMissingBinSkipsIteration(t *testing.T) {
	h := newHarness(t, nil, fixedSource{reading: models.Reading{WasteLevel: 100, WeightLevel: 30}}, time.Minute)

	out := h.iterate(t)

	assert.Equal(t, metrics.OutcomeBinMissing, out.Skipped)
	assert.Equal(t, []string{"get"}, h.store.ops)
	assert.Zero(t, h.transport.publishedCount())
	assert.Equal(t, 1, h.logs.FilterMessage("Trashbin not found in database.").FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestInvalidRowSkipsIteration(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 100, WeightLevel: 30}}, time.Minute)
	h.store.getErr = fmt.Errorf("%w %q: trashbin is scheduled but scheduled_at is not set", database.ErrInvalidTrashbin, "b1")

	out := h.iterate(t)

	assert.Equal(t, metrics.OutcomeBinInvalid, out.Skipped)
	assert.Equal(t, []string{"get"}, h.store.ops)
	assert.Zero(t, h.transport.publishedCount())
	assert.Equal(t, 1, h.logs.FilterMessage("Trashbin row is inconsistent, skipping iteration.").FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestRunSurvivesInvalidRow(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 10}}, 5*time.Millisecond)
	h.store.getErr = fmt.Errorf("%w %q: trashbin is scheduled but scheduled_at is not set", database.ErrInvalidTrashbin, "b1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.acquireCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.transport.disconnectCount())
}

func TestSensorTimeoutSkipsIteration(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{err: sensor.ErrTimeout}, time.Minute)

	out := h.iterate(t)

	assert.Equal(t, metrics.OutcomeSensorTimeout, out.Skipped)
	assert.Zero(t, h.store.acquireCount())
	assert.Zero(t, h.transport.publishedCount())
}

func TestNotificationFailureStillPublishes(t *testing.T) {
	testCases := []struct {
		name     string
		notifier *fakeNotifier
	}{
		{name: "gateway error", notifier: &fakeNotifier{err: errors.New("fcm unavailable")}},
		{name: "gateway panic", notifier: &fakeNotifier{panicMsg: "nil client"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 95, WeightLevel: 28}}, time.Minute)
			h.loop.deps.Notifier = tc.notifier
			h.store.tokens = []string{"tok-a"}

			out := h.iterate(t)

			assert.True(t, out.Published)
			assert.Len(t, tc.notifier.requests, 1)
			assert.Equal(t, 1, h.store.count("schedule"))
			assert.Equal(t, 1, h.logs.FilterMessage("Failed to send push notification").Len())
		})
	}
}

func TestNoTokensNoNotification(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 95, WeightLevel: 28}}, time.Minute)

	out := h.iterate(t)

	assert.True(t, out.Published)
	assert.Equal(t, 1, h.store.count("tokens"))
	assert.Empty(t, h.notifier.requests)
}

func TestTokenQueryFailureDoesNotAbortIteration(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 95, WeightLevel: 28}}, time.Minute)
	h.store.tokensErr = errors.New("relation \"notifications\" does not exist")

	out := h.iterate(t)

	assert.True(t, out.Published)
	assert.True(t, out.Bin.IsScheduled)
	assert.Empty(t, h.notifier.requests)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 10}}, time.Minute)
	h.transport.publishErr = errors.New("not connected")

	out := h.iterate(t)

	assert.False(t, out.Published)
	assert.Equal(t, metrics.OutcomePublishFailed, out.Skipped)
}

func TestCancelledContextStartsNoDatabaseWork(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, sourceFunc(func(context.Context) (models.Reading, error) {
		return models.Reading{WasteLevel: 100, WeightLevel: 30}, nil
	}), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.loop.runIteration(ctx, h.transport, "trashbin/b1/status")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.store.ops)
	assert.Zero(t, h.transport.publishedCount())
}

type sourceFunc func(context.Context) (models.Reading, error)

func (f sourceFunc) Read(ctx context.Context) (models.Reading, error) { return f(ctx) }

func TestRunStopsPromptlyWhenCancelledMidSleep(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 10}}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return h.transport.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop within one second of cancellation")
	}

	assert.Equal(t, 1, h.transport.disconnectCount())
	assert.Equal(t, 1, h.transport.publishedCount())
}

func TestRunKeepsGoingAfterSkips(t *testing.T) {
	h := newHarness(t, nil, fixedSource{reading: models.Reading{WasteLevel: 10}}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.acquireCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, h.transport.publishedCount())
	assert.Equal(t, 1, h.transport.disconnectCount())
}

func TestRunTerminatesOnDatabaseError(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{reading: models.Reading{WasteLevel: 10}}, time.Millisecond)
	h.store.getErr = errors.New("connection refused")

	err := h.loop.Run(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, h.transport.disconnectCount())
	assert.Equal(t, 1, h.logs.FilterMessage("Unexpected error occurred").FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestRunTerminatesOnPanic(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, sourceFunc(func(context.Context) (models.Reading, error) {
		panic("sensor driver crashed")
	}), time.Millisecond)

	err := h.loop.Run(context.Background())
	assert.ErrorContains(t, err, "sensor driver crashed")
	assert.Equal(t, 1, h.transport.disconnectCount())
}

func TestRunRejectsEmptyBinID(t *testing.T) {
	created := false
	l := New("", fixedSource{}, Config{Interval: time.Second}, Deps{
		Store:        &fakeStore{},
		NewTransport: func(string) Transport { created = true; return &fakeTransport{} },
	})

	assert.ErrorIs(t, l.Run(context.Background()), ErrInvalidBinID)
	assert.False(t, created)
}

func TestRunConnectFailure(t *testing.T) {
	h := newHarness(t, &models.Trashbin{ID: "b1"}, fixedSource{}, time.Second)
	h.transport.connectErr = errors.New("bad credentials")

	err := h.loop.Run(context.Background())
	assert.ErrorContains(t, err, "bad credentials")
	assert.Equal(t, 1, h.transport.disconnectCount())
	assert.Zero(t, h.store.acquireCount())
}
