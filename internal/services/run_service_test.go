package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simdash/internal/logging"
	"simdash/internal/metrics"
	"simdash/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	created  []models.Run
	updated  []models.Run
	steps    map[string][]int
	failHits bool
	healthy  error
	// insertDelay slows every InsertSteps call
	insertDelay time.Duration
}

func newFakeStore() *fakeStore { return &fakeStore{steps: map[string][]int{}} }

func (f *fakeStore) CreateRun(ctx context.Context, run models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHits {
		return errors.New("db down")
	}
	f.created = append(f.created, run)
	return nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, run models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHits {
		return errors.New("db down")
	}
	f.updated = append(f.updated, run)
	return nil
}

func (f *fakeStore) InsertSteps(ctx context.Context, runID string, steps []models.StepRecord) error {
	if f.insertDelay > 0 {
		time.Sleep(f.insertDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHits {
		return errors.New("db down")
	}
	for _, s := range steps {
		f.steps[runID] = append(f.steps[runID], s.Step)
	}
	return nil
}

func (f *fakeStore) storedSteps(runID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.steps[runID]...)
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.updated) - 1; i >= 0; i-- {
		if f.updated[i].ID == runID {
			r := f.updated[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Run(nil), f.updated...), nil
}

func (f *fakeStore) Health(ctx context.Context) error { return f.healthy }

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	events []map[string]any
}

func (f *fakePublisher) Publish(routingKey string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, routingKey)
	f.events = append(f.events, payload)
	return nil
}

func (f *fakePublisher) routingKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fakeSessions struct {
	mu    sync.Mutex
	saved map[string]models.Session
}

func (f *fakeSessions) Save(ctx context.Context, s models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]models.Session{}
	}
	f.saved[s.ID] = s
	return nil
}

func (f *fakeSessions) List(ctx context.Context) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Session{}
	for _, s := range f.saved {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessions) Health(ctx context.Context) error { return errors.New("connection refused") }

type fakeExporter struct {
	mu    sync.Mutex
	runs  map[string]int
	fails bool
}

func (f *fakeExporter) Export(ctx context.Context, runID string, steps []models.StepRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return "", errors.New("bucket missing")
	}
	if f.runs == nil {
		f.runs = map[string]int{}
	}
	f.runs[runID] = len(steps)
	return "runs/" + runID + "/steps.csv", nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (f *fakeBroadcaster) Broadcast(e models.StreamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

type serviceFixture struct {
	svc       *RunService
	client    *fakeClient
	store     *fakeStore
	publisher *fakePublisher
	sessions  *fakeSessions
	exporter  *fakeExporter
	stream    *fakeBroadcaster
	metrics   *metrics.Metrics
}

func newServiceFixture(client *fakeClient) *serviceFixture {
	return newServiceFixtureWithQueue(client, nil, sideEffectQueue)
}

func newServiceFixtureWithQueue(client *fakeClient, store *fakeStore, queue int) *serviceFixture {
	if store == nil {
		store = newFakeStore()
	}
	f := &serviceFixture{
		client:    client,
		store:     store,
		publisher: &fakePublisher{},
		sessions:  &fakeSessions{},
		exporter:  &fakeExporter{},
		stream:    &fakeBroadcaster{},
		metrics:   metrics.New("test"),
	}
	f.svc = newRunService(client, ControllerOptions{
		PollInterval: 5 * time.Millisecond,
		ElapsedTick:  2 * time.Millisecond,
	}, Deps{
		Store:       f.store,
		Publisher:   f.publisher,
		Sessions:    f.sessions,
		Exporter:    f.exporter,
		Broadcaster: f.stream,
		Metrics:     f.metrics,
		Logger:      logging.Discard(),
	}, queue)
	return f
}

func TestRunService_CompletedRunSideEffects(t *testing.T) {
	client := newFakeClient("run-1").on("run-1",
		fakePoll{progress: models.Progress{Data: steps(1, 2)}},
		fakePoll{progress: models.Progress{Data: steps(3), Finished: true}},
	)
	f := newServiceFixture(client)

	snap, err := f.svc.StartRun(context.Background(), runRequest(3))
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, snap.State)
	waitDone(t, f.svc.Controller())
	f.svc.Close()

	require.Len(t, f.store.created, 1)
	assert.Equal(t, "run-1", f.store.created[0].ID)
	assert.Equal(t, models.RunStatusRunning, f.store.created[0].Status)
	assert.Equal(t, 3, f.store.created[0].MaxSteps)
	assert.Equal(t, []int{1, 2, 3}, f.store.steps["run-1"])

	require.Len(t, f.store.updated, 1)
	final := f.store.updated[0]
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 3, final.StepsReceived)
	require.NotNil(t, final.ExportKey)
	assert.Equal(t, "runs/run-1/steps.csv", *final.ExportKey)
	assert.Nil(t, final.ErrorMessage)
	assert.Equal(t, 3, f.exporter.runs["run-1"])

	assert.Equal(t, []string{"run.started", "run.step", "run.step", "run.completed"}, f.publisher.routingKeys())

	session := f.sessions.saved["run-1"]
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.Len(t, session.Steps, 3)
	assert.Equal(t, 5, session.Parameters.NProductsPerCategory)

	var stepEvents, stateEvents int
	for _, e := range f.stream.events {
		switch e.Type {
		case models.StreamSteps:
			stepEvents++
		case models.StreamState:
			stateEvents++
			require.NotNil(t, e.Snapshot)
		}
	}
	assert.Equal(t, 2, stepEvents)
	assert.Equal(t, 3, stateEvents)
}

func TestRunService_FailedRunRecordsError(t *testing.T) {
	client := newFakeClient("run-f").on("run-f",
		fakePoll{progress: models.Progress{Data: steps(1), Error: "stockout overflow"}},
	)
	f := newServiceFixture(client)

	_, err := f.svc.StartRun(context.Background(), runRequest(5))
	require.NoError(t, err)
	waitDone(t, f.svc.Controller())
	f.svc.Close()

	require.Len(t, f.store.updated, 1)
	final := f.store.updated[0]
	assert.Equal(t, models.RunStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "stockout overflow", *final.ErrorMessage)
	assert.Equal(t, string(models.ErrorKindService), *final.ErrorKind)
	assert.Nil(t, final.ExportKey)
	assert.Empty(t, f.exporter.runs)
	assert.Equal(t, models.SessionFailed, f.sessions.saved["run-f"].Status)

	keys := f.publisher.routingKeys()
	assert.Equal(t, "run.failed", keys[len(keys)-1])
}

func TestRunService_ValidationFailurePublishesOnly(t *testing.T) {
	f := newServiceFixture(newFakeClient("unused"))

	req := runRequest(3)
	req.NCustomers1, req.NCustomers2 = 0, 0
	snap, err := f.svc.StartRun(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, models.RunStateFailed, snap.State)
	f.svc.Close()

	assert.Empty(t, f.store.created)
	assert.Empty(t, f.sessions.saved)
	assert.Equal(t, []string{"run.failed"}, f.publisher.routingKeys())
	assert.Equal(t, models.ErrorKindValidation, f.publisher.events[0]["error_kind"])
}

func TestRunService_ResetCancelsTrackedRun(t *testing.T) {
	client := newFakeClient("run-r").on("run-r",
		fakePoll{progress: models.Progress{Data: steps(1)}},
	)
	f := newServiceFixture(client)

	_, err := f.svc.StartRun(context.Background(), runRequest(50))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.svc.Current().Steps) == 1 }, 2*time.Second, time.Millisecond)

	snap := f.svc.Reset(context.Background())
	assert.Equal(t, models.RunStateIdle, snap.State)
	f.svc.Close()

	require.Len(t, f.store.updated, 1)
	assert.Equal(t, models.RunStatusCancelled, f.store.updated[0].Status)
	assert.Equal(t, 1, f.store.updated[0].StepsReceived)
	assert.Equal(t, []string{"run.started", "run.step", "run.cancelled", "run.reset"}, f.publisher.routingKeys())
}

func TestRunService_SideEffectFailuresDoNotChangeState(t *testing.T) {
	client := newFakeClient("run-d").on("run-d",
		fakePoll{progress: models.Progress{Data: steps(1), Finished: true}},
	)
	f := newServiceFixture(client)
	f.store.failHits = true
	f.exporter.fails = true

	_, err := f.svc.StartRun(context.Background(), runRequest(1))
	require.NoError(t, err)
	waitDone(t, f.svc.Controller())
	f.svc.Close()

	assert.Equal(t, models.RunStateCompleted, f.svc.Current().State)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.SideEffectFails.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SideEffectFails.WithLabelValues("export")))
}

func TestRunService_GetRunPrefersLiveRun(t *testing.T) {
	client := newFakeClient("live").on("live",
		fakePoll{progress: models.Progress{Data: steps(1, 2)}},
	)
	f := newServiceFixture(client)
	defer f.svc.Close()

	_, err := f.svc.StartRun(context.Background(), runRequest(50))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.svc.Current().Steps) == 2 }, 2*time.Second, time.Millisecond)

	run, err := f.svc.GetRun(context.Background(), "live")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Len(t, run.Steps, 2)

	missing, err := f.svc.GetRun(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRunService_WithoutDeps(t *testing.T) {
	client := newFakeClient("bare").on("bare",
		fakePoll{progress: models.Progress{Data: steps(1), Finished: true}},
	)
	svc := NewRunService(client, ControllerOptions{PollInterval: 5 * time.Millisecond}, Deps{Logger: logging.Discard()})

	_, err := svc.StartRun(context.Background(), runRequest(1))
	require.NoError(t, err)
	waitDone(t, svc.Controller())

	runs, err := svc.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	sessions, err := svc.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
	status, err := svc.Health(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status)

	svc.Close()
	svc.Close()
	_, err = svc.StartRun(context.Background(), runRequest(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunService_HealthReportsEachComponent(t *testing.T) {
	f := newServiceFixture(newFakeClient("x"))
	defer f.svc.Close()

	status, err := f.svc.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ok", status["db"])
	assert.Equal(t, "connection refused", status["cache"])
}

func TestRunService_CloseCancelsTrackedRun(t *testing.T) {
	client := newFakeClient("run-c").on("run-c",
		fakePoll{progress: models.Progress{Data: steps(1)}},
	)
	f := newServiceFixture(client)

	_, err := f.svc.StartRun(context.Background(), runRequest(50))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.svc.Current().Steps) == 1 }, 2*time.Second, time.Millisecond)

	f.svc.Close()

	require.Len(t, f.store.created, 1)
	require.Len(t, f.store.updated, 1)
	final := f.store.updated[0]
	assert.Equal(t, models.RunStatusCancelled, final.Status)
	assert.Equal(t, 1, final.StepsReceived)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, []int{1}, f.store.storedSteps("run-c"))

	assert.Equal(t, models.SessionFailed, f.sessions.saved["run-c"].Status)
	keys := f.publisher.routingKeys()
	assert.Equal(t, "run.cancelled", keys[len(keys)-1])
}

func TestRunService_SlowStoreKeepsLifecycle(t *testing.T) {
	const total = 30
	client := newFakeClient("run-s")
	for i := 1; i <= total; i++ {
		client.on("run-s", fakePoll{progress: models.Progress{Data: steps(i)}})
	}
	store := newFakeStore()
	store.insertDelay = 20 * time.Millisecond
	f := newServiceFixtureWithQueue(client, store, 4)

	_, err := f.svc.StartRun(context.Background(), runRequest(total))
	require.NoError(t, err)
	waitDone(t, f.svc.Controller())
	f.svc.Close()

	assert.Equal(t, models.RunStateCompleted, f.svc.Current().State)
	assert.Greater(t, testutil.ToFloat64(f.metrics.SideEffectFails.WithLabelValues("queue")), 0.0)

	want := make([]int, 0, total)
	for i := 1; i <= total; i++ {
		want = append(want, i)
	}
	assert.ElementsMatch(t, want, store.storedSteps("run-s"))

	require.Len(t, store.updated, 1)
	assert.Equal(t, models.RunStatusCompleted, store.updated[0].Status)
	assert.Equal(t, total, store.updated[0].StepsReceived)
	assert.Equal(t, total, f.exporter.runs["run-s"])
	assert.Len(t, f.sessions.saved["run-s"].Steps, total)

	keys := f.publisher.routingKeys()
	assert.Equal(t, "run.started", keys[0])
	assert.Equal(t, "run.completed", keys[len(keys)-1])
}
