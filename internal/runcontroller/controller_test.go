package runcontroller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothq/controlplane/internal/agentauth"
	"github.com/pilothq/controlplane/internal/models"
)

type fakeRuntime struct {
	mu              sync.Mutex
	threadErr       error
	runErr          error
	streamErr       error
	createCalls     int
	rollbackThreads []string
	stream          chan WorkflowEvent

	// afterCreateThread, when set, runs synchronously right after
	// CreateThread returns but before CreateRun is called — used to
	// simulate a Cancel landing in the reservation window.
	afterCreateThread func()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{stream: make(chan WorkflowEvent, 8)}
}

func (f *fakeRuntime) CreateThread(ctx context.Context, userID string) (string, error) {
	if f.threadErr != nil {
		return "", f.threadErr
	}
	threadID := "thread-" + userID
	if f.afterCreateThread != nil {
		f.afterCreateThread()
	}
	return threadID, nil
}

func (f *fakeRuntime) CreateRun(ctx context.Context, threadID, workflowName string, input map[string]interface{}) (string, error) {
	f.mu.Lock()
	f.createCalls++
	if workflowName == "rollback" {
		f.rollbackThreads = append(f.rollbackThreads, threadID)
	}
	f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	return "run-1", nil
}

func (f *fakeRuntime) Stream(ctx context.Context, threadID, runID string) (<-chan WorkflowEvent, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.ActivityEvent
}

func (f *fakePublisher) Publish(ctx context.Context, ev *models.ActivityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	pushed []interface{}
}

func (f *fakeSink) Push(userID string, event interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, event)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestStartRejectsSecondConcurrentRunForSameUser(t *testing.T) {
	runtime := newFakeRuntime()
	c := New(runtime, &fakePublisher{}, &fakeSink{}, nil)

	_, err := c.Start(context.Background(), "user1", "my-workflow", nil)
	require.NoError(t, err)

	_, err = c.Start(context.Background(), "user1", "my-workflow", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has an active run")

	runtime.stream <- WorkflowEvent{Type: EventCompleted}
}

func TestStartSucceedsForDifferentUsers(t *testing.T) {
	runtime := newFakeRuntime()
	c := New(runtime, &fakePublisher{}, &fakeSink{}, nil)

	_, err := c.Start(context.Background(), "user1", "wf", nil)
	require.NoError(t, err)
	_, err = c.Start(context.Background(), "user2", "wf", nil)
	require.NoError(t, err)

	runtime.stream <- WorkflowEvent{Type: EventCompleted}
}

func TestDrainPublishesActivityAndReleasesSlotOnCompletion(t *testing.T) {
	runtime := newFakeRuntime()
	publisher := &fakePublisher{}
	sink := &fakeSink{}
	c := New(runtime, publisher, sink, nil)

	record, err := c.Start(context.Background(), "user1", "wf", nil)
	require.NoError(t, err)

	runtime.stream <- WorkflowEvent{Type: EventActivityComplete, Activity: &models.ActivityEvent{Action: models.ActionPost}}
	runtime.stream <- WorkflowEvent{Type: EventCompleted}

	waitFor(t, func() bool {
		_, active := c.Status("user1")
		return !active
	})

	publisher.mu.Lock()
	published := len(publisher.published)
	publisher.mu.Unlock()
	assert.Equal(t, 1, published)

	outcome, ok := c.HistoryFor(record.RunID)
	require.True(t, ok)
	assert.Equal(t, "completed", outcome.Outcome)
}

func TestCancelBreaksDrainLoopAtNextEventBoundary(t *testing.T) {
	runtime := newFakeRuntime()
	sink := &fakeSink{}
	c := New(runtime, &fakePublisher{}, sink, nil)

	record, err := c.Start(context.Background(), "user1", "wf", nil)
	require.NoError(t, err)

	runtime.stream <- WorkflowEvent{Type: EventActivityComplete, Activity: &models.ActivityEvent{Action: models.ActionPost}}
	waitFor(t, func() bool { return sink.count() == 1 })

	require.NoError(t, c.Cancel(context.Background(), "user1"))
	waitFor(t, func() bool { return sink.count() >= 2 }) // "stopping" pushed immediately

	// The runtime never emits its own terminal cancelled event; the
	// controller breaks the drain loop itself at the next boundary and
	// emits the terminal event on the user's behalf.
	runtime.stream <- WorkflowEvent{Type: EventActivityComplete, Activity: &models.ActivityEvent{Action: models.ActionLike}}

	waitFor(t, func() bool {
		_, active := c.Status("user1")
		return !active
	})

	outcome, ok := c.HistoryFor(record.RunID)
	require.True(t, ok)
	assert.Equal(t, "cancelled", outcome.Outcome)

	// The activity queued after the cancel flag was set must not have
	// been forwarded to the client or published to the bus.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.pushed, 3) // activity, stopping, cancelled
}

func TestCancelDuringReservationWindowIsNotLost(t *testing.T) {
	runtime := newFakeRuntime()
	sink := &fakeSink{}
	c := New(runtime, &fakePublisher{}, sink, nil)

	var cancelErr error
	runtime.afterCreateThread = func() {
		// Fires while Start is still between the reservation insert and
		// the record swap — before CreateRun has even been called.
		cancelErr = c.Cancel(context.Background(), "user1")
	}

	record, err := c.Start(context.Background(), "user1", "wf", nil)
	require.NoError(t, err)
	require.NoError(t, cancelErr)

	active, ok := c.Status("user1")
	require.True(t, ok)
	assert.True(t, active.CancelFlag, "CancelFlag set on the reservation must survive the swap to the real record")

	// The rollback is reissued against the real thread once it exists,
	// not just attempted (and lost) against the empty reservation.
	runtime.mu.Lock()
	rollbackThreads := append([]string(nil), runtime.rollbackThreads...)
	runtime.mu.Unlock()
	require.Len(t, rollbackThreads, 1)
	assert.Equal(t, record.ThreadID, rollbackThreads[0])

	// drain observes CancelFlag at the very first event boundary and
	// ends the run as cancelled instead of streaming it to completion.
	runtime.stream <- WorkflowEvent{Type: EventActivityComplete, Activity: &models.ActivityEvent{Action: models.ActionPost}}

	waitFor(t, func() bool {
		_, stillActive := c.Status("user1")
		return !stillActive
	})

	outcome, ok := c.HistoryFor(record.RunID)
	require.True(t, ok)
	assert.Equal(t, "cancelled", outcome.Outcome)
}

func TestCancelIsIdempotent(t *testing.T) {
	runtime := newFakeRuntime()
	sink := &fakeSink{}
	c := New(runtime, &fakePublisher{}, sink, nil)

	_, err := c.Start(context.Background(), "user1", "wf", nil)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), "user1"))
	require.NoError(t, c.Cancel(context.Background(), "user1"))

	// Only one rollback run and one "stopping" push, despite two Cancel calls.
	assert.Equal(t, 2, runtime.createCalls) // 1 for the original run, 1 for the rollback
	assert.Equal(t, 1, sink.count())

	runtime.stream <- WorkflowEvent{Type: EventCancelled}
}

func TestCancelIsNoOpForUnknownUser(t *testing.T) {
	runtime := newFakeRuntime()
	sink := &fakeSink{}
	c := New(runtime, &fakePublisher{}, sink, nil)

	require.NoError(t, c.Cancel(context.Background(), "ghost"))
	assert.Equal(t, 0, runtime.createCalls)
	assert.Equal(t, 0, sink.count())
}

func TestStartScheduledRequiresValidDispatchToken(t *testing.T) {
	runtime := newFakeRuntime()
	c := New(runtime, &fakePublisher{}, &fakeSink{}, nil)

	_, err := c.StartScheduled(context.Background(), "user1", "wf", nil, "irrelevant")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestStartScheduledAcceptsValidToken(t *testing.T) {
	runtime := newFakeRuntime()
	minter := agentauth.NewMinter([]byte("test-secret-key-at-least-this-long"))
	c := New(runtime, &fakePublisher{}, &fakeSink{}, minter)

	token, err := minter.Mint("job-1")
	require.NoError(t, err)

	_, err = c.StartScheduled(context.Background(), "user1", "wf", nil, token)
	require.NoError(t, err)

	runtime.stream <- WorkflowEvent{Type: EventCompleted}
}

func TestStartScheduledRejectsInvalidToken(t *testing.T) {
	runtime := newFakeRuntime()
	minter := agentauth.NewMinter([]byte("test-secret-key-at-least-this-long"))
	c := New(runtime, &fakePublisher{}, &fakeSink{}, minter)

	_, err := c.StartScheduled(context.Background(), "user1", "wf", nil, "garbage")
	require.Error(t, err)
}
