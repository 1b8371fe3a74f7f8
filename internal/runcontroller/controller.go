// Package runcontroller implements the Agent Run Controller: starting
// and cooperatively cancelling the single in-flight agent run a user
// may have, and streaming its events to both the Activity Event Bus
// and the calling client.
package runcontroller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilothq/controlplane/internal/agentauth"
	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/models"
)

// WorkflowRuntime is the opaque, externally-hosted workflow executor.
// A workflow is a named computation the controller never interprets —
// it only creates threads/runs and streams their events.
type WorkflowRuntime interface {
	CreateThread(ctx context.Context, userID string) (threadID string, err error)
	CreateRun(ctx context.Context, threadID, workflowName string, input map[string]interface{}) (runID string, err error)
	Stream(ctx context.Context, threadID, runID string) (<-chan WorkflowEvent, error)
}

// WorkflowEventType enumerates the event kinds a streamed run emits.
type WorkflowEventType string

const (
	EventActivityComplete WorkflowEventType = "activity_complete"
	EventCompleted        WorkflowEventType = "completed"
	EventCancelled        WorkflowEventType = "cancelled"
	EventFailed           WorkflowEventType = "failed"
)

// WorkflowEvent is one item the runtime's stream yields.
type WorkflowEvent struct {
	Type     WorkflowEventType
	Activity *models.ActivityEvent
	Err      error
}

// ActivityPublisher is the narrow slice of the Activity Event Bus the
// controller needs — satisfied by activity.Bus.
type ActivityPublisher interface {
	Publish(ctx context.Context, ev *models.ActivityEvent) error
}

// ClientSink delivers run events back to whatever transport the caller
// used to start the run (WebSocket, SSE).
type ClientSink interface {
	Push(userID string, event interface{})
}

// Controller enforces "at most one active run per user" and drives
// cooperative cancellation.
type Controller struct {
	mu     sync.Mutex
	active map[string]*models.RunRecord

	runtime WorkflowRuntime
	bus     ActivityPublisher
	sink    ClientSink
	verify  *agentauth.Minter
	history *runHistory
}

// New builds an Agent Run Controller. verifier may be nil if the
// Scheduled Execution Engine's headless dispatch path is disabled.
func New(runtime WorkflowRuntime, bus ActivityPublisher, sink ClientSink, verifier *agentauth.Minter) *Controller {
	return &Controller{
		active:  make(map[string]*models.RunRecord),
		runtime: runtime,
		bus:     bus,
		sink:    sink,
		verify:  verifier,
		history: newRunHistory(),
	}
}

// StartScheduled is the entry point for a CronJob firing without a live
// session: it requires a valid internal dispatch token minted by the
// Scheduled Execution Engine rather than a path/authenticated-identity
// match, since there is no HTTP caller to check.
func (c *Controller) StartScheduled(ctx context.Context, userID, workflowName string, input map[string]interface{}, dispatchToken string) (*models.RunRecord, error) {
	if c.verify == nil {
		return nil, errors.Forbidden("headless run dispatch is disabled")
	}
	if _, err := c.verify.Verify(dispatchToken); err != nil {
		return nil, errors.Forbidden(fmt.Sprintf("invalid dispatch token: %v", err))
	}
	return c.start(ctx, userID, workflowName, input)
}

// Start implements the start() algorithm: reject if the user already
// has a RunRecord, otherwise create a thread and run, record it, and
// stream its events in the background.
func (c *Controller) Start(ctx context.Context, userID, workflowName string, input map[string]interface{}) (*models.RunRecord, error) {
	return c.start(ctx, userID, workflowName, input)
}

func (c *Controller) start(ctx context.Context, userID, workflowName string, input map[string]interface{}) (*models.RunRecord, error) {
	c.mu.Lock()
	if _, exists := c.active[userID]; exists {
		c.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("user %s already has an active run", userID))
	}
	// Reserve the slot before any I/O so a second concurrent Start
	// cannot race past this check while the thread/run are created.
	reservation := &models.RunRecord{UserID: userID, WorkflowName: workflowName, StartedAt: time.Now().UTC()}
	c.active[userID] = reservation
	c.mu.Unlock()

	threadID, err := c.runtime.CreateThread(ctx, userID)
	if err != nil {
		c.forget(userID)
		return nil, errors.Upstream("failed to create workflow thread", err)
	}

	runID, err := c.runtime.CreateRun(ctx, threadID, workflowName, input)
	if err != nil {
		c.forget(userID)
		return nil, errors.Upstream("failed to create workflow run", err)
	}

	record := &models.RunRecord{
		RunID:        runID,
		UserID:       userID,
		ThreadID:     threadID,
		WorkflowName: workflowName,
		StartedAt:    reservation.StartedAt,
	}

	// A Cancel arriving during the CreateThread/CreateRun round-trip sets
	// CancelFlag on the reservation, not on this freshly built record —
	// carry it forward under the same lock that swaps the map entry so
	// that cancellation is never silently dropped by the swap.
	c.mu.Lock()
	record.CancelFlag = reservation.CancelFlag
	c.active[userID] = record
	c.mu.Unlock()

	if record.CancelFlag {
		// The earlier Cancel call saw a reservation with no ThreadID/
		// RunID yet and skipped its rollback; issue it now that both
		// exist so the runtime actually has something to roll back.
		c.issueRollback(ctx, userID, record)
	}

	// The stream outlives the caller's request, so it must not be torn
	// down when that request's context is cancelled.
	stream, err := c.runtime.Stream(context.WithoutCancel(ctx), threadID, runID)
	if err != nil {
		c.forget(userID)
		return nil, errors.Upstream("failed to open workflow event stream", err)
	}

	go c.drain(context.Background(), userID, record, stream)

	logger.RunController().Info().Str("user_id", userID).Str("run_id", runID).Msg("run started")
	return record, nil
}

// drain consumes the runtime's event stream, checking CancelFlag at
// every event boundary so cancellation is cooperative rather than
// preemptive: the flag is tested before each event is forwarded, and
// as soon as it is observed set the loop breaks on its own — it does
// not wait for the runtime to emit a matching terminal event. Each
// activity_complete event is published to the bus exactly once and
// also pushed to the client; terminal events end the run and release
// the active-run slot.
func (c *Controller) drain(ctx context.Context, userID string, record *models.RunRecord, stream <-chan WorkflowEvent) {
	for event := range stream {
		if c.isCancelled(userID) {
			c.sink.Push(userID, map[string]string{"type": string(EventCancelled), "run_id": record.RunID})
			c.history.record(&RunOutcome{RunRecord: record, Outcome: string(EventCancelled), EndedAt: time.Now().UTC()})
			c.forget(userID)
			logger.RunController().Info().Str("user_id", userID).Str("run_id", record.RunID).Msg("run cancelled")
			return
		}

		switch event.Type {
		case EventActivityComplete:
			if event.Activity != nil {
				event.Activity.UserID = userID
				if err := c.bus.Publish(ctx, event.Activity); err != nil {
					logger.RunController().Error().Err(err).Str("user_id", userID).Msg("failed to publish activity")
				}
				c.sink.Push(userID, event.Activity)
			}
		case EventCompleted:
			c.sink.Push(userID, map[string]string{"type": string(event.Type), "run_id": record.RunID})
			c.history.record(&RunOutcome{RunRecord: record, Outcome: string(event.Type), EndedAt: time.Now().UTC()})
			c.forget(userID)
			logger.RunController().Info().Str("user_id", userID).Str("run_id", record.RunID).Str("outcome", string(event.Type)).Msg("run ended")
			return
		case EventFailed:
			c.sink.Push(userID, map[string]string{"type": string(event.Type), "run_id": record.RunID})
			errDetail := ""
			if event.Err != nil {
				errDetail = event.Err.Error()
			}
			c.history.record(&RunOutcome{RunRecord: record, Outcome: string(event.Type), ErrorDetail: errDetail, EndedAt: time.Now().UTC()})
			c.forget(userID)
			logger.RunController().Error().Err(event.Err).Str("user_id", userID).Str("run_id", record.RunID).Msg("run failed")
			return
		}
	}
	// Stream closed without a terminal event: treat as a runtime error,
	// there are no controller-level retries.
	c.sink.Push(userID, map[string]string{"type": string(EventFailed), "run_id": record.RunID})
	c.history.record(&RunOutcome{RunRecord: record, Outcome: string(EventFailed), ErrorDetail: "event stream closed without a terminal event", EndedAt: time.Now().UTC()})
	c.forget(userID)
	logger.RunController().Error().Str("user_id", userID).Str("run_id", record.RunID).Msg("run failed: event stream closed without a terminal event")
}

func (c *Controller) isCancelled(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.active[userID]
	return ok && record.CancelFlag
}

func (c *Controller) forget(userID string) {
	c.mu.Lock()
	delete(c.active, userID)
	c.mu.Unlock()
}

// Cancel sets the CancelFlag on a user's active run, issues a
// best-effort rollback run, and immediately notifies the client that
// the run is stopping — actual termination happens at the next event
// boundary drain() observes, which breaks the stream loop itself and
// emits the terminal cancelled event. If the user has no active run,
// Cancel is a no-op: there is nothing to stop, so it is not an error.
func (c *Controller) Cancel(ctx context.Context, userID string) error {
	c.mu.Lock()
	record, exists := c.active[userID]
	alreadyCancelled := exists && record.CancelFlag
	if exists {
		record.CancelFlag = true
	}
	c.mu.Unlock()

	if !exists || alreadyCancelled {
		// Either there is nothing to cancel, or a prior Cancel already
		// set the flag and issued the rollback — a second call observes
		// the same in-flight cancellation.
		return nil
	}

	if record.ThreadID != "" {
		// A Cancel landing before CreateRun has even completed sees a
		// reservation with no ThreadID/RunID yet — there is nothing on
		// the runtime to roll back. start() reissues the rollback once
		// the record is filled in with real IDs.
		c.issueRollback(ctx, userID, record)
	}
	c.sink.Push(userID, map[string]string{"type": "stopping", "run_id": record.RunID})
	return nil
}

// issueRollback issues a best-effort rollback run on record's thread so
// the workflow runtime deletes the cancelled run from its own history.
// Failure is logged and swallowed: cancellation proceeds locally either
// way.
func (c *Controller) issueRollback(ctx context.Context, userID string, record *models.RunRecord) {
	rollbackID := uuid.NewString()
	if _, err := c.runtime.CreateRun(ctx, record.ThreadID, "rollback", map[string]interface{}{
		"cancelled_run_id": record.RunID,
		"rollback_id":      rollbackID,
	}); err != nil {
		logger.RunController().Warn().Err(err).Str("user_id", userID).Msg("best-effort rollback run failed to start")
	}
}

// Status returns the active RunRecord for a user, if any.
func (c *Controller) Status(userID string) (*models.RunRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.active[userID]
	return record, ok
}

// HistoryFor returns the terminal outcome of a completed run within
// this process's retention window, if it is still held.
func (c *Controller) HistoryFor(runID string) (*RunOutcome, bool) {
	return c.history.get(runID)
}
