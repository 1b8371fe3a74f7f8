// Package session implements the Session Manager: getOrCreate
// rendezvous, idle-TTL reaping, and the explicit starting/running/
// stopped state machine for a user's browser automation session.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilothq/controlplane/internal/cache"
	"github.com/pilothq/controlplane/internal/credentials"
	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/models"
)

// RuntimeAllocator provisions and tears down the isolated runtime
// instance (a browser automation sandbox) a Session runs in. The
// Kubernetes-backed implementation lives in session/k8s_allocator.go.
type RuntimeAllocator interface {
	Allocate(ctx context.Context, userID string) (jobHandle, endpoint string, err error)
	Terminate(ctx context.Context, jobHandle string) error
}

// CredentialInjector pushes decrypted credentials into a freshly
// allocated runtime instance so the browser starts already signed in.
type CredentialInjector interface {
	Inject(ctx context.Context, endpoint string, creds *models.BrowserCredentials) error
}

// Manager implements getOrCreate/touch/terminate/list and the
// background reaper.
type Manager struct {
	sessions  *db.SessionsDB
	creds     *credentials.Store
	allocator RuntimeAllocator
	injector  CredentialInjector
	lock      *cache.Cache // may be disabled; falls back to localLocks

	idleTTL       time.Duration
	warmupTimeout time.Duration

	localLocks sync.Map // userID -> *sync.Mutex, used when lock.IsEnabled() is false
}

// NewManager wires a Session Manager from its collaborators.
func NewManager(sessions *db.SessionsDB, creds *credentials.Store, allocator RuntimeAllocator,
	injector CredentialInjector, lock *cache.Cache, idleTTL, warmupTimeout time.Duration) *Manager {
	return &Manager{
		sessions:      sessions,
		creds:         creds,
		allocator:     allocator,
		injector:      injector,
		lock:          lock,
		idleTTL:       idleTTL,
		warmupTimeout: warmupTimeout,
	}
}

// unlockFunc releases a rendezvous lock acquired by acquireUserLock.
type unlockFunc func()

// acquireUserLock serializes getOrCreate calls for the same user so
// concurrent callers rendezvous on a single session instead of each
// allocating their own. Redis SetNX is used when available so this
// holds across replicas; a process-local mutex is the single-instance
// fallback.
func (m *Manager) acquireUserLock(ctx context.Context, userID string) (unlockFunc, error) {
	if m.lock != nil && m.lock.IsEnabled() {
		key := cache.SessionLockKey(userID)
		deadline := time.Now().Add(m.warmupTimeout)
		for {
			acquired, err := m.lock.SetNX(ctx, key, "1", m.warmupTimeout)
			if err != nil {
				return nil, errors.Upstream("failed to acquire session lock", err)
			}
			if acquired {
				return func() { _ = m.lock.Delete(context.Background(), key) }, nil
			}
			if time.Now().After(deadline) {
				return nil, errors.Timeout("timed out waiting for session rendezvous lock")
			}
			select {
			case <-ctx.Done():
				return nil, errors.Timeout("context cancelled waiting for session rendezvous lock")
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	value, _ := m.localLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

// GetOrCreate implements the getOrCreate algorithm:
//  1. rendezvous on a per-user lock so concurrent callers share one session
//  2. return the existing starting/running session if one exists
//  3. require stored credentials (NoCredentials otherwise)
//  4. allocate an isolated runtime instance
//  5. inject credentials and mark the session running within the
//     bounded warmup window, recording it as starting in the meantime
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*models.Session, error) {
	unlock, err := m.acquireUserLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := m.sessions.GetActiveForUser(ctx, userID); err == nil {
		return existing, nil
	}

	precheck, err := m.creds.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !precheck.StaleAfter.IsZero() && precheck.StaleAfter.Before(time.Now()) {
		logger.Session().Warn().Str("user_id", userID).Time("stale_after", precheck.StaleAfter).
			Msg("stored credentials are past their staleness hint, session may fail to authenticate")
	}

	jobHandle, endpoint, err := m.allocator.Allocate(ctx, userID)
	if err != nil {
		return nil, errors.Upstream("failed to allocate runtime instance", err)
	}

	sess := &models.Session{
		SessionID: uuid.New().String(),
		UserID:    userID,
		Endpoint:  endpoint,
		JobHandle: jobHandle,
		Status:    models.SessionStarting,
		CreatedAt: time.Now().UTC(),
		LastTouch: time.Now().UTC(),
		IdleTTL:   m.idleTTL,
	}
	if err := m.sessions.Upsert(ctx, sess); err != nil {
		_ = m.allocator.Terminate(context.Background(), jobHandle)
		return nil, errors.Database(err)
	}

	warmupCtx, cancel := context.WithTimeout(ctx, m.warmupTimeout)
	defer cancel()

	creds, err := m.creds.Get(ctx, userID)
	if err == nil {
		err = m.injector.Inject(warmupCtx, endpoint, creds)
	}
	if err != nil {
		logger.Session().Error().Err(err).Str("user_id", userID).Msg("credential injection failed during warmup")
		_ = m.sessions.UpdateStatus(context.Background(), sess.SessionID, models.SessionStopped)
		_ = m.allocator.Terminate(context.Background(), jobHandle)
		return nil, errors.Upstream("failed to inject credentials into runtime instance", err)
	}

	sess.Status = models.SessionRunning
	if err := m.sessions.UpdateStatus(ctx, sess.SessionID, models.SessionRunning); err != nil {
		return nil, errors.Database(err)
	}

	logger.Session().Info().Str("user_id", userID).Str("session_id", sess.SessionID).Msg("session running")
	return sess, nil
}

// Touch refreshes a session's idle-TTL clock.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	if err := m.sessions.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
		return errors.Database(err)
	}
	return nil
}

// Terminate tears down the runtime instance and marks the session
// stopped. userID must match the session's owner; a mismatch is
// reported as NotFound rather than Forbidden so a caller can't use it
// to probe for another user's session IDs.
func (m *Manager) Terminate(ctx context.Context, userID, sessionID string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil || sess.UserID != userID {
		return errors.NotFound(fmt.Sprintf("session %s", sessionID))
	}
	if err := m.allocator.Terminate(ctx, sess.JobHandle); err != nil {
		logger.Session().Warn().Err(err).Str("session_id", sessionID).Msg("runtime termination failed")
	}
	if err := m.sessions.UpdateStatus(ctx, sessionID, models.SessionStopped); err != nil {
		return errors.Database(err)
	}
	return nil
}

// List returns every session ever created for a user.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.Session, error) {
	sessions, err := m.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, errors.Database(err)
	}
	return sessions, nil
}

// ReapOnce scans for sessions whose idle TTL has elapsed and
// terminates them. Call on a fixed cadence from a background goroutine
// (see StartReaper).
func (m *Manager) ReapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.idleTTL)
	idle, err := m.sessions.ListRunningOlderThan(ctx, cutoff)
	if err != nil {
		logger.Session().Error().Err(err).Msg("reaper scan failed")
		return
	}
	for _, sess := range idle {
		if err := m.Terminate(ctx, sess.UserID, sess.SessionID); err != nil {
			logger.Session().Error().Err(err).Str("session_id", sess.SessionID).Msg("reaper termination failed")
			continue
		}
		logger.Session().Info().Str("session_id", sess.SessionID).Str("user_id", sess.UserID).Msg("session reaped on idle TTL")
	}
}

// StartReaper runs ReapOnce on a fixed cadence until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapOnce(ctx)
		}
	}
}
