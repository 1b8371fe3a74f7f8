package runcontroller

import (
	"sync"
	"time"

	"github.com/pilothq/controlplane/internal/models"
)

const historyCapacity = 500

// RunOutcome is the terminal record kept for a completed run, queryable
// for a short retention window after Status() stops reporting it as
// active.
type RunOutcome struct {
	RunRecord   *models.RunRecord
	Outcome     string
	ErrorDetail string
	EndedAt     time.Time
}

// runHistory is a fixed-capacity ring buffer of completed runs, indexed
// by RunID for point lookups.
type runHistory struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*RunOutcome
}

func newRunHistory() *runHistory {
	return &runHistory{byID: make(map[string]*RunOutcome)}
}

func (h *runHistory) record(outcome *RunOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	runID := outcome.RunRecord.RunID
	if _, exists := h.byID[runID]; !exists {
		h.order = append(h.order, runID)
	}
	h.byID[runID] = outcome

	for len(h.order) > historyCapacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.byID, oldest)
	}
}

func (h *runHistory) get(runID string) (*RunOutcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	outcome, ok := h.byID[runID]
	return outcome, ok
}
