package runcontroller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/models"
)

// activityPayload is the wire shape of an activity_complete event's
// payload, decoded into a models.ActivityEvent.
type activityPayload struct {
	Action  string                 `json:"action"`
	Status  string                 `json:"status"`
	Target  string                 `json:"target,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (p activityPayload) toModel() *models.ActivityEvent {
	return &models.ActivityEvent{
		Action:  models.ActivityAction(p.Action),
		Status:  models.ActivityStatus(p.Status),
		Target:  p.Target,
		Details: p.Details,
	}
}

// HTTPRuntime implements WorkflowRuntime against an externally hosted
// workflow execution service — the LLM/workflow graph runtime this
// control plane orchestrates but never interprets. It is the external
// collaborator boundary: thread/run creation are simple POSTs, and the
// event stream is a newline-delimited JSON response decoded into
// WorkflowEvent as it arrives.
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuntime builds an HTTPRuntime pointed at the workflow
// service's base URL.
func NewHTTPRuntime(baseURL string, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRuntime{baseURL: baseURL, client: client}
}

type createThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

func (r *HTTPRuntime) CreateThread(ctx context.Context, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/threads", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build create-thread request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create-thread request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create-thread rejected with status %d", resp.StatusCode)
	}

	var out createThreadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode create-thread response: %w", err)
	}
	return out.ThreadID, nil
}

type createRunResponse struct {
	RunID string `json:"run_id"`
}

func (r *HTTPRuntime) CreateRun(ctx context.Context, threadID, workflowName string, input map[string]interface{}) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"thread_id":     threadID,
		"workflow_name": workflowName,
		"input":         input,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build create-run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create-run request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create-run rejected with status %d", resp.StatusCode)
	}

	var out createRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode create-run response: %w", err)
	}
	return out.RunID, nil
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (r *HTTPRuntime) Stream(ctx context.Context, threadID, runID string) (<-chan WorkflowEvent, error) {
	url := fmt.Sprintf("%s/threads/%s/runs/%s/events", r.baseURL, threadID, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("stream request rejected with status %d", resp.StatusCode)
	}

	out := make(chan WorkflowEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var wire wireEvent
			if err := decoder.Decode(&wire); err != nil {
				if err.Error() != "EOF" {
					logger.RunController().Warn().Err(err).Str("run_id", runID).Msg("workflow event stream decode failed")
				}
				return
			}

			event := WorkflowEvent{Type: WorkflowEventType(wire.Type)}
			if wire.Error != "" {
				event.Err = fmt.Errorf("%s", wire.Error)
			}
			if wire.Type == string(EventActivityComplete) && len(wire.Payload) > 0 {
				var activity activityPayload
				if err := json.Unmarshal(wire.Payload, &activity); err == nil {
					event.Activity = activity.toModel()
				}
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
