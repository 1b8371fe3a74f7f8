package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/pilothq/controlplane/internal/models"
)

// HTTPInjector pushes a user's decrypted credential payload into a
// freshly allocated runtime instance over its local injection
// endpoint. The payload is opaque to the control plane; only the
// runtime instance interprets it.
type HTTPInjector struct {
	client *http.Client
}

// NewHTTPInjector builds an HTTPInjector.
func NewHTTPInjector(client *http.Client) *HTTPInjector {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInjector{client: client}
}

// Inject posts the credential payload to the runtime instance's
// well-known injection path.
func (h *HTTPInjector) Inject(ctx context.Context, endpoint string, creds *models.BrowserCredentials) error {
	url := fmt.Sprintf("http://%s/internal/credentials", endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(creds.Payload))
	if err != nil {
		return fmt.Errorf("failed to build injection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("credential injection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("credential injection rejected with status %d", resp.StatusCode)
	}
	return nil
}
