// Package bridge implements the Extension Bridge: one persistent
// WebSocket connection per user, a request/response protocol layered
// on top of it, and alert frames routed to the Activity Event Bus.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
)

// AlertHandler is invoked for every inbound frame that carries no
// request_id — these are unsolicited reports from the extension,
// routed to the Activity Event Bus.
type AlertHandler func(userID string, frame Frame)

// Frame is the wire format exchanged with the browser extension.
type Frame struct {
	RequestID string          `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// connection wraps one user's live WebSocket.
type connection struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

const pendingShards = 16

type pendingRequest struct {
	userID string
	result chan Frame
}

// Hub is the Extension Bridge's connection registry and pending-request
// table.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*connection

	pendingMu [pendingShards]sync.Mutex
	pending   [pendingShards]map[string]*pendingRequest

	onAlert AlertHandler
}

// NewHub builds an empty Hub.
func NewHub(onAlert AlertHandler) *Hub {
	h := &Hub{
		connections: make(map[string]*connection),
		onAlert:     onAlert,
	}
	for i := range h.pending {
		h.pending[i] = make(map[string]*pendingRequest)
	}
	return h
}

func shardFor(requestID string) int {
	var sum int
	for _, r := range requestID {
		sum += int(r)
	}
	return sum % pendingShards
}

// Connect registers a user's WebSocket connection, superseding and
// closing any prior connection for the same user, and starts the
// connection's write pump.
func (h *Hub) Connect(userID string, conn *websocket.Conn) {
	c := &connection{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if prior, ok := h.connections[userID]; ok {
		close(prior.done)
		_ = prior.conn.Close()
	}
	h.connections[userID] = c
	h.mu.Unlock()

	go h.writePump(c)
	logger.Bridge().Info().Str("user_id", userID).Msg("extension connected")
}

// Disconnect unregisters a user's connection and fails out every
// pending request for that user immediately.
func (h *Hub) Disconnect(userID string) {
	h.mu.Lock()
	c, ok := h.connections[userID]
	if ok {
		delete(h.connections, userID)
		close(c.done)
	}
	h.mu.Unlock()

	h.failPendingForUser(userID)
	logger.Bridge().Info().Str("user_id", userID).Msg("extension disconnected")
}

func (h *Hub) failPendingForUser(userID string) {
	for i := range h.pending {
		h.pendingMu[i].Lock()
		for reqID, pr := range h.pending[i] {
			if pr.userID == userID {
				close(pr.result)
				delete(h.pending[i], reqID)
			}
		}
		h.pendingMu[i].Unlock()
	}
}

func (h *Hub) writePump(c *connection) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Bridge().Warn().Err(err).Str("user_id", c.userID).Msg("write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// OnFrame handles an inbound frame from a user's extension. A frame
// carrying a request_id is correlated to its pending request, or
// discarded if none is pending (e.g. a late response after a timeout);
// a frame without a request_id is an alert forwarded to the Activity
// Event Bus.
func (h *Hub) OnFrame(userID string, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logger.Bridge().Warn().Err(err).Str("user_id", userID).Msg("malformed frame discarded")
		return
	}

	if frame.RequestID != "" {
		shard := shardFor(frame.RequestID)
		h.pendingMu[shard].Lock()
		pr, ok := h.pending[shard][frame.RequestID]
		if ok {
			delete(h.pending[shard], frame.RequestID)
		}
		h.pendingMu[shard].Unlock()

		if ok {
			select {
			case pr.result <- frame:
			default:
				// The caller already timed out and stopped listening;
				// the late response is discarded.
			}
			return
		}
		// No pending request carries this id any more (typically a
		// response arriving after Send timed out): discard it.
		logger.Bridge().Debug().Str("user_id", userID).Str("request_id", frame.RequestID).Msg("response for unknown or expired request discarded")
		return
	}

	if h.onAlert != nil {
		h.onAlert(userID, frame)
	}
}

// Send implements the bridge's 5-step request/response protocol: mint
// a fresh RequestID, register a one-shot completion, write the frame,
// and wait for either a correlated reply or the timeout, discarding any
// response that arrives after the deadline.
func (h *Hub) Send(ctx context.Context, userID, frameType string, payload interface{}, timeout time.Duration) (Frame, error) {
	h.mu.RLock()
	c, connected := h.connections[userID]
	h.mu.RUnlock()
	if !connected {
		return Frame{}, errors.NotConnected(userID)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.InternalServer(fmt.Sprintf("failed to marshal payload: %v", err))
	}

	requestID := uuid.New().String()
	frame := Frame{RequestID: requestID, Type: frameType, Payload: payloadBytes}
	raw, err := json.Marshal(frame)
	if err != nil {
		return Frame{}, errors.InternalServer(fmt.Sprintf("failed to marshal frame: %v", err))
	}

	pr := &pendingRequest{userID: userID, result: make(chan Frame, 1)}
	shard := shardFor(requestID)
	h.pendingMu[shard].Lock()
	h.pending[shard][requestID] = pr
	h.pendingMu[shard].Unlock()

	cleanup := func() {
		h.pendingMu[shard].Lock()
		delete(h.pending[shard], requestID)
		h.pendingMu[shard].Unlock()
	}

	select {
	case c.send <- raw:
	default:
		cleanup()
		return Frame{}, errors.Upstream("extension send buffer full", nil)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case frame, ok := <-pr.result:
		if !ok {
			return Frame{}, errors.NotConnected(userID)
		}
		return frame, nil
	case <-c.done:
		cleanup()
		return Frame{}, errors.NotConnected(userID)
	case <-timeoutCtx.Done():
		cleanup()
		return Frame{}, errors.Timeout(fmt.Sprintf("extension request to user %s timed out", userID))
	}
}

// IsConnected reports whether a user currently has a live connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[userID]
	return ok
}
