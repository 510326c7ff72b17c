package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DraftUpserted = "draft.upserted"
	DraftDeleted  = "draft.deleted"
)

// DraftEvent notifies subscribed editors that another session touched a
// draft in their workspace.
type DraftEvent struct {
	Type      string    `json:"type"`
	DraftKey  string    `json:"draftKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// eventHub fans draft events out to websocket subscribers per workspace.
// Slow subscribers drop events rather than stall the write path.
type eventHub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan DraftEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subscribers: map[string]map[chan DraftEvent]struct{}{}}
}

func (h *eventHub) subscribe(workspaceID string) chan DraftEvent {
	ch := make(chan DraftEvent, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[workspaceID] == nil {
		h.subscribers[workspaceID] = map[chan DraftEvent]struct{}{}
	}
	h.subscribers[workspaceID][ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(workspaceID string, ch chan DraftEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[workspaceID], ch)
	if len(h.subscribers[workspaceID]) == 0 {
		delete(h.subscribers, workspaceID)
	}
}

func (h *eventHub) broadcast(workspaceID string, event DraftEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[workspaceID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// handleDraftEvents upgrades the request to a websocket and streams draft
// events for the workspace until the client disconnects.
func (s *Server) handleDraftEvents(w http.ResponseWriter, r *http.Request, workspaceID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream terminated")

	ch := s.hub.subscribe(workspaceID)
	defer s.hub.unsubscribe(workspaceID, ch)

	// The feed is write-only; CloseRead surfaces a client disconnect as
	// context cancellation instead of waiting for the next write to fail.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
