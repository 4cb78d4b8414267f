package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// watchWriteTimeout bounds a single websocket write.
const watchWriteTimeout = 5 * time.Second

// Watch message types.
const (
	WatchSnapshot = "snapshot"
	WatchEvent    = "event"
	WatchError    = "error"
)

// WatchMessage is one frame of the session watch stream.
type WatchMessage struct {
	Type    string                 `json:"type"`
	From    domain.Status          `json:"from,omitempty"`
	Session *domain.PaymentSession `json:"session,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Code    string                 `json:"code,omitempty"`
}

// WatchSession streams a session's status changes over a websocket: a
// snapshot first, then one event per transition until the session reaches a
// terminal status or the client goes away.
func (h *Handler) WatchSession(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "session watch is disabled")
		return
	}
	sessionID := chi.URLParam(r, "id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "watch ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	// Peer close frames cancel ctx.
	ctx := ws.CloseRead(r.Context())

	evs, unsubscribe, err := h.broker.Subscribe(ctx, sessionID)
	if err != nil {
		h.logger.Warn("Failed to subscribe to session events", "session_id", sessionID, "error", err)
		h.writeWatch(ctx, ws, WatchMessage{Type: WatchError, Error: "events unavailable", Code: domain.CodeNetworkUnavailable})
		return
	}
	defer unsubscribe()

	session, err := h.svc.GetSession(ctx, sessionID)
	if err != nil {
		h.writeWatch(ctx, ws, WatchMessage{Type: WatchError, Error: err.Error(), Code: domain.CodeOf(err)})
		return
	}
	if err := h.writeWatch(ctx, ws, WatchMessage{Type: WatchSnapshot, Session: session}); err != nil {
		return
	}
	if session.Status.IsTerminal() {
		return
	}

	cursor := watchCursor{status: session.Status, at: session.UpdatedAt}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if !cursor.advance(ev) {
				continue
			}
			s := ev.Session
			if err := h.writeWatch(ctx, ws, WatchMessage{Type: WatchEvent, From: ev.From, Session: &s}); err != nil {
				return
			}
			if ev.To.IsTerminal() {
				return
			}
		}
	}
}

// watchCursor tracks the last state sent to a watcher. Statuses only move
// forward, so an event landing on the status already sent is a duplicate of
// the snapshot or of an earlier event.
type watchCursor struct {
	status domain.Status
	at     time.Time
}

func (c *watchCursor) advance(ev domain.SessionEvent) bool {
	if ev.To == c.status || ev.Session.UpdatedAt.Before(c.at) {
		return false
	}
	c.status = ev.To
	c.at = ev.Session.UpdatedAt
	return true
}

func (h *Handler) writeWatch(ctx context.Context, ws *websocket.Conn, msg WatchMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, msg); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
