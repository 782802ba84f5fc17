package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kagenti/mcp-gateway/internal/rpc"
	"github.com/kagenti/mcp-gateway/internal/s2c"
)

// handleGet serves the SSE stream half of the Streamable HTTP transport,
// per spec.md §4.7's "GET /mcp — SSE stream".
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeHandlerError(w, nil, NewHandlerError(http.StatusNotAcceptable, rpc.CodeUnsupportedOrMissing, "Accept header must include text/event-stream"))
		return
	}

	sessionID := r.Header.Get(rpc.SessionIDHeader)
	if sessionID != "" && !h.Sessions.IsValid(sessionID) {
		writeHandlerError(w, nil, NewHandlerError(http.StatusNotFound, rpc.CodeMissingSessionID, "unknown Mcp-Session-Id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHandlerError(w, nil, NewHandlerError(http.StatusInternalServerError, 0, "streaming unsupported"))
		return
	}

	h.Stats.totalConnections.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if sessionID != "" {
		w.Header().Set(rpc.SessionIDHeader, sessionID)
	}
	w.WriteHeader(http.StatusOK)

	writeSSEEvent(w, uuid.NewString(), nil)
	flusher.Flush()

	var rx <-chan json.RawMessage
	if sessionID != "" {
		rx = h.Channels.RegisterChannel(sessionID, s2c.DefaultCapacity)
		defer h.cleanupStream(sessionID)
	}

	heartbeat := time.NewTicker(time.Duration(h.heartbeatSeconds()) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			if sessionID != "" {
				h.Sessions.Touch(sessionID)
			}
		case msg, ok := <-rx:
			if !ok {
				return
			}
			writeSSEEvent(w, uuid.NewString(), msg)
			flusher.Flush()
		}
	}
}

func (h *Handler) heartbeatSeconds() int {
	if h.HeartbeatSeconds <= 0 {
		return 30
	}
	return h.HeartbeatSeconds
}

// cleanupStream runs the guarded teardown on stream drop: unregister the
// C6 channel and remove the session, per spec.md §4.7.
func (h *Handler) cleanupStream(sessionID string) {
	h.Channels.UnregisterChannel(sessionID)
	h.Sessions.Remove(sessionID)
}

func writeSSEEvent(w http.ResponseWriter, id string, data json.RawMessage) {
	fmt.Fprintf(w, "id: %s\n", id)
	if len(data) == 0 {
		fmt.Fprint(w, "data: \n\n")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
