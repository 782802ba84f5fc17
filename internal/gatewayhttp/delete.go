package gatewayhttp

import (
	"net/http"

	"github.com/kagenti/mcp-gateway/internal/rpc"
)

// handleDelete terminates a session, per spec.md §4.7's "DELETE /mcp".
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(rpc.SessionIDHeader)
	if sessionID == "" {
		writeHandlerError(w, nil, NewHandlerError(http.StatusBadRequest, rpc.CodeMissingSessionID, "missing Mcp-Session-Id"))
		return
	}
	if !h.Sessions.IsValid(sessionID) {
		writeHandlerError(w, nil, NewHandlerError(http.StatusNotFound, rpc.CodeMissingSessionID, "unknown Mcp-Session-Id"))
		return
	}
	h.Sessions.Remove(sessionID)
	w.WriteHeader(http.StatusOK)
}
