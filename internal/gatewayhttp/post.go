package gatewayhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kagenti/mcp-gateway/internal/gwsession"
	"github.com/kagenti/mcp-gateway/internal/rpc"
)

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	h.Stats.totalRequests.Add(1)

	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		writeHandlerError(w, nil, NewHandlerError(http.StatusUnsupportedMediaType, rpc.CodeParseError, "Content-Type must be application/json"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeHandlerError(w, nil, NewHandlerError(http.StatusBadRequest, rpc.CodeParseError, "failed to read request body"))
		return
	}

	msg, kind, err := rpc.Parse(body)
	if err != nil {
		writeHandlerError(w, nil, NewHandlerError(http.StatusBadRequest, rpc.CodeParseError, "invalid JSON-RPC body"))
		return
	}
	if msg.JSONRPC != "2.0" {
		writeHandlerError(w, msg.ID, NewHandlerError(http.StatusBadRequest, rpc.CodeInvalidRequest, `jsonrpc must be "2.0"`))
		return
	}

	switch kind {
	case rpc.KindRequest:
		h.handleRequest(w, r, msg)
	case rpc.KindNotification:
		h.handleNotification(r, msg)
		w.WriteHeader(http.StatusAccepted)
	case rpc.KindResponse:
		h.handleClientResponse(r, msg)
		w.WriteHeader(http.StatusAccepted)
	default:
		writeHandlerError(w, msg.ID, NewHandlerError(http.StatusBadRequest, rpc.CodeInvalidRequest, "unrecognized message shape"))
	}
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request, msg *rpc.Message) {
	if msg.Method == "initialize" {
		h.handleInitialize(w, r, msg)
		return
	}

	sessionID := r.Header.Get(rpc.SessionIDHeader)
	var sess *gwsession.Session
	if sessionID != "" {
		var ok bool
		sess, ok = h.Sessions.Get(sessionID)
		if !ok {
			writeHandlerError(w, msg.ID, NewHandlerError(http.StatusNotFound, rpc.CodeMissingSessionID, "unknown Mcp-Session-Id"))
			return
		}
	}

	version, verr := h.validateProtocolVersion(r)
	if verr != nil {
		writeHandlerError(w, msg.ID, verr)
		return
	}

	if sess == nil {
		// Legacy fallback: serve against an ephemeral session rather than
		// reject outright, per spec.md §4.7 and the original gateway's
		// handle_legacy_request.
		sess = h.Sessions.Create()
	}

	h.Sessions.Touch(sess.ID)
	h.Sessions.SetProtocolVersion(sess.ID, version)

	result, callErr := h.dispatchMethod(r.Context(), sess, msg.Method, msg.ID, msg.Params)
	if callErr != nil {
		writeHandlerError(w, msg.ID, callErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rpc.Response(msg.ID, result))
}

func (h *Handler) handleNotification(r *http.Request, msg *rpc.Message) {
	sessionID := r.Header.Get(rpc.SessionIDHeader)
	if sessionID == "" {
		return
	}
	sess, ok := h.Sessions.Get(sessionID)
	if !ok {
		return
	}

	switch msg.Method {
	case "notifications/initialized":
		h.Sessions.MarkInitialized(sess.ID)
		if sess.SupportsRoots {
			go h.requestRoots(sess.ID)
		}
	case "notifications/roots/list_changed":
		if sess.RootsListChanged {
			go h.requestRoots(sess.ID)
		}
	}
}

func (h *Handler) handleClientResponse(r *http.Request, msg *rpc.Message) {
	sessionID := r.Header.Get(rpc.SessionIDHeader)
	if sessionID == "" || !msg.HasID() {
		return
	}
	requestID, ok := idToString(msg.ID)
	if !ok {
		return
	}

	var response json.RawMessage
	if msg.Error != nil {
		response, _ = json.Marshal(map[string]any{"error": msg.Error})
	} else {
		response, _ = json.Marshal(map[string]any{"result": msg.Result})
	}
	h.Channels.HandleClientResponse(sessionID, requestID, response)
}

// idToString extracts the bare request id used as the server-initiated
// request's pending-slot key. Gateway-issued ids (roots/list, etc.) are
// always JSON strings, so a client echoing one back unmarshals cleanly;
// any other shape means this response can't be matched to one of ours.
func idToString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
