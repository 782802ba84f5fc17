package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/kagenti/mcp-gateway/internal/rpc"
)

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Roots *struct {
			ListChanged bool `json:"listChanged"`
		} `json:"roots"`
	} `json:"capabilities"`
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// handleInitialize creates a new session and answers with the fixed
// capability block, per spec.md §4.7 step 1 and §6.2's initialize row.
func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, msg *rpc.Message) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeHandlerError(w, msg.ID, NewHandlerError(http.StatusBadRequest, rpc.CodeInvalidParams, "invalid initialize params"))
			return
		}
	}

	version := params.ProtocolVersion
	if version == "" {
		version = rpc.ProtocolVersion
	}

	sess := h.Sessions.Create()
	supportsRoots := params.Capabilities.Roots != nil
	listChanged := supportsRoots && params.Capabilities.Roots.ListChanged
	h.Sessions.SetRootsCapability(sess.ID, supportsRoots, listChanged)
	h.Sessions.SetProtocolVersion(sess.ID, version)

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": true, "listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "mcp-gateway",
			"version": "0.1.0",
		},
	}

	w.Header().Set(rpc.SessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rpc.Response(msg.ID, result))
}
