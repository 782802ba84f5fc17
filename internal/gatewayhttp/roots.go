package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/kagenti/mcp-gateway/internal/gwsession"
)

const rootsListDeadline = 10 * time.Second

type rootEntry struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

type rootsListResult struct {
	Roots []rootEntry `json:"roots"`
}

// requestRoots runs the server->client roots/list round trip for one
// session, per spec.md §4.8's "roots/list server→client flow".
func (h *Handler) requestRoots(sessionID string) {
	reqID := fmt.Sprintf("gateway-roots-%s", uuid.NewString())
	h.Sessions.SetRootsState(sessionID, gwsession.RootsRequesting, reqID)

	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "roots/list",
	})

	ctx, cancel := context.WithTimeout(context.Background(), rootsListDeadline)
	defer cancel()

	raw, err := h.Channels.SendRequestAndWait(ctx, sessionID, reqID, payload)
	if err != nil {
		h.Sessions.MarkRootsTimedOut(sessionID)
		return
	}

	var decoded struct {
		Result *rootsListResult `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Result == nil || decoded.Error != nil {
		h.Sessions.MarkRootsTimedOut(sessionID)
		return
	}

	var paths []string
	for _, root := range decoded.Result.Roots {
		p, ok := uriToLocalPath(root.URI)
		if !ok {
			continue
		}
		paths = append(paths, p)
	}
	h.Sessions.SetRootsPaths(sessionID, paths)
}

// uriToLocalPath converts a "file:" URI to a local filesystem path. Any
// other scheme, or an unparseable URI, yields ("", false).
//
// url.Parse already percent-decodes (including multi-byte UTF-8) into
// u.Path; decoding it a second time would mangle any literal "%" in the
// original path (e.g. "/tmp/100%valid" round-trips through one decode to
// itself, but a second PathUnescape treats "%va" as a malformed escape and
// fails outright) and double-unescape genuinely encoded bytes, so u.Path is
// used as-is.
func uriToLocalPath(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	path := u.Path
	if path == "" {
		return "", false
	}
	if u.Host != "" && u.Host != "localhost" {
		path = "//" + u.Host + path
	}
	return path, true
}
