package gatewayhttp

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kagenti/mcp-gateway/internal/aggregator"
	"github.com/kagenti/mcp-gateway/internal/gwconfig"
	"github.com/kagenti/mcp-gateway/internal/gwsession"
	"github.com/kagenti/mcp-gateway/internal/s2c"
)

// fakeUpstream answers the handful of JSON-RPC methods warmup and call
// routing exercise, playing the part of an HTTP-transport provider.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(body, &req)

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
				"result": map[string]any{
					"protocolVersion": "2025-03-26",
					"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
					"serverInfo":      map[string]any{"name": "upstream", "version": "0.0.1"},
				},
			})
		case "tools/list":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
				"result": map[string]any{"tools": []map[string]any{{"name": "echo"}}},
			})
		case "tools/call":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
				"result": map[string]any{"echoed": json.RawMessage(req.Params)},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]any{},
			})
		}
	}))
}

func newTestHandler(t *testing.T, bearerToken string) (*Handler, *httptest.Server) {
	t.Helper()
	upstream := fakeUpstream(t)
	t.Cleanup(upstream.Close)

	agg := aggregator.New(nil, slog.Default())
	require.NoError(t, agg.LoadProviders([]gwconfig.ProviderConfig{{
		ID: "p1", Name: "svc", Transport: gwconfig.TransportHTTP, URL: upstream.URL, Enabled: true,
	}}))
	report := agg.Warmup(t.Context())
	require.Equal(t, 1, report.Succeeded)

	h := New(agg, gwsession.New(), s2c.NewManager(nil), bearerToken)
	return h, upstream
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestInitializeIssuesSessionID(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/mcp", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-03-26", "clientInfo": map[string]any{"name": "t", "version": "1"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))
}

func TestToolsListAndCallRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	initResp := doJSON(t, srv, http.MethodPost, "/mcp", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	sessionID := initResp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	listResp := doJSON(t, srv, http.MethodPost, "/mcp", map[string]string{"Mcp-Session-Id": sessionID}, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	})
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var listBody struct {
		Result struct {
			Tools []map[string]any `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listBody))
	require.Len(t, listBody.Result.Tools, 1)
	require.Equal(t, "svc/echo", listBody.Result.Tools[0]["name"])

	callResp := doJSON(t, srv, http.MethodPost, "/mcp", map[string]string{"Mcp-Session-Id": sessionID}, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": map[string]any{"name": "svc/echo", "arguments": map[string]any{"x": 1}},
	})
	require.Equal(t, http.StatusOK, callResp.StatusCode)
	var callBody struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.NewDecoder(callResp.Body).Decode(&callBody))
	require.Contains(t, string(callBody.Result), "echoed")
}

func TestUnknownSessionOnPostIs404(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/mcp", map[string]string{"Mcp-Session-Id": "ghost"}, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLegacyRequestWithoutSessionIDIsServed(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/mcp", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Mcp-Session-Id"))
}

func TestMissingBearerTokenIsUnauthorized(t *testing.T) {
	h, _ := newTestHandler(t, "secret")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/mcp", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := doJSON(t, srv, http.MethodPost, "/mcp", map[string]string{"Authorization": "Bearer secret"}, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestOriginRejected(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/mcp", map[string]string{"Origin": "https://evil.example"}, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnsupportedProtocolVersionRejected(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	initResp := doJSON(t, srv, http.MethodPost, "/mcp", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	sessionID := initResp.Header.Get("Mcp-Session-Id")

	resp := doJSON(t, srv, http.MethodPost, "/mcp",
		map[string]string{"Mcp-Session-Id": sessionID, "Mcp-Protocol-Version": "1999-01-01"},
		map[string]any{"jsonrpc": "2.0", "id": 2, "method": "ping"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteRemovesSession(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	initResp := doJSON(t, srv, http.MethodPost, "/mcp", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	sessionID := initResp.Header.Get("Mcp-Session-Id")

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	delReq.Header.Set("Mcp-Session-Id", sessionID)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	delReq2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	delReq2.Header.Set("Mcp-Session-Id", sessionID)
	delResp2, err := http.DefaultClient.Do(delReq2)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, delResp2.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
