package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kagenti/mcp-gateway/internal/gwconfig"
	"github.com/kagenti/mcp-gateway/internal/policy"
)

func TestNameRoundTrip(t *testing.T) {
	agg := BuildAggregatedToolName("git", "status")
	require.Equal(t, "git/status", agg)
	svc, name, ok := ParseAggregatedToolName(agg)
	require.True(t, ok)
	require.Equal(t, "git", svc)
	require.Equal(t, "status", name)

	_, _, ok = ParseAggregatedToolName("no-separator")
	require.False(t, ok)
}

func TestURIRoundTrip(t *testing.T) {
	agg := BuildPrefixedURI("git", "file:///repo/README.md")
	require.Equal(t, "git:::file:///repo/README.md", agg)
	svc, uri, ok := ParsePrefixedURI(agg)
	require.True(t, ok)
	require.Equal(t, "git", svc)
	require.Equal(t, "file:///repo/README.md", uri)

	_, _, ok = ParsePrefixedURI("no-separator")
	require.False(t, ok)
}

// fakeTransport is a whitebox double satisfying Transport, letting tests
// drive call routing without a real subprocess or HTTP server.
type fakeTransport struct {
	respond func(method string, params json.RawMessage) (json.RawMessage, error)
}

func (f *fakeTransport) Send(_ context.Context, payload []byte) (json.RawMessage, error) {
	var env struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	result, err := f.respond(env.Method, env.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(env.ID), "result": result})
}

func (f *fakeTransport) SendNotification(context.Context, []byte) error { return nil }

func twoProviderAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a := New(nil, nil)

	gitCfg := gwconfig.ProviderConfig{ID: "p1", Name: "git", Transport: gwconfig.TransportStdio, Enabled: true}
	fsCfg := gwconfig.ProviderConfig{ID: "p2", Name: "fs", Transport: gwconfig.TransportHTTP, Enabled: true}
	require.NoError(t, a.LoadProviders([]gwconfig.ProviderConfig{gitCfg, fsCfg}))

	a.caches["p1"] = &ServiceCache{
		ServiceID: "p1", ServiceName: "git", Initialized: true,
		Tools: []AggregatedTool{
			{Name: "git/status", OriginalName: "status", ServiceID: "p1", ServiceName: "git"},
			{Name: "git/log", OriginalName: "log", ServiceID: "p1", ServiceName: "git"},
		},
		Resources: []AggregatedResource{
			{URI: "git:::file:///repo/README.md", OriginalURI: "file:///repo/README.md", ServiceID: "p1", ServiceName: "git"},
		},
	}
	a.caches["p2"] = &ServiceCache{
		ServiceID: "p2", ServiceName: "fs", Initialized: true,
		Tools: []AggregatedTool{
			{Name: "fs/read", OriginalName: "read", ServiceID: "p2", ServiceName: "fs"},
		},
	}

	return a
}

func TestListToolsUnion(t *testing.T) {
	a := twoProviderAggregator(t)
	tools := a.ListTools(nil, nil)
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
	}
	require.ElementsMatch(t, []string{"git/status", "git/log", "fs/read"}, names)
}

func TestListToolsServiceIDFilter(t *testing.T) {
	a := twoProviderAggregator(t)
	allowed := map[string]struct{}{"p1": {}}
	tools := a.ListTools(allowed, nil)
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
	}
	require.ElementsMatch(t, []string{"git/status", "git/log"}, names)
}

func TestListToolsPolicyFilter(t *testing.T) {
	a := twoProviderAggregator(t)
	policies := map[string]policy.ToolPolicy{
		"p1": {Mode: policy.ModeAllowList, Allow: []string{"status"}},
	}
	tools := a.ListTools(nil, policies)
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
	}
	require.ElementsMatch(t, []string{"git/status", "fs/read"}, names)
}

func TestCallToolRouting(t *testing.T) {
	a := twoProviderAggregator(t)
	var gotMethod, gotOriginal string
	a.transports["p1"] = &fakeTransport{respond: func(method string, params json.RawMessage) (json.RawMessage, error) {
		gotMethod = method
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &p)
		gotOriginal = p.Name
		return json.Marshal(map[string]any{"output": "clean"})
	}}

	result, callErr := a.CallTool(context.Background(), json.RawMessage("2"), "git/status", json.RawMessage(`{}`), nil)
	require.Nil(t, callErr)
	require.Equal(t, "tools/call", gotMethod)
	require.Equal(t, "status", gotOriginal)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(result, &decoded))
	require.Equal(t, "clean", decoded["output"])
}

func TestCallToolBadName(t *testing.T) {
	a := twoProviderAggregator(t)
	_, callErr := a.CallTool(context.Background(), json.RawMessage("1"), "no-slash", nil, nil)
	require.NotNil(t, callErr)
	require.Equal(t, -32602, callErr.Code)
}

func TestCallToolProjectFiltering(t *testing.T) {
	a := twoProviderAggregator(t)
	allowed := map[string]struct{}{"p1": {}}

	_, callErr := a.CallTool(context.Background(), json.RawMessage("1"), "fs/read", nil, allowed)
	require.NotNil(t, callErr)
	require.Contains(t, callErr.Message, "not available in current project context")
}

func TestCallToolUpstreamErrorPassthrough(t *testing.T) {
	a := twoProviderAggregator(t)
	a.transports["p1"] = &fakeTransport{respond: func(string, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	}}

	_, callErr := a.CallTool(context.Background(), json.RawMessage("1"), "git/status", nil, nil)
	require.NotNil(t, callErr)
	require.Equal(t, -32603, callErr.Code)
}

func TestReadResourceRouting(t *testing.T) {
	a := twoProviderAggregator(t)
	var gotURI string
	a.transports["p1"] = &fakeTransport{respond: func(method string, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(params, &p)
		gotURI = p.URI
		return json.Marshal(map[string]any{"contents": []any{}})
	}}

	_, callErr := a.ReadResource(context.Background(), json.RawMessage("1"), "git:::file:///repo/README.md", nil)
	require.Nil(t, callErr)
	require.Equal(t, "file:///repo/README.md", gotURI)
}

func TestCallToolTimeout(t *testing.T) {
	a := twoProviderAggregator(t)
	a.transports["p1"] = &fakeTransport{respond: func(method string, params json.RawMessage) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return json.Marshal(map[string]any{})
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()

	_, callErr := a.CallTool(ctx, json.RawMessage("1"), "git/status", nil, nil)
	require.NotNil(t, callErr)
	require.Equal(t, -32603, callErr.Code)
}

// fakeWarmupTransport answers the initialize/tools-list sequence UpdateService
// drives through RefreshService, playing the part of a freshly declared
// provider's transport.
func fakeWarmupTransport() *fakeTransport {
	return &fakeTransport{respond: func(method string, _ json.RawMessage) (json.RawMessage, error) {
		switch method {
		case "initialize":
			return json.Marshal(map[string]any{
				"protocolVersion": "2025-03-26",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "newsvc", "version": "0.0.1"},
			})
		case "tools/list":
			return json.Marshal(map[string]any{"tools": []map[string]any{{"name": "build"}}})
		default:
			return json.Marshal(map[string]any{})
		}
	}}
}

func TestUpdateServiceWarmsUpAndPublishesCache(t *testing.T) {
	a := New(nil, nil)
	cfg := gwconfig.ProviderConfig{ID: "p3", Name: "newsvc", Transport: gwconfig.TransportStdio, Enabled: true}

	// Pre-seed the transport so transportFor reuses it instead of spawning a
	// real subprocess.
	a.transports["p3"] = fakeWarmupTransport()

	require.NoError(t, a.UpdateService(context.Background(), cfg))

	sc, ok := a.cacheFor("p3")
	require.True(t, ok)
	require.True(t, sc.Initialized)
	require.Len(t, sc.Tools, 1)
	require.Equal(t, "newsvc/build", sc.Tools[0].Name)

	tools := a.ListTools(nil, nil)
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
	}
	require.Contains(t, names, "newsvc/build")
}

func TestUpdateServiceDisablingDropsCache(t *testing.T) {
	a := twoProviderAggregator(t)
	cfg, ok := a.configFor("p1")
	require.True(t, ok)
	cfg.Enabled = false

	require.NoError(t, a.UpdateService(context.Background(), cfg))

	_, ok = a.cacheFor("p1")
	require.False(t, ok)

	tools := a.ListTools(nil, nil)
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
	}
	require.NotContains(t, names, "git/status")
}
