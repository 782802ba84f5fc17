// Package aggregator implements C4: the provider config table, per-provider
// catalog cache, warmup/refresh sweep, and call routing for tools/call,
// resources/read, and prompts/get.
package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Capabilities mirrors the subset of mcp.ServerCapabilities the aggregator
// cares about, parsed out of the initialize response.
type Capabilities struct {
	Tools                bool
	ToolsListChanged     bool
	Resources            bool
	ResourcesSubscribe   bool
	ResourcesListChanged bool
	Prompts              bool
	PromptsListChanged   bool
}

func capabilitiesFrom(sc mcp.ServerCapabilities) Capabilities {
	c := Capabilities{}
	if sc.Tools != nil {
		c.Tools = true
		c.ToolsListChanged = sc.Tools.ListChanged
	}
	if sc.Resources != nil {
		c.Resources = true
		c.ResourcesSubscribe = sc.Resources.Subscribe
		c.ResourcesListChanged = sc.Resources.ListChanged
	}
	if sc.Prompts != nil {
		c.Prompts = true
		c.PromptsListChanged = sc.Prompts.ListChanged
	}
	return c
}

// AggregatedTool is an outward-facing tool catalog entry. Name is the
// namespaced "{service_name}/{original_name}" identifier; OriginalName is
// passed through to the upstream call unprefixed.
type AggregatedTool struct {
	Name         string
	OriginalName string
	ServiceID    string
	ServiceName  string
	Tool         mcp.Tool
}

// AggregatedResource is an outward-facing resource catalog entry. URI is
// the namespaced "{service_name}:::{original_uri}" identifier.
type AggregatedResource struct {
	URI         string
	OriginalURI string
	ServiceID   string
	ServiceName string
	Resource    mcp.Resource
}

// AggregatedPrompt is an outward-facing prompt catalog entry.
type AggregatedPrompt struct {
	Name         string
	OriginalName string
	ServiceID    string
	ServiceName  string
	Prompt       mcp.Prompt
}

// ServiceCache is the runtime state cached for one provider. Per spec.md
// §3, if Initialized is false the entry contributes nothing to aggregated
// listings; if true, all three catalogs reflect the most recent successful
// fetch atomically.
type ServiceCache struct {
	ServiceID    string
	ServiceName  string
	Capabilities Capabilities
	Tools        []AggregatedTool
	Resources    []AggregatedResource
	Prompts      []AggregatedPrompt
	Initialized  bool
	LastUpdated  time.Time
	Error        string
}

// WarmupReport summarizes a warmup or refresh-all sweep.
type WarmupReport struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    []WarmupError
}

// WarmupError names one provider's warmup failure.
type WarmupError struct {
	ServiceName string
	Message     string
}

// Transport is the interface both upstream transports (subprocess, httpsse)
// satisfy: a request/response round trip correlated by the id embedded in
// payload, plus a fire-and-forget notification.
type Transport interface {
	Send(ctx context.Context, payload []byte) (json.RawMessage, error)
	SendNotification(ctx context.Context, payload []byte) error
}
