package aggregator

import "github.com/kagenti/mcp-gateway/internal/policy"

// Snapshot returns every known service's cache entry, for status reporting.
func (a *Aggregator) Snapshot() []*ServiceCache {
	return a.allCaches()
}

// EnabledServiceIDs returns the id of every enabled provider, for callers (e.g. the
// HTTP handler) that need the full candidate set before asking a
// policy.PolicyResolver for per-provider tool policies.
func (a *Aggregator) EnabledServiceIDs() []string {
	configs := a.allConfigs()
	out := make([]string, 0, len(configs))
	for _, c := range configs {
		if c.Enabled {
			out = append(out, c.ID)
		}
	}
	return out
}

// ListTools implements spec.md §4.4's list_tools: enumerate initialized
// caches, apply the optional service-id filter, then the optional
// per-provider ToolPolicy filter on original names.
func (a *Aggregator) ListTools(allowedServiceIDs map[string]struct{}, policies map[string]policy.ToolPolicy) []AggregatedTool {
	var out []AggregatedTool
	for _, sc := range a.allCaches() {
		if !sc.Initialized {
			continue
		}
		if allowedServiceIDs != nil {
			if _, ok := allowedServiceIDs[sc.ServiceID]; !ok {
				continue
			}
		}
		pol, hasPolicy := policies[sc.ServiceID]
		for _, t := range sc.Tools {
			if hasPolicy && pol.Mode != policy.ModeInherit && !pol.Allows(t.OriginalName) {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// ListResources implements list_resources: service-id filter only, no
// per-name policy.
func (a *Aggregator) ListResources(allowedServiceIDs map[string]struct{}) []AggregatedResource {
	var out []AggregatedResource
	for _, sc := range a.allCaches() {
		if !sc.Initialized {
			continue
		}
		if allowedServiceIDs != nil {
			if _, ok := allowedServiceIDs[sc.ServiceID]; !ok {
				continue
			}
		}
		out = append(out, sc.Resources...)
	}
	return out
}

// ListPrompts implements list_prompts: service-id filter only.
func (a *Aggregator) ListPrompts(allowedServiceIDs map[string]struct{}) []AggregatedPrompt {
	var out []AggregatedPrompt
	for _, sc := range a.allCaches() {
		if !sc.Initialized {
			continue
		}
		if allowedServiceIDs != nil {
			if _, ok := allowedServiceIDs[sc.ServiceID]; !ok {
				continue
			}
		}
		out = append(out, sc.Prompts...)
	}
	return out
}
