package gatewayhttp

import (
	"context"
	"encoding/json"

	"github.com/kagenti/mcp-gateway/internal/gwsession"
	"github.com/kagenti/mcp-gateway/internal/policy"
	"github.com/kagenti/mcp-gateway/internal/rpc"
)

// dispatchMethod routes a request's method to its handler, per spec.md §4.8.
func (h *Handler) dispatchMethod(ctx context.Context, sess *gwsession.Session, method string, id, params json.RawMessage) (any, *HandlerError) {
	switch method {
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return h.handleToolsList(ctx, sess)
	case "resources/list":
		return h.handleResourcesList(ctx, sess)
	case "prompts/list":
		return h.handlePromptsList(ctx, sess)
	case "tools/call":
		return h.handleToolsCall(ctx, sess, id, params)
	case "resources/read":
		return h.handleResourcesRead(ctx, sess, id, params)
	case "prompts/get":
		return h.handlePromptsGet(ctx, sess, id, params)
	default:
		return nil, NewHandlerError(200, rpc.CodeMethodNotFound, "method not found: "+method)
	}
}

// allowedServiceIDs resolves the session's effective project context into
// the optional service-id filter passed to the aggregator, per spec.md
// §4.8's tools/list steps 1-2. A nil map means "no filter".
func (h *Handler) allowedServiceIDs(ctx context.Context, sess *gwsession.Session) (map[string]struct{}, string) {
	effective := sess.EffectiveProject()
	if effective == nil || h.ProjectServices == nil {
		return nil, ""
	}
	ids, err := h.ProjectServices.ServicesForProject(ctx, effective.ProjectID)
	if err != nil {
		h.Log.Warn("project services lookup failed", "project", effective.ProjectID, "err", err)
		return nil, effective.ProjectID
	}
	return ids, effective.ProjectID
}

// toolPolicies asks the configured policy resolver for per-provider tool
// policies over every enabled service id, per spec.md §4.8 step 3.
func (h *Handler) toolPolicies(ctx context.Context, projectID string) map[string]policy.ToolPolicy {
	if h.PolicyResolver == nil {
		return nil
	}
	ids := h.Aggregator.EnabledServiceIDs()
	policies, err := h.PolicyResolver.Resolve(ctx, projectID, ids)
	if err != nil {
		h.Log.Warn("policy resolver failed", "project", projectID, "err", err)
		return nil
	}
	return policies
}

func (h *Handler) handleToolsList(ctx context.Context, sess *gwsession.Session) (any, *HandlerError) {
	allowed, projectID := h.allowedServiceIDs(ctx, sess)
	policies := h.toolPolicies(ctx, projectID)
	tools := h.Aggregator.ListTools(allowed, policies)
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Tool.Description,
			"inputSchema": t.Tool.InputSchema,
		})
	}
	return map[string]any{"tools": out}, nil
}

func (h *Handler) handleResourcesList(ctx context.Context, sess *gwsession.Session) (any, *HandlerError) {
	allowed, _ := h.allowedServiceIDs(ctx, sess)
	resources := h.Aggregator.ListResources(allowed)
	out := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		out = append(out, map[string]any{
			"uri":         r.URI,
			"name":        r.Resource.Name,
			"description": r.Resource.Description,
			"mimeType":    r.Resource.MIMEType,
		})
	}
	return map[string]any{"resources": out}, nil
}

func (h *Handler) handlePromptsList(ctx context.Context, sess *gwsession.Session) (any, *HandlerError) {
	allowed, _ := h.allowedServiceIDs(ctx, sess)
	prompts := h.Aggregator.ListPrompts(allowed)
	out := make([]map[string]any, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, map[string]any{
			"name":        p.Name,
			"description": p.Prompt.Description,
		})
	}
	return map[string]any{"prompts": out}, nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) handleToolsCall(ctx context.Context, sess *gwsession.Session, id, raw json.RawMessage) (any, *HandlerError) {
	var p toolCallParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewHandlerError(200, rpc.CodeInvalidParams, "invalid tools/call params")
	}
	allowed, _ := h.allowedServiceIDs(ctx, sess)
	result, callErr := h.Aggregator.CallTool(ctx, id, p.Name, p.Arguments, allowed)
	if callErr != nil {
		return nil, NewHandlerError(200, callErr.Code, callErr.Message)
	}
	return json.RawMessage(result), nil
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (h *Handler) handleResourcesRead(ctx context.Context, sess *gwsession.Session, id, raw json.RawMessage) (any, *HandlerError) {
	var p resourceReadParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewHandlerError(200, rpc.CodeInvalidParams, "invalid resources/read params")
	}
	allowed, _ := h.allowedServiceIDs(ctx, sess)
	result, callErr := h.Aggregator.ReadResource(ctx, id, p.URI, allowed)
	if callErr != nil {
		return nil, NewHandlerError(200, callErr.Code, callErr.Message)
	}
	return json.RawMessage(result), nil
}

type promptGetParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) handlePromptsGet(ctx context.Context, sess *gwsession.Session, id, raw json.RawMessage) (any, *HandlerError) {
	var p promptGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewHandlerError(200, rpc.CodeInvalidParams, "invalid prompts/get params")
	}
	allowed, _ := h.allowedServiceIDs(ctx, sess)
	result, callErr := h.Aggregator.GetPrompt(ctx, id, p.Name, p.Arguments, allowed)
	if callErr != nil {
		return nil, NewHandlerError(200, callErr.Code, callErr.Message)
	}
	return json.RawMessage(result), nil
}
