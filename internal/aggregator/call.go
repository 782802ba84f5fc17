package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kagenti/mcp-gateway/internal/gwconfig"
	"github.com/kagenti/mcp-gateway/internal/rpc"
)

// CallError is a JSON-RPC-shaped error surfaced from call routing, per
// spec.md §4.4's call-routing error codes.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string { return e.Message }

// Deadlines per spec.md §4.4 / §5.
const (
	toolCallDeadline     = 120 * time.Second
	resourceReadDeadline = 60 * time.Second
	promptGetDeadline    = 60 * time.Second
)

// CallTool implements tools/call routing. id is the caller's original
// JSON-RPC id, preserved end-to-end on the upstream request.
func (a *Aggregator) CallTool(ctx context.Context, id json.RawMessage, aggregatedName string, arguments json.RawMessage, allowedServiceIDs map[string]struct{}) (json.RawMessage, *CallError) {
	serviceName, originalName, ok := ParseAggregatedToolName(aggregatedName)
	if !ok {
		return nil, &CallError{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf("invalid tool name %q: expected \"service/tool\"", aggregatedName)}
	}

	serviceID, ok := a.serviceIDForName(serviceName)
	if !ok {
		return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", serviceName)}
	}

	if allowedServiceIDs != nil {
		if _, admitted := allowedServiceIDs[serviceID]; !admitted {
			return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not available in current project context", aggregatedName)}
		}
	}

	cfg, ok := a.configFor(serviceID)
	if !ok {
		return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", serviceName)}
	}

	payload := mustMarshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      rawOrNil(id),
		"method":  "tools/call",
		"params": map[string]any{
			"name":      originalName,
			"arguments": rawOrEmptyObject(arguments),
		},
	})

	return a.dispatch(ctx, cfg, payload, toolCallDeadline, "Tool call")
}

// ReadResource implements resources/read routing.
func (a *Aggregator) ReadResource(ctx context.Context, id json.RawMessage, aggregatedURI string, allowedServiceIDs map[string]struct{}) (json.RawMessage, *CallError) {
	serviceName, originalURI, ok := ParsePrefixedURI(aggregatedURI)
	if !ok {
		return nil, &CallError{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf("invalid resource uri %q: expected \"service:::uri\"", aggregatedURI)}
	}

	serviceID, ok := a.serviceIDForName(serviceName)
	if !ok {
		return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", serviceName)}
	}
	if allowedServiceIDs != nil {
		if _, admitted := allowedServiceIDs[serviceID]; !admitted {
			return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("Resource '%s' not available in current project context", aggregatedURI)}
		}
	}

	cfg, ok := a.configFor(serviceID)
	if !ok {
		return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", serviceName)}
	}

	payload := mustMarshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      rawOrNil(id),
		"method":  "resources/read",
		"params": map[string]any{
			"uri": originalURI,
		},
	})

	return a.dispatch(ctx, cfg, payload, resourceReadDeadline, "Resource read")
}

// GetPrompt implements prompts/get routing.
func (a *Aggregator) GetPrompt(ctx context.Context, id json.RawMessage, aggregatedName string, arguments json.RawMessage, allowedServiceIDs map[string]struct{}) (json.RawMessage, *CallError) {
	serviceName, originalName, ok := ParseAggregatedToolName(aggregatedName)
	if !ok {
		return nil, &CallError{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf("invalid prompt name %q: expected \"service/prompt\"", aggregatedName)}
	}

	serviceID, ok := a.serviceIDForName(serviceName)
	if !ok {
		return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", serviceName)}
	}
	if allowedServiceIDs != nil {
		if _, admitted := allowedServiceIDs[serviceID]; !admitted {
			return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("Prompt '%s' not available in current project context", aggregatedName)}
		}
	}

	cfg, ok := a.configFor(serviceID)
	if !ok {
		return nil, &CallError{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", serviceName)}
	}

	params := map[string]any{"name": originalName}
	if len(arguments) > 0 {
		params["arguments"] = json.RawMessage(arguments)
	}
	payload := mustMarshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      rawOrNil(id),
		"method":  "prompts/get",
		"params":  params,
	})

	return a.dispatch(ctx, cfg, payload, promptGetDeadline, "Prompt get")
}

// dispatch sends payload to the provider's transport under a deadline and
// passes the upstream reply through per spec.md §4.4 step 6.
func (a *Aggregator) dispatch(ctx context.Context, cfg gwconfig.ProviderConfig, payload []byte, deadline time.Duration, opName string) (json.RawMessage, *CallError) {
	env := a.resolveEnv(ctx, cfg)
	transport, err := a.transportFor(cfg, env)
	if err != nil {
		return nil, &CallError{Code: rpc.CodeInternalError, Message: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	raw, err := transport.Send(callCtx, payload)
	if callCtx.Err() != nil {
		return nil, &CallError{Code: rpc.CodeInternalError, Message: fmt.Sprintf("%s timed out after %ds", opName, int(deadline.Seconds()))}
	}
	if err != nil {
		return nil, &CallError{Code: rpc.CodeInternalError, Message: err.Error()}
	}

	var decoded struct {
		Result json.RawMessage  `json:"result"`
		Error  *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &CallError{Code: rpc.CodeInternalError, Message: "Invalid response from MCP service"}
	}
	if decoded.Error != nil {
		return nil, &CallError{Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if decoded.Result == nil {
		return nil, &CallError{Code: rpc.CodeInternalError, Message: "Invalid response from MCP service"}
	}
	return decoded.Result, nil
}

func rawOrNil(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func rawOrEmptyObject(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}
