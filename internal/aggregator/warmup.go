package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kagenti/mcp-gateway/internal/gwconfig"
	"github.com/kagenti/mcp-gateway/internal/rpc"
)

// clientInfo is the server's own identity, advertised to every upstream
// provider during the initialize handshake.
var clientInfo = mcp.Implementation{Name: "mcp-gateway", Version: "0.1.0"}

// Warmup performs the one-shot sweep described in spec.md §4.4 over every
// enabled provider, fanned out in parallel (correctness is identical
// either way per spec.md §9; parallel is chosen for throughput, grounded on
// the errgroup fan-out pattern used elsewhere in the example corpus).
func (a *Aggregator) Warmup(ctx context.Context) *WarmupReport {
	configs := a.allConfigs()
	report := &WarmupReport{}

	var g errgroup.Group
	var mu sync.Mutex
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		cfg := cfg
		report.Total++
		g.Go(func() error {
			sc := a.warmupOne(ctx, cfg)
			a.publish(sc)

			mu.Lock()
			if sc.Initialized {
				report.Succeeded++
			} else {
				report.Failed++
				report.Errors = append(report.Errors, WarmupError{ServiceName: cfg.Name, Message: sc.Error})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// RefreshService repeats the per-provider warmup sequence for a single
// provider. Refresh is idempotent and atomic: the published ServiceCache
// entry is swapped in one step.
func (a *Aggregator) RefreshService(ctx context.Context, serviceID string) error {
	cfg, ok := a.configFor(serviceID)
	if !ok {
		return fmt.Errorf("aggregator: unknown service %q", serviceID)
	}
	sc := a.warmupOne(ctx, cfg)
	a.publish(sc)
	if !sc.Initialized {
		return fmt.Errorf("aggregator: refresh %q: %s", cfg.Name, sc.Error)
	}
	return nil
}

// warmupOne runs the initialize/list sequence for one provider, retrying
// with exponential backoff on failure. It never returns an error: failures
// are captured on the returned ServiceCache per spec.md §4.4 step 7.
func (a *Aggregator) warmupOne(ctx context.Context, cfg gwconfig.ProviderConfig) *ServiceCache {
	sc := &ServiceCache{ServiceID: cfg.ID, ServiceName: cfg.Name}

	backoff := configureBackoff()
	var lastErr error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		built, err := a.initializeAndFetch(ctx, cfg)
		if err != nil {
			lastErr = err
			a.log.Warn("warmup attempt failed", "provider", cfg.Name, "attempt", attempt, "error", err)
			return false, nil
		}
		sc = built
		return true, nil
	})
	if err != nil && lastErr != nil {
		sc = &ServiceCache{
			ServiceID:   cfg.ID,
			ServiceName: cfg.Name,
			Initialized: false,
			Error:       lastErr.Error(),
			LastUpdated: nowUTC(),
		}
	}
	return sc
}

func (a *Aggregator) initializeAndFetch(ctx context.Context, cfg gwconfig.ProviderConfig) (*ServiceCache, error) {
	env := a.resolveEnv(ctx, cfg)
	transport, err := a.transportFor(cfg, env)
	if err != nil {
		return nil, err
	}

	initResult, err := a.doInitialize(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	// Best-effort; the teacher and spec.md §4.4 step 3 both tolerate its
	// failure.
	_ = transport.SendNotification(ctx, mustMarshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}))

	caps := capabilitiesFrom(initResult.Capabilities)
	sc := &ServiceCache{
		ServiceID:    cfg.ID,
		ServiceName:  cfg.Name,
		Capabilities: caps,
		Initialized:  true,
		LastUpdated:  nowUTC(),
	}

	if caps.Tools {
		tools, err := a.fetchTools(ctx, transport)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		for _, t := range tools {
			sc.Tools = append(sc.Tools, AggregatedTool{
				Name:         BuildAggregatedToolName(cfg.Name, t.Name),
				OriginalName: t.Name,
				ServiceID:    cfg.ID,
				ServiceName:  cfg.Name,
				Tool:         t,
			})
		}
	}
	if caps.Resources {
		resources, err := a.fetchResources(ctx, transport)
		if err != nil {
			return nil, fmt.Errorf("resources/list: %w", err)
		}
		for _, r := range resources {
			sc.Resources = append(sc.Resources, AggregatedResource{
				URI:         BuildPrefixedURI(cfg.Name, r.URI),
				OriginalURI: r.URI,
				ServiceID:   cfg.ID,
				ServiceName: cfg.Name,
				Resource:    r,
			})
		}
	}
	if caps.Prompts {
		prompts, err := a.fetchPrompts(ctx, transport)
		if err != nil {
			return nil, fmt.Errorf("prompts/list: %w", err)
		}
		for _, p := range prompts {
			sc.Prompts = append(sc.Prompts, AggregatedPrompt{
				Name:         BuildAggregatedToolName(cfg.Name, p.Name),
				OriginalName: p.Name,
				ServiceID:    cfg.ID,
				ServiceName:  cfg.Name,
				Prompt:       p,
			})
		}
	}

	return sc, nil
}

func (a *Aggregator) doInitialize(ctx context.Context, transport Transport) (*mcp.InitializeResult, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: rpc.ProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      clientInfo,
	}
	payload := mustMarshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  "initialize",
		"params":  params,
	})

	raw, err := transport.Send(ctx, payload)
	if err != nil {
		return nil, err
	}

	var env struct {
		Result *mcp.InitializeResult `json:"result"`
		Error  *rpc.ErrorObject      `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed initialize response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s", env.Error.Message)
	}
	if env.Result == nil {
		return nil, fmt.Errorf("initialize response missing result")
	}
	return env.Result, nil
}

func (a *Aggregator) fetchTools(ctx context.Context, transport Transport) ([]mcp.Tool, error) {
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := a.listCall(ctx, transport, "tools/list", &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (a *Aggregator) fetchResources(ctx context.Context, transport Transport) ([]mcp.Resource, error) {
	var result struct {
		Resources []mcp.Resource `json:"resources"`
	}
	if err := a.listCall(ctx, transport, "resources/list", &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (a *Aggregator) fetchPrompts(ctx context.Context, transport Transport) ([]mcp.Prompt, error) {
	var result struct {
		Prompts []mcp.Prompt `json:"prompts"`
	}
	if err := a.listCall(ctx, transport, "prompts/list", &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (a *Aggregator) listCall(ctx context.Context, transport Transport, method string, out any) error {
	payload := mustMarshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
	})
	raw, err := transport.Send(ctx, payload)
	if err != nil {
		return err
	}
	var env struct {
		Result json.RawMessage  `json:"result"`
		Error  *rpc.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed %s response: %w", method, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s", env.Error.Message)
	}
	if env.Result == nil {
		return fmt.Errorf("%s response missing result", method)
	}
	return json.Unmarshal(env.Result, out)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func nowUTC() time.Time { return time.Now().UTC() }
