// Package gwconfig holds the declared-provider data model and a file-backed
// ConfigStore implementation, the ambient configuration layer spec.md §6.4
// treats as an external collaborator.
package gwconfig

import (
	"time"

	"github.com/kagenti/mcp-gateway/internal/policy"
)

// Transport names the upstream transport kind for a provider.
type Transport string

// Supported transports, see spec.md §3 ProviderConfig.
const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// ProviderConfig is the declared upstream, authored externally by a
// ConfigStore and loaded into the aggregator on start/restart and on
// explicit UpdateService calls.
type ProviderConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Name string `yaml:"name" mapstructure:"name"`

	Transport Transport `yaml:"transport" mapstructure:"transport"`

	// stdio transport
	Command string            `yaml:"command,omitempty" mapstructure:"command"`
	Args    []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `yaml:"env,omitempty" mapstructure:"env"`

	// http transport
	URL     string            `yaml:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`

	Enabled          bool              `yaml:"enabled" mapstructure:"enabled"`
	CreatedAt        time.Time         `yaml:"created_at" mapstructure:"created_at"`
	UpdatedAt        time.Time         `yaml:"updated_at" mapstructure:"updated_at"`
	DefaultToolPolicy *policy.ToolPolicy `yaml:"default_tool_policy,omitempty" mapstructure:"default_tool_policy"`
}

// ProvidersConfig is the full set of provider declarations plus the
// persisted port and bearer token, the unit observers are notified with.
type ProvidersConfig struct {
	Port        int              `yaml:"port" mapstructure:"port"`
	BearerToken string           `yaml:"bearer_token" mapstructure:"bearer_token"`
	Providers   []ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// ByName returns the provider declaration with the given name, if any.
func (c *ProvidersConfig) ByName(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Observer is notified whenever the backing configuration changes,
// mirroring the teacher's config.Observer pattern.
type Observer interface {
	OnConfigChange(cfg *ProvidersConfig)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(cfg *ProvidersConfig)

// OnConfigChange implements Observer.
func (f ObserverFunc) OnConfigChange(cfg *ProvidersConfig) { f(cfg) }
