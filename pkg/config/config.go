// Package config loads and validates the process configuration: upstream
// endpoints, per-project credentials, targeting defaults, adapter tuning,
// audit sinks and policy rules.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/fathom-labs/appwarden/pkg/confirm"
	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// Config is the full process configuration.
type Config struct {
	Environment     string                   `json:"environment,omitempty"`
	DefaultEndpoint string                   `json:"default_endpoint,omitempty"`
	Projects        map[string]ProjectConfig `json:"projects"`
	Defaults        *Defaults                `json:"defaults,omitempty"`
	Management      *ManagementConfig        `json:"management,omitempty"`
	Confirmation    ConfirmationConfig       `json:"confirmation,omitempty"`
	Adapter         AdapterConfig            `json:"adapter,omitempty"`
	Audit           AuditConfig              `json:"audit,omitempty"`
	Policy          PolicyConfig             `json:"policy,omitempty"`
	Server          ServerConfig             `json:"server,omitempty"`
}

// ProjectConfig describes one known project tenant.
type ProjectConfig struct {
	APIKey         string   `json:"api_key"`
	Scopes         []string `json:"scopes,omitempty"`
	Endpoint       string   `json:"endpoint,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	DefaultForAuto bool     `json:"default_for_auto,omitempty"`
	DisplayName    string   `json:"display_name,omitempty"`
}

// Defaults controls targeting behavior when a request names no targets.
type Defaults struct {
	AutoTargetProjectIDs    []string                  `json:"auto_target_project_ids,omitempty"`
	TargetSelector          *contracts.TargetSelector `json:"target_selector,omitempty"`
	DisableLegacyUserUpdate bool                      `json:"disable_legacy_user_update,omitempty"`
}

// ManagementConfig holds the privileged credential for project.* actions.
type ManagementConfig struct {
	Endpoint  string   `json:"endpoint,omitempty"`
	APIKey    string   `json:"api_key"`
	Scopes    []string `json:"scopes,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
}

// ConfirmationConfig tunes the destructive-operation token service.
type ConfirmationConfig struct {
	Secret     string `json:"secret,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// AdapterConfig tunes the upstream HTTP adapter.
type AdapterConfig struct {
	ResponseFormat     string  `json:"response_format,omitempty"`
	TimeoutMs          int     `json:"timeout_ms,omitempty"`
	MaxRetries         int     `json:"max_retries,omitempty"`
	BaseDelayMs        int     `json:"base_delay_ms,omitempty"`
	MaxDelayMs         int     `json:"max_delay_ms,omitempty"`
	RetryStatuses      []int   `json:"retry_statuses,omitempty"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second,omitempty"`
	RateBurst          int     `json:"rate_burst,omitempty"`
}

// AuditConfig selects the audit sink backend.
type AuditConfig struct {
	Backend     string `json:"backend,omitempty"` // "memory" | "sqlite" | "postgres" | "redis"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisKey    string `json:"redis_key,omitempty"`
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
}

// PolicyRule is one CEL deny rule.
type PolicyRule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// PolicyConfig carries the deny rules and the tag hashed into plans.
type PolicyConfig struct {
	Tag   string       `json:"tag,omitempty"`
	Rules []PolicyRule `json:"rules,omitempty"`
}

// ServerConfig tunes the HTTP framing host.
type ServerConfig struct {
	HTTPAddr           string  `json:"http_addr,omitempty"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second,omitempty"`
	RateBurst          int     `json:"rate_burst,omitempty"`
	JWTSecret          string  `json:"jwt_secret,omitempty"`
}

// ErrNoProjects is returned when the projects map is empty.
var ErrNoProjects = errors.New("config: projects must not be empty")

// Load reads, schema-validates and semantically validates the configuration
// at path. YAML files are accepted and converted before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid JSON in %q: %w", path, err)
	}

	if err := compiledSchema.Validate(raw); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("config: %q violates schema at %s: %s", path, leafLocation(ve), leafMessage(ve))
		}
		return nil, fmt.Errorf("config: %q violates schema: %w", path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the semantic checks that the schema cannot express.
func (c *Config) Validate() error {
	if len(c.Projects) == 0 {
		return ErrNoProjects
	}

	seenAlias := map[string]string{}
	for id, p := range c.Projects {
		if p.APIKey == "" {
			return fmt.Errorf("config: project %q has no api_key", id)
		}
		if p.Endpoint == "" && c.DefaultEndpoint == "" {
			return fmt.Errorf("config: project %q has no endpoint and no default_endpoint is set", id)
		}
		for _, a := range p.Aliases {
			if prev, dup := seenAlias[a]; dup {
				return fmt.Errorf("config: alias %q defined for both %q and %q", a, prev, id)
			}
			seenAlias[a] = id
		}
	}

	if c.Defaults != nil {
		for _, id := range c.Defaults.AutoTargetProjectIDs {
			if _, ok := c.Projects[id]; !ok {
				return fmt.Errorf("config: auto_target_project_ids references unknown project %q", id)
			}
		}
		if sel := c.Defaults.TargetSelector; sel != nil {
			switch sel.Mode {
			case contracts.SelectorModeAuto:
			case contracts.SelectorModeProjectID:
				for _, v := range sel.Values {
					if _, ok := c.Projects[v]; !ok {
						return fmt.Errorf("config: default target_selector references unknown project %q", v)
					}
				}
			case contracts.SelectorModeAlias:
				for _, v := range sel.Values {
					if _, ok := seenAlias[v]; !ok {
						return fmt.Errorf("config: default target_selector references unknown alias %q", v)
					}
				}
			default:
				return fmt.Errorf("config: default target_selector has unknown mode %q", sel.Mode)
			}
		}
	}

	if c.Adapter.ResponseFormat != "" {
		if _, err := semver.NewVersion(c.Adapter.ResponseFormat); err != nil {
			return fmt.Errorf("config: adapter.response_format %q is not a semantic version: %w", c.Adapter.ResponseFormat, err)
		}
	}

	if c.Environment == "production" {
		secret := c.Confirmation.Secret
		if secret == "" || secret == confirm.DefaultSecret {
			return fmt.Errorf("config: production requires a non-default confirmation secret")
		}
	}

	switch c.Audit.Backend {
	case "", "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}

	return nil
}

// AliasMap returns alias -> project id.
func (c *Config) AliasMap() map[string]string {
	out := map[string]string{}
	for id, p := range c.Projects {
		for _, a := range p.Aliases {
			out[a] = id
		}
	}
	return out
}

// KnownProjectIDs returns the configured project ids, sorted.
func (c *Config) KnownProjectIDs() []string {
	ids := make([]string, 0, len(c.Projects))
	for id := range c.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AutoTargets returns the auto-targeting set: the explicit defaults list
// plus every project flagged default_for_auto, deduplicated, sorted.
func (c *Config) AutoTargets() []string {
	set := map[string]bool{}
	if c.Defaults != nil {
		for _, id := range c.Defaults.AutoTargetProjectIDs {
			set[id] = true
		}
	}
	for id, p := range c.Projects {
		if p.DefaultForAuto {
			set[id] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProjectAuth returns the per-project auth contexts with the default
// endpoint filled in.
func (c *Config) ProjectAuth() map[string]contracts.AuthContext {
	out := make(map[string]contracts.AuthContext, len(c.Projects))
	for id, p := range c.Projects {
		endpoint := p.Endpoint
		if endpoint == "" {
			endpoint = c.DefaultEndpoint
		}
		out[id] = contracts.AuthContext{Endpoint: endpoint, APIKey: p.APIKey, Scopes: p.Scopes}
	}
	return out
}

// ManagementAuth returns the management credential, or nil when project.*
// actions are disabled.
func (c *Config) ManagementAuth() *contracts.AuthContext {
	if c.Management == nil {
		return nil
	}
	endpoint := c.Management.Endpoint
	if endpoint == "" {
		endpoint = c.DefaultEndpoint
	}
	return &contracts.AuthContext{Endpoint: endpoint, APIKey: c.Management.APIKey, Scopes: c.Management.Scopes}
}

// DefaultSelector returns the configured default selector, or nil.
func (c *Config) DefaultSelector() *contracts.TargetSelector {
	if c.Defaults == nil {
		return nil
	}
	return c.Defaults.TargetSelector
}

// LegacyUserUpdateDisabled reports whether the auth.users.update alias is
// blocked.
func (c *Config) LegacyUserUpdateDisabled() bool {
	return c.Defaults != nil && c.Defaults.DisableLegacyUserUpdate
}

// yamlToJSON converts YAML to JSON so one validation path serves both.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(v))
}

// normalizeYAML rewrites map[any]any into map[string]any so the result is
// JSON-encodable.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

func leafLocation(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return "#"
	}
	return ve.InstanceLocation
}

func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Message
}
