package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/akmatori/issuebridge/internal/database"
)

// Seed is the YAML document used to bootstrap tenants and their routing rules
type Seed struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant is one tenant's bridge settings and rules
type SeedTenant struct {
	ID                 string               `yaml:"id"`
	Enabled            *bool                `yaml:"enabled"`
	CredentialsRef     string               `yaml:"credentials_ref"`
	DefaultDestination database.Destination `yaml:"default_destination"`
	NotifyChannel      string               `yaml:"notify_channel"`
	AllowedTagKeys     []string             `yaml:"allowed_tag_keys"`

	TriageMode                *bool    `yaml:"triage_mode"`
	TriageConfidenceThreshold *float64 `yaml:"triage_confidence_threshold"`

	MaxTicketsPerHour    *int `yaml:"max_tickets_per_hour"`
	MaxTicketsPerDay     *int `yaml:"max_tickets_per_day"`
	IssueCooldownMinutes *int `yaml:"issue_cooldown_minutes"`
	MaxAttempts          *int `yaml:"max_attempts"`
	SpikeThreshold       *int `yaml:"spike_threshold"`
	SpikeWindowMinutes   *int `yaml:"spike_window_minutes"`

	CircuitBreakerFailureThreshold *int `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerCooldownMinutes  *int `yaml:"circuit_breaker_cooldown_minutes"`

	Rules []SeedRule `yaml:"rules"`
}

// SeedRule is a routing rule in seed form
type SeedRule struct {
	Name                 string               `yaml:"name"`
	Priority             int                  `yaml:"priority"`
	SourceProjectPattern string               `yaml:"source_project"`
	ErrorTypePattern     string               `yaml:"error_type"`
	MessagePattern       string               `yaml:"message"`
	CulpritPattern       string               `yaml:"culprit"`
	ReleasePattern       string               `yaml:"release"`
	Environment          string               `yaml:"environment"`
	Tags                 map[string]string    `yaml:"tags"`
	Target               database.Destination `yaml:"target"`
	Disabled             bool                 `yaml:"disabled"`
	TestMode             bool                 `yaml:"test_mode"`
}

// ConfigSaver stores a tenant's bridge config
type ConfigSaver interface {
	Save(ctx context.Context, cfg *database.BridgeConfig) error
}

// RuleStore lists and stores routing rules
type RuleStore interface {
	ListRules(ctx context.Context, tenantID string, enabledOnly bool) ([]database.RoutingRule, error)
	SaveRule(ctx context.Context, rule *database.RoutingRule) error
}

// LoadSeed reads and parses a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, t := range seed.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("seed tenant %d has no id", i)
		}
	}
	return &seed, nil
}

// BridgeConfig builds the tenant's config on top of the defaults
func (t SeedTenant) BridgeConfig() *database.BridgeConfig {
	cfg := database.NewDefaultBridgeConfig(t.ID)
	cfg.CredentialsRef = t.CredentialsRef
	cfg.NotifyChannel = t.NotifyChannel
	cfg.DefaultDestination.Project = t.DefaultDestination.Project
	cfg.DefaultDestination.Owner = t.DefaultDestination.Owner
	if t.DefaultDestination.Priority != "" {
		cfg.DefaultDestination.Priority = t.DefaultDestination.Priority
	}
	if t.AllowedTagKeys != nil {
		cfg.AllowedTagKeys = datatypes.NewJSONType(t.AllowedTagKeys)
	}

	setBool(&cfg.Enabled, t.Enabled)
	setBool(&cfg.TriageMode, t.TriageMode)
	if t.TriageConfidenceThreshold != nil {
		cfg.TriageConfidenceThreshold = *t.TriageConfidenceThreshold
	}
	setInt(&cfg.MaxTicketsPerHour, t.MaxTicketsPerHour)
	setInt(&cfg.MaxTicketsPerDay, t.MaxTicketsPerDay)
	setInt(&cfg.IssueCooldownMinutes, t.IssueCooldownMinutes)
	setInt(&cfg.MaxAttempts, t.MaxAttempts)
	setInt(&cfg.SpikeThreshold, t.SpikeThreshold)
	setInt(&cfg.SpikeWindowMinutes, t.SpikeWindowMinutes)
	setInt(&cfg.CircuitBreakerFailureThreshold, t.CircuitBreakerFailureThreshold)
	setInt(&cfg.CircuitBreakerCooldownMinutes, t.CircuitBreakerCooldownMinutes)
	return cfg
}

// RoutingRule converts the seed rule for a tenant
func (r SeedRule) RoutingRule(tenantID string) *database.RoutingRule {
	tags := r.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return &database.RoutingRule{
		TenantID:             tenantID,
		Name:                 r.Name,
		Priority:             r.Priority,
		SourceProjectPattern: r.SourceProjectPattern,
		ErrorTypePattern:     r.ErrorTypePattern,
		MessagePattern:       r.MessagePattern,
		CulpritPattern:       r.CulpritPattern,
		ReleasePattern:       r.ReleasePattern,
		Environment:          r.Environment,
		TagMatches:           datatypes.NewJSONType(tags),
		Target:               r.Target,
		Enabled:              !r.Disabled,
		TestMode:             r.TestMode,
	}
}

// ApplySeed saves every tenant config and adds rules whose name the tenant does not have yet.
// Applying the same seed twice leaves the database unchanged.
func ApplySeed(ctx context.Context, seed *Seed, configs ConfigSaver, rules RuleStore) error {
	for _, tenant := range seed.Tenants {
		if err := configs.Save(ctx, tenant.BridgeConfig()); err != nil {
			return fmt.Errorf("seed tenant %s: %w", tenant.ID, err)
		}

		existing, err := rules.ListRules(ctx, tenant.ID, false)
		if err != nil {
			return fmt.Errorf("seed tenant %s: %w", tenant.ID, err)
		}
		known := make(map[string]bool, len(existing))
		for _, r := range existing {
			known[r.Name] = true
		}

		added := 0
		for _, sr := range tenant.Rules {
			if known[sr.Name] {
				continue
			}
			if err := rules.SaveRule(ctx, sr.RoutingRule(tenant.ID)); err != nil {
				return fmt.Errorf("seed rule %q for tenant %s: %w", sr.Name, tenant.ID, err)
			}
			known[sr.Name] = true
			added++
		}
		slog.Info("seeded tenant", "tenant", tenant.ID, "rules_added", added)
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
