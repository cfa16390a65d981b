package testhelpers

import (
	"context"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/database"
)

// ========================================
// Bridge Config Builder
// ========================================

// BridgeConfigBuilder builds BridgeConfig instances for testing
type BridgeConfigBuilder struct {
	cfg *database.BridgeConfig
}

// NewBridgeConfigBuilder starts from the tenant defaults with a default project set.
// Triage and limits are off so events flow straight to the queue.
func NewBridgeConfigBuilder(tenantID string) *BridgeConfigBuilder {
	cfg := database.NewDefaultBridgeConfig(tenantID)
	cfg.DefaultDestination = database.Destination{Project: tenantID + "/inbox", Owner: "triage-team", Priority: "medium"}
	return &BridgeConfigBuilder{cfg: cfg}
}

// WithTriage enables triage mode
func (b *BridgeConfigBuilder) WithTriage() *BridgeConfigBuilder {
	b.cfg.TriageMode = true
	return b
}

// WithTriageThreshold sets the confidence below which unmapped events go to triage
func (b *BridgeConfigBuilder) WithTriageThreshold(threshold float64) *BridgeConfigBuilder {
	b.cfg.TriageConfidenceThreshold = threshold
	return b
}

// WithLimits sets the hourly and daily ticket limits
func (b *BridgeConfigBuilder) WithLimits(perHour, perDay int) *BridgeConfigBuilder {
	b.cfg.MaxTicketsPerHour = perHour
	b.cfg.MaxTicketsPerDay = perDay
	return b
}

// WithCooldown sets the per-issue cooldown in minutes
func (b *BridgeConfigBuilder) WithCooldown(minutes int) *BridgeConfigBuilder {
	b.cfg.IssueCooldownMinutes = minutes
	return b
}

// WithMaxAttempts sets the retry budget of new queue items
func (b *BridgeConfigBuilder) WithMaxAttempts(n int) *BridgeConfigBuilder {
	b.cfg.MaxAttempts = n
	return b
}

// WithSpike sets the spike detection threshold and window
func (b *BridgeConfigBuilder) WithSpike(threshold, windowMinutes int) *BridgeConfigBuilder {
	b.cfg.SpikeThreshold = threshold
	b.cfg.SpikeWindowMinutes = windowMinutes
	return b
}

// WithBreaker sets the circuit breaker threshold and cooldown
func (b *BridgeConfigBuilder) WithBreaker(threshold, cooldownMinutes int) *BridgeConfigBuilder {
	b.cfg.CircuitBreakerFailureThreshold = threshold
	b.cfg.CircuitBreakerCooldownMinutes = cooldownMinutes
	return b
}

// WithAllowedTags sets the privacy allow-list of tag keys
func (b *BridgeConfigBuilder) WithAllowedTags(keys ...string) *BridgeConfigBuilder {
	b.cfg.AllowedTagKeys = datatypes.NewJSONType(keys)
	return b
}

// Disabled turns the bridge off for the tenant
func (b *BridgeConfigBuilder) Disabled() *BridgeConfigBuilder {
	b.cfg.Enabled = false
	return b
}

// Build returns the constructed config
func (b *BridgeConfigBuilder) Build() *database.BridgeConfig {
	return b.cfg
}

// Create inserts the config
func (b *BridgeConfigBuilder) Create(t *testing.T, db *gorm.DB) *database.BridgeConfig {
	t.Helper()
	if err := db.Create(b.cfg).Error; err != nil {
		t.Fatalf("failed to create bridge config: %v", err)
	}
	return b.cfg
}

// ========================================
// Routing Rule Builder
// ========================================

// RoutingRuleBuilder builds RoutingRule instances for testing
type RoutingRuleBuilder struct {
	rule database.RoutingRule
}

// NewRoutingRuleBuilder creates an enabled rule with no predicates routing to project
func NewRoutingRuleBuilder(tenantID, name, project string) *RoutingRuleBuilder {
	return &RoutingRuleBuilder{
		rule: database.RoutingRule{
			TenantID:   tenantID,
			Name:       name,
			Target:     database.Destination{Project: project},
			TagMatches: datatypes.NewJSONType(map[string]string{}),
			Enabled:    true,
		},
	}
}

// WithPriority sets the evaluation priority; lower runs first
func (b *RoutingRuleBuilder) WithPriority(p int) *RoutingRuleBuilder {
	b.rule.Priority = p
	return b
}

// WithErrorType sets the error type pattern
func (b *RoutingRuleBuilder) WithErrorType(pattern string) *RoutingRuleBuilder {
	b.rule.ErrorTypePattern = pattern
	return b
}

// WithSourceProject sets the source project pattern
func (b *RoutingRuleBuilder) WithSourceProject(pattern string) *RoutingRuleBuilder {
	b.rule.SourceProjectPattern = pattern
	return b
}

// WithMessage sets the message pattern
func (b *RoutingRuleBuilder) WithMessage(pattern string) *RoutingRuleBuilder {
	b.rule.MessagePattern = pattern
	return b
}

// WithEnvironment sets the exact environment match
func (b *RoutingRuleBuilder) WithEnvironment(env string) *RoutingRuleBuilder {
	b.rule.Environment = env
	return b
}

// WithTag adds a required tag value
func (b *RoutingRuleBuilder) WithTag(key, value string) *RoutingRuleBuilder {
	tags := b.rule.TagMatches.Data()
	if tags == nil {
		tags = map[string]string{}
	}
	tags[key] = value
	b.rule.TagMatches = datatypes.NewJSONType(tags)
	return b
}

// WithTarget sets owner and priority of the destination
func (b *RoutingRuleBuilder) WithTarget(owner, priority string) *RoutingRuleBuilder {
	b.rule.Target.Owner = owner
	b.rule.Target.Priority = priority
	return b
}

// InTestMode marks the rule as observe-only
func (b *RoutingRuleBuilder) InTestMode() *RoutingRuleBuilder {
	b.rule.TestMode = true
	return b
}

// Disabled sets the rule as disabled
func (b *RoutingRuleBuilder) Disabled() *RoutingRuleBuilder {
	b.rule.Enabled = false
	return b
}

// Build returns the constructed rule
func (b *RoutingRuleBuilder) Build() database.RoutingRule {
	return b.rule
}

// Create inserts the rule
func (b *RoutingRuleBuilder) Create(t *testing.T, db *gorm.DB) *database.RoutingRule {
	t.Helper()
	rule := b.rule
	if err := db.WithContext(context.Background()).Create(&rule).Error; err != nil {
		t.Fatalf("failed to create routing rule: %v", err)
	}
	return &rule
}

// ========================================
// Event Attributes Builder
// ========================================

// AttributesBuilder builds EventAttributes for testing
type AttributesBuilder struct {
	attrs database.EventAttributes
}

// NewAttributesBuilder creates attributes of a typical production error
func NewAttributesBuilder() *AttributesBuilder {
	return &AttributesBuilder{
		attrs: database.EventAttributes{
			SourceProject: "billing-api",
			ErrorType:     "DatabaseTimeout",
			Message:       "query exceeded 30s",
			Culprit:       "billing.repo.load_invoice",
			Environment:   "production",
			Release:       "billing@1.4.2",
			Level:         "error",
			Tags:          map[string]string{},
		},
	}
}

// WithErrorType sets the error type
func (b *AttributesBuilder) WithErrorType(errorType string) *AttributesBuilder {
	b.attrs.ErrorType = errorType
	return b
}

// WithMessage sets the message
func (b *AttributesBuilder) WithMessage(msg string) *AttributesBuilder {
	b.attrs.Message = msg
	return b
}

// WithSourceProject sets the source project
func (b *AttributesBuilder) WithSourceProject(project string) *AttributesBuilder {
	b.attrs.SourceProject = project
	return b
}

// WithEnvironment sets the environment
func (b *AttributesBuilder) WithEnvironment(env string) *AttributesBuilder {
	b.attrs.Environment = env
	return b
}

// WithTag adds a tag
func (b *AttributesBuilder) WithTag(key, value string) *AttributesBuilder {
	b.attrs.Tags[key] = value
	return b
}

// Build returns the constructed attributes
func (b *AttributesBuilder) Build() database.EventAttributes {
	return b.attrs
}
