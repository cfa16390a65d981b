package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"

	"github.com/akmatori/issuebridge/internal/database"
)

const (
	// MatchedConfidence is the confidence of a decision produced by a routing rule
	MatchedConfidence = 1.0
	// FallbackConfidence is the confidence of a decision that fell back to the tenant default
	FallbackConfidence = 0.3

	patternCacheSize = 512
)

// RoutingDecision is where an event should become a ticket
type RoutingDecision struct {
	database.Destination
	MatchedRuleID   *uint   `json:"matched_rule_id,omitempty"`
	MatchedRuleName string  `json:"matched_rule_name,omitempty"`
	Confidence      float64 `json:"confidence"`
	Fallback        bool    `json:"fallback"`
	TestMatches     []uint  `json:"test_matches,omitempty"`
}

// Persisted converts the decision to its stored form
func (d RoutingDecision) Persisted() database.Decision {
	return database.Decision{
		Destination:   d.Destination,
		MatchedRuleID: d.MatchedRuleID,
		Confidence:    d.Confidence,
	}
}

// DecisionFromPersisted rebuilds a decision from a stored row
func DecisionFromPersisted(d database.Decision) RoutingDecision {
	return RoutingDecision{
		Destination:   d.Destination,
		MatchedRuleID: d.MatchedRuleID,
		Confidence:    d.Confidence,
		Fallback:      d.MatchedRuleID == nil,
	}
}

// RoutingEngine evaluates a tenant's ordered routing rules against event attributes
type RoutingEngine struct {
	db       *gorm.DB
	patterns *lru.Cache[string, *regexp.Regexp]
	validate *validator.Validate
}

// NewRoutingEngine creates a new routing engine
func NewRoutingEngine(db *gorm.DB) *RoutingEngine {
	patterns, _ := lru.New[string, *regexp.Regexp](patternCacheSize)
	return &RoutingEngine{
		db:       db,
		patterns: patterns,
		validate: validator.New(),
	}
}

// Route loads the tenant's enabled rules and evaluates them for the event
func (e *RoutingEngine) Route(ctx context.Context, event *database.WebhookEvent, cfg *database.BridgeConfig) (RoutingDecision, error) {
	rules, err := e.ListRules(ctx, cfg.TenantID, true)
	if err != nil {
		return RoutingDecision{}, fmt.Errorf("failed to load routing rules: %w", err)
	}
	decision := e.Evaluate(rules, event.Attributes.Data(), cfg)
	if decision.Fallback {
		slog.DebugContext(ctx, "routing fell back to tenant default", "tenant", cfg.TenantID,
			"event", event.ID, "reason", ErrNoMatchingRule)
	}
	return decision, nil
}

// Evaluate is the pure routing function: the first enabled, fully matching, non-test rule by
// (priority, created_at, id) wins. Matching test-mode rules are reported but never route.
func (e *RoutingEngine) Evaluate(rules []database.RoutingRule, attrs database.EventAttributes, cfg *database.BridgeConfig) RoutingDecision {
	ordered := make([]database.RoutingRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var testMatches []uint
	for i := range ordered {
		rule := &ordered[i]
		if !rule.Enabled || !e.matches(rule, attrs, cfg) {
			continue
		}
		if rule.TestMode {
			slog.Info("test-mode routing rule matched", "tenant", cfg.TenantID, "rule", rule.ID, "name", rule.Name)
			testMatches = append(testMatches, rule.ID)
			continue
		}
		id := rule.ID
		return RoutingDecision{
			Destination:     withDefaults(rule.Target, cfg.DefaultDestination),
			MatchedRuleID:   &id,
			MatchedRuleName: rule.Name,
			Confidence:      MatchedConfidence,
			TestMatches:     testMatches,
		}
	}

	return RoutingDecision{
		Destination: cfg.DefaultDestination,
		Confidence:  FallbackConfidence,
		Fallback:    true,
		TestMatches: testMatches,
	}
}

func withDefaults(target, defaults database.Destination) database.Destination {
	if target.Owner == "" {
		target.Owner = defaults.Owner
	}
	if target.Priority == "" {
		target.Priority = defaults.Priority
	}
	return target
}

func (e *RoutingEngine) matches(rule *database.RoutingRule, attrs database.EventAttributes, cfg *database.BridgeConfig) bool {
	checks := []struct {
		pattern string
		value   string
	}{
		{rule.SourceProjectPattern, attrs.SourceProject},
		{rule.ErrorTypePattern, attrs.ErrorType},
		{rule.MessagePattern, attrs.Message},
		{rule.CulpritPattern, attrs.Culprit},
		{rule.ReleasePattern, attrs.Release},
	}
	for _, c := range checks {
		if c.pattern == "" {
			continue
		}
		re, err := e.compile(c.pattern)
		if err != nil {
			// rules are validated on save, so this only happens for rows edited out of band
			slog.Warn("skipping routing rule with invalid pattern", "rule", rule.ID, "pattern", c.pattern, "err", err)
			return false
		}
		if !re.MatchString(c.value) {
			return false
		}
	}

	if rule.Environment != "" && !strings.EqualFold(rule.Environment, attrs.Environment) {
		return false
	}

	for key, want := range rule.TagMatches.Data() {
		// tags outside the privacy allow-list are never visible to rules
		if !cfg.TagAllowed(key) {
			return false
		}
		got, ok := attrs.Tags[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func (e *RoutingEngine) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.patterns.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	e.patterns.Add(pattern, re)
	return re, nil
}

// ValidateRule rejects rules with missing fields, an unusable destination, or malformed patterns
func (e *RoutingEngine) ValidateRule(rule *database.RoutingRule) error {
	if err := e.validate.Struct(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if strings.TrimSpace(rule.Target.Project) == "" {
		return fmt.Errorf("%w: target project is required", ErrInvalidRule)
	}
	patterns := map[string]string{
		"source_project_pattern": rule.SourceProjectPattern,
		"error_type_pattern":     rule.ErrorTypePattern,
		"message_pattern":        rule.MessagePattern,
		"culprit_pattern":        rule.CulpritPattern,
		"release_pattern":        rule.ReleasePattern,
	}
	for field, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if _, err := e.compile(pattern); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRule, field, err)
		}
	}
	for key := range rule.TagMatches.Data() {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: tag key must not be empty", ErrInvalidRule)
		}
	}
	return nil
}

// SaveRule validates and stores a rule. Existing rules must belong to the same tenant.
func (e *RoutingEngine) SaveRule(ctx context.Context, rule *database.RoutingRule) error {
	if err := e.ValidateRule(rule); err != nil {
		return err
	}
	db := e.db.WithContext(ctx)
	if rule.ID == 0 {
		return db.Create(rule).Error
	}

	var existing database.RoutingRule
	err := db.Where("tenant_id = ? AND id = ?", rule.TenantID, rule.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	return db.Save(rule).Error
}

// DeleteRule removes a tenant's rule
func (e *RoutingEngine) DeleteRule(ctx context.Context, tenantID string, id uint) error {
	result := e.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&database.RoutingRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns a tenant's rules in evaluation order
func (e *RoutingEngine) ListRules(ctx context.Context, tenantID string, enabledOnly bool) ([]database.RoutingRule, error) {
	query := e.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var rules []database.RoutingRule
	err := query.Order("priority ASC, created_at ASC, id ASC").Find(&rules).Error
	return rules, err
}
