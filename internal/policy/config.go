package policy

import (
	"errors"
	"fmt"
)

// Config lists the rules of a verify policy.
type Config struct {
	// Rules are evaluated by descending priority; the first rule whose
	// expression is true decides.
	Rules []Rule `yaml:"rules,omitempty" json:"rules,omitempty"`

	// Default is the effect when no rule matches. Empty keeps the
	// verification engine's own verdict.
	Default Effect `yaml:"default,omitempty" json:"default,omitempty"`
}

// Rule is one CEL expression with an effect.
type Rule struct {
	// Name identifies the rule in logs and metrics.
	Name string `yaml:"name" json:"name"`

	// Description is the rule description.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Expression is a CEL expression that evaluates to a bool.
	Expression string `yaml:"expression" json:"expression"`

	// Effect is allow (default) or deny.
	Effect Effect `yaml:"effect,omitempty" json:"effect,omitempty"`

	// Priority orders evaluation (higher first).
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Effect is the outcome of a matching rule.
type Effect string

// Rule effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Validate validates the policy configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Default != "" && c.Default != EffectAllow && c.Default != EffectDeny {
		return fmt.Errorf("invalid default effect: %s (must be 'allow' or 'deny')", c.Default)
	}

	seen := make(map[string]struct{}, len(c.Rules))
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := seen[c.Rules[i].Name]; dup {
			return fmt.Errorf("rules[%d]: duplicate rule name %q", i, c.Rules[i].Name)
		}
		seen[c.Rules[i].Name] = struct{}{}
	}
	return nil
}

// Validate validates a rule.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Expression == "" {
		return errors.New("expression is required")
	}
	if r.Effect != "" && r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("invalid effect: %s (must be 'allow' or 'deny')", r.Effect)
	}
	return nil
}

// GetEffectiveEffect returns the effective effect for a rule.
func (r *Rule) GetEffectiveEffect() Effect {
	if r.Effect != "" {
		return r.Effect
	}
	return EffectAllow
}
