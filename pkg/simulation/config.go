package simulation

import (
	"fmt"
)

// Config tunes the simulation model. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	BaseSLAHours        float64             `yaml:"base_sla_hours" json:"baseSlaHours"`
	AutoApproveSLAHours float64             `yaml:"auto_approve_sla_hours" json:"autoApproveSlaHours"`
	HoursPerBusinessDay float64             `yaml:"hours_per_business_day" json:"hoursPerBusinessDay"`
	UrgencyMultipliers  map[Urgency]float64 `yaml:"urgency_multipliers" json:"urgencyMultipliers"`
	// TerminalApproval lets the last approver auto-approve ("budget
	// available") when no earlier rule resolved the step.
	TerminalApproval bool `yaml:"terminal_approval" json:"terminalApproval"`
	// DistinguishPending reports chains with manual review as pending
	// instead of approved.
	DistinguishPending bool         `yaml:"distinguish_pending" json:"distinguishPending"`
	Rules              []RuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// RuleConfig is a CEL rule evaluated for every step before the built-in
// actions. The first rule whose expression is true decides the step.
type RuleConfig struct {
	Name     string     `yaml:"name" json:"name"`
	When     string     `yaml:"when" json:"when"`
	Action   StepAction `yaml:"action" json:"action"`
	Reason   string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	SLAHours *float64   `yaml:"sla_hours,omitempty" json:"slaHours,omitempty"`
}

// DefaultConfig returns the standard model: 24h review, 0.1h automatic
// approval, 8h business days and terminal approval enabled.
func DefaultConfig() Config {
	return Config{
		BaseSLAHours:        24,
		AutoApproveSLAHours: 0.1,
		HoursPerBusinessDay: 8,
		UrgencyMultipliers: map[Urgency]float64{
			UrgencyLow:    1.5,
			UrgencyNormal: 1.0,
			UrgencyHigh:   0.5,
			UrgencyUrgent: 0.25,
		},
		TerminalApproval: true,
	}
}

// Validate checks the configuration for values that would make results
// meaningless.
func (c Config) Validate() error {
	if c.BaseSLAHours < 0 || c.AutoApproveSLAHours < 0 {
		return fmt.Errorf("simulation: SLA hours must not be negative")
	}
	if c.HoursPerBusinessDay <= 0 {
		return fmt.Errorf("simulation: hours_per_business_day must be positive, got %v", c.HoursPerBusinessDay)
	}
	if _, ok := c.UrgencyMultipliers[UrgencyNormal]; !ok {
		return fmt.Errorf("simulation: urgency_multipliers must define %q", UrgencyNormal)
	}
	for u, m := range c.UrgencyMultipliers {
		if m <= 0 {
			return fmt.Errorf("simulation: multiplier for %q must be positive, got %v", u, m)
		}
	}
	for i, r := range c.Rules {
		if r.When == "" {
			return fmt.Errorf("simulation: rule %d (%s) has no expression", i, r.Name)
		}
		if !r.Action.Valid() {
			return fmt.Errorf("simulation: rule %d (%s) has unknown action %q", i, r.Name, r.Action)
		}
		if r.SLAHours != nil && *r.SLAHours < 0 {
			return fmt.Errorf("simulation: rule %d (%s) has negative sla_hours", i, r.Name)
		}
	}
	return nil
}
