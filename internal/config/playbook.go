package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlaybookTask is one task template opened for a matching incident.
type PlaybookTask struct {
	ActionType string `yaml:"action_type"`
	Owner      string `yaml:"owner"`
	// Title may contain the {channel} placeholder, replaced with the
	// incident channel (or the literal "channel" when it has none).
	Title string `yaml:"title"`
	// Priority pins the task priority regardless of incident severity.
	// Empty means severity decides: P1 for critical/high, else P2.
	Priority string `yaml:"priority,omitempty"`
}

// PlaybookRule maps incident types to the tasks they open.
type PlaybookRule struct {
	IncidentTypes []string       `yaml:"incident_types"`
	Tasks         []PlaybookTask `yaml:"tasks"`
}

// Playbook is the incident response playbook. Fallback applies to any
// incident type no rule matches.
type Playbook struct {
	Rules    []PlaybookRule `yaml:"rules"`
	Fallback []PlaybookTask `yaml:"fallback"`
}

// DefaultPlaybook returns the compiled-in playbook used when no YAML file
// is configured.
func DefaultPlaybook() Playbook {
	return Playbook{
		Rules: []PlaybookRule{
			{
				IncidentTypes: []string{"lead_drop"},
				Tasks: []PlaybookTask{
					{ActionType: "audit_top_funnel", Owner: "growth", Title: "Audit top-of-funnel tracking and landing pages"},
					{ActionType: "reactivate_recent_leads", Owner: "sales", Title: "Reactivate stalled leads from last 14 days"},
				},
			},
			{
				IncidentTypes: []string{"win_rate_drop"},
				Tasks: []PlaybookTask{
					{ActionType: "review_lost_reasons", Owner: "sales", Title: "Review lost reasons and update objection playbook"},
				},
			},
			{
				IncidentTypes: []string{"spend_no_wins", "negative_roi"},
				Tasks: []PlaybookTask{
					{ActionType: "budget_reallocation", Owner: "growth", Title: "Reallocate budget for {channel}"},
					{ActionType: "quality_check_channel", Owner: "sales", Title: "Quality check leads from {channel}"},
				},
			},
		},
		Fallback: []PlaybookTask{
			{ActionType: "incident_triage", Owner: "ops", Title: "Triage incident and assign owner", Priority: "P2"},
		},
	}
}

// LoadPlaybook loads the playbook from path, or the compiled-in default
// when path is empty.
func LoadPlaybook(path string) (Playbook, error) {
	if path == "" {
		return DefaultPlaybook(), nil
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return Playbook{}, fmt.Errorf("op=config.LoadPlaybook: %w", err)
	}
	var pb Playbook
	if err := yaml.Unmarshal(content, &pb); err != nil {
		return Playbook{}, fmt.Errorf("op=config.LoadPlaybook: parse %s: %w", path, err)
	}
	if err := pb.Validate(); err != nil {
		return Playbook{}, fmt.Errorf("op=config.LoadPlaybook: %s: %w", path, err)
	}
	return pb, nil
}

// Validate checks every task template is complete enough to open tasks from.
func (p Playbook) Validate() error {
	check := func(where string, tasks []PlaybookTask) error {
		for i, t := range tasks {
			if t.ActionType == "" || t.Owner == "" || t.Title == "" {
				return fmt.Errorf("%s task %d: action_type, owner and title are required", where, i)
			}
			switch t.Priority {
			case "", "P1", "P2", "P3":
			default:
				return fmt.Errorf("%s task %d: priority must be P1/P2/P3", where, i)
			}
		}
		return nil
	}
	for i, rule := range p.Rules {
		if len(rule.IncidentTypes) == 0 {
			return fmt.Errorf("rule %d: incident_types is empty", i)
		}
		if err := check(fmt.Sprintf("rule %d", i), rule.Tasks); err != nil {
			return err
		}
	}
	return check("fallback", p.Fallback)
}

// TasksFor returns the task templates for an incident type, falling back to
// the catch-all set when no rule matches.
func (p Playbook) TasksFor(incidentType string) []PlaybookTask {
	for _, rule := range p.Rules {
		for _, t := range rule.IncidentTypes {
			if t == incidentType {
				return rule.Tasks
			}
		}
	}
	return p.Fallback
}
