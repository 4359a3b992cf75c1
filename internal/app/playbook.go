package app

import (
	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/domain"
)

type configPlaybook struct{ pb config.Playbook }

// PlaybookFromConfig adapts the YAML playbook to the domain port.
func PlaybookFromConfig(pb config.Playbook) domain.Playbook { return configPlaybook{pb: pb} }

func (c configPlaybook) TemplatesFor(incidentType string) []domain.TaskTemplate {
	tasks := c.pb.TasksFor(incidentType)
	out := make([]domain.TaskTemplate, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, domain.TaskTemplate{
			ActionType: t.ActionType,
			Owner:      t.Owner,
			Title:      t.Title,
			Priority:   domain.TaskPriority(t.Priority),
		})
	}
	return out
}
