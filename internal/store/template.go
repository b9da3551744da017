package store

import (
	"context"
	"fmt"

	"github.com/klaxonhq/klaxon/internal/model"
)

type TemplateStore struct {
	q Querier
}

// Active loads the active templates with their per-(application, mode)
// content, keyed by template name.
func (s *TemplateStore) Active(ctx context.Context) (map[string]*model.Template, error) {
	rows, err := s.q.Query(ctx, `SELECT template.id, template.name,
        application.name, mode.name, template_content.subject, template_content.body
    FROM template
    JOIN template_active ON template.id = template_active.template_id
    JOIN template_content ON template_content.template_id = template.id
    JOIN application ON template_content.application_id = application.id
    JOIN mode ON template_content.mode_id = mode.id`)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	out := map[string]*model.Template{}
	for rows.Next() {
		var (
			id            int64
			name, app, md string
			subject, body string
		)
		if err := rows.Scan(&id, &name, &app, &md, &subject, &body); err != nil {
			return nil, fmt.Errorf("scanning template content: %w", err)
		}
		tpl, ok := out[name]
		if !ok {
			tpl = &model.Template{ID: id, Name: name, Content: map[string]map[string]model.TemplateContent{}}
			out[name] = tpl
		}
		if tpl.Content[app] == nil {
			tpl.Content[app] = map[string]model.TemplateContent{}
		}
		tpl.Content[app][md] = model.TemplateContent{Subject: subject, Body: body}
	}
	return out, rows.Err()
}
