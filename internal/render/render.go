// Package render fills message subject and body from the active
// template catalog. Rendering never blocks a send: a failed template
// degrades to an explanatory subject and body instead of an error.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"

	"github.com/klaxonhq/klaxon/internal/model"
)

// templateSource is the slice of the cache the renderer reads.
type templateSource interface {
	Template(name string) (*model.Template, bool)
}

// contentSource loads stored subject/body for messages without a
// template (response echoes).
type contentSource interface {
	Content(ctx context.Context, messageID int64) (subject, body string, err error)
}

// Gmail actions markup appended to email bodies when oneclick claim
// URLs are enabled.
const oneclickEmailMarkup = `<div itemscope itemtype="http://schema.org/EmailMessage">
  <div itemprop="potentialAction" itemscope itemtype="http://schema.org/ViewAction">
    <link itemprop="target" href="%s"/>
    <meta itemprop="name" content="Claim Incident"/>
  </div>
  <meta itemprop="description" content="Claim incident %d"/>
</div>`

type Renderer struct {
	templates templateSource
	messages  contentSource

	// ClaimURL returns a signed oneclick claim URL for a message, or ""
	// when oneclick is disabled.
	ClaimURL func(messageID int64, email string) string
}

func New(templates templateSource, messages contentSource) *Renderer {
	return &Renderer{templates: templates, messages: messages}
}

// Render populates Subject, Body and TemplateID in place.
func (r *Renderer) Render(ctx context.Context, m *model.Message) error {
	if m.Template == "" {
		if m.MessageID != 0 {
			// Response echoes carry no template, their content is already
			// in the message row.
			subject, body, err := r.messages.Content(ctx, m.MessageID)
			if err != nil {
				return fmt.Errorf("loading stored message content: %w", err)
			}
			m.Subject, m.Body = subject, body
		}
		// Out-of-band messages arrive with content populated.
		return nil
	}

	if len(m.AggregatedIDs) > 0 {
		m.Subject = fmt.Sprintf("[%s] %d messages from plan %s", m.Application, len(m.AggregatedIDs), m.Plan)
		m.Body = "Batch ID: " + m.BatchID
		m.TemplateID = nil
		return nil
	}

	subject, body, tplID, rerr := r.renderTemplate(m)
	if rerr != "" {
		slog.ErrorContext(ctx, "message render failed",
			"reason", rerr, "message_id", m.MessageID, "template", m.Template)
		m.Subject = fmt.Sprintf("%d klaxon failed to render your message", m.MessageID)
		m.Body = fmt.Sprintf("Failed rendering message.\n\nContext: %+v\n\nError: %s", m.Context, rerr)
		m.TemplateID = nil
		return nil
	}

	m.Subject = subject
	// Pre-populated body text (the creator fallback explanation) stays
	// as a prefix ahead of the rendered body.
	m.Body += body
	m.TemplateID = &tplID

	if r.ClaimURL != nil && m.Mode == "email" && m.IncidentID != nil {
		if url := r.ClaimURL(m.MessageID, m.Destination); url != "" {
			m.ExtraHTML = fmt.Sprintf(oneclickEmailMarkup, url, *m.IncidentID)
		}
	}
	return nil
}

// renderTemplate resolves template -> application -> mode and executes
// both parts. A non-empty reason string reports failure.
func (r *Renderer) renderTemplate(m *model.Message) (subject, body string, tplID int64, reason string) {
	tpl, ok := r.templates.Template(m.Template)
	if !ok {
		return "", "", 0, fmt.Sprintf("template %s does not exist", m.Template)
	}
	appTpl, ok := tpl.Content[m.Application]
	if !ok {
		return "", "", 0, fmt.Sprintf("template %s does not have application %s", m.Template, m.Application)
	}
	modeTpl, ok := appTpl[m.Mode]
	if !ok {
		return "", "", 0, fmt.Sprintf("template %s - %s does not have mode %s", m.Template, m.Application, m.Mode)
	}

	subject, err := execute(modeTpl.Subject, m.Context)
	if err != nil {
		return "", "", 0, fmt.Sprintf("template %s - %s - %s - subject failed to render: %v",
			m.Template, m.Application, m.Mode, err)
	}
	body, err = execute(modeTpl.Body, m.Context)
	if err != nil {
		return "", "", 0, fmt.Sprintf("template %s - %s - %s - body failed to render: %v",
			m.Template, m.Application, m.Mode, err)
	}
	return subject, body, tpl.ID, ""
}

// TrackingContent renders the tracking notification for a new incident.
// Each part degrades independently to an explanatory string, so a
// broken template still produces a notification.
type TrackingContent struct {
	Subject string
	Body    string
	HTML    string
}

func (r *Renderer) RenderTracking(plan *model.Plan, application string, context map[string]any) (TrackingContent, bool) {
	if plan.TrackingTemplate == nil {
		return TrackingContent{}, false
	}
	tt, ok := plan.TrackingTemplate[application]
	if !ok {
		return TrackingContent{}, false
	}

	var out TrackingContent
	subject, err := execute(tt.EmailSubject, context)
	if err != nil {
		subject = fmt.Sprintf("plan %s - tracking notification subject failed to render: %v", plan.Name, err)
	}
	out.Subject = subject

	body, err := execute(tt.EmailText, context)
	if err != nil {
		body = fmt.Sprintf("plan %s - tracking notification body failed to render: %v", plan.Name, err)
	}
	out.Body = body

	if tt.EmailHTML != "" {
		html, err := execute(tt.EmailHTML, context)
		if err != nil {
			html = fmt.Sprintf("plan %s - tracking notification html body failed to render: %v", plan.Name, err)
		}
		out.HTML = html
	}
	return out, true
}

func execute(text string, data map[string]any) (string, error) {
	t, err := template.New("").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
