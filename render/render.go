// Package render merges a message context into its subject and bodies.
//
// Placeholders take the form #name#. Values merged into the HTML body are
// HTML escaped, the subject and plain text body receive them verbatim.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"inviqa/mail-outbox-relay/mail"
)

var placeholder = regexp.MustCompile(`#([A-Za-z_][A-Za-z0-9_.]*)#`)

// Error is returned when a message cannot be rendered. It is classified as a
// delivery failure of that message only.
type Error struct {
	MessageId   uint
	Field       string
	Placeholder string
}

func (e *Error) Error() string {
	return fmt.Sprintf("render: message %d has no value for #%s# in its %s", e.MessageId, e.Placeholder, e.Field)
}

type Content struct {
	Subject  string
	Body     string
	HtmlBody string
}

// Renderer replaces placeholders with context values. With Strict set a
// placeholder without a value is an error, otherwise it is left untouched.
type Renderer struct {
	Strict bool
}

func New() *Renderer {
	return &Renderer{Strict: true}
}

// Render merges the message context. Messages rendered when they were
// enqueued are returned as stored.
func (r *Renderer) Render(m *mail.Message) (Content, error) {
	c := Content{Subject: m.Subject, Body: m.Body, HtmlBody: m.HtmlBody}
	if !m.RenderOnDelivery {
		return c, nil
	}

	return r.RenderContent(m.Id, c, m.Context)
}

// RenderContent merges values into c.
func (r *Renderer) RenderContent(id uint, c Content, values map[string]string) (Content, error) {
	var err error
	if c.Subject, err = r.merge(id, "subject", c.Subject, values, false); err != nil {
		return Content{}, err
	}
	if c.Body, err = r.merge(id, "body", c.Body, values, false); err != nil {
		return Content{}, err
	}
	if c.HtmlBody, err = r.merge(id, "html body", c.HtmlBody, values, true); err != nil {
		return Content{}, err
	}

	return c, nil
}

func (r *Renderer) merge(id uint, field, s string, values map[string]string, escape bool) (string, error) {
	if !strings.Contains(s, "#") {
		return s, nil
	}

	var missing string
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		if escape {
			return html.EscapeString(v)
		}
		return v
	})

	if missing != "" && r.Strict {
		return "", &Error{MessageId: id, Field: field, Placeholder: missing}
	}

	return out, nil
}
