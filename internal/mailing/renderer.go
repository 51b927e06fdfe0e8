// Package mailing renders campaign content for individual recipients
// using the Liquid template language.
package mailing

import (
	"crypto/md5"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders subject/body templates with per-recipient substitution
// data. Compiled templates are cached by content hash so a campaign's
// templates are parsed once, not once per recipient.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // md5(content) -> *liquid.Template
}

// NewRenderer creates a renderer with the custom filters campaigns rely on.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ name | capitalize }}
	engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	return &Renderer{engine: engine}
}

// Render expands one template with the given bindings. Unknown variables
// render as empty strings, matching Liquid's lax production behavior;
// a missing field must never block a send.
func (r *Renderer) Render(content string, data map[string]interface{}) (string, error) {
	if content == "" || !strings.Contains(content, "{{") && !strings.Contains(content, "{%") {
		return content, nil
	}

	tpl, err := r.template(content)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	out, err := tpl.Render(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return string(out), nil
}

// RenderMessage renders subject, HTML, and text in one call.
func (r *Renderer) RenderMessage(subject, html, text string, data map[string]interface{}) (string, string, string, error) {
	s, err := r.Render(subject, data)
	if err != nil {
		return "", "", "", err
	}
	h, err := r.Render(html, data)
	if err != nil {
		return "", "", "", err
	}
	t, err := r.Render(text, data)
	if err != nil {
		return "", "", "", err
	}
	return s, h, t, nil
}

func (r *Renderer) template(content string) (*liquid.Template, error) {
	key := fmt.Sprintf("%x", md5.Sum([]byte(content)))
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(content)
	if err != nil {
		return nil, err
	}
	r.cache.Store(key, tpl)
	return tpl, nil
}
