// Package render personalizes campaign HTML using the Liquid template
// language. `{{field}}` placeholders resolve case-sensitively from the
// recipient context; missing fields render as empty strings so a sparse
// contact never fails a send.
package render

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
)

// Engine renders Liquid templates with caching keyed by campaign.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates a render engine with the custom filter set.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// Fallback value: {{ first_name | default: "there" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// URL encode: {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Extract domain from email: {{ email | email_domain }}
	e.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

// Render processes a template against a recipient context. Templates are
// cached under cacheKey (pass "" to skip caching). On parse or render errors
// the original template is returned alongside the error; callers decide
// whether that is acceptable.
func (e *Engine) Render(cacheKey, templateStr string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(ctx)
		}
	}

	tpl, err := e.engine.ParseString(templateStr)
	if err != nil {
		return templateStr, err
	}
	if cacheKey != "" {
		e.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(ctx)
}

// ClearCache drops all cached templates.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// ContactContext builds the merge-field context for a recipient. Custom
// attributes come first so the well-known contact fields always win on
// collision.
func ContactContext(c campaign.Contact) map[string]interface{} {
	ctx := make(map[string]interface{}, len(c.Attributes)+7)
	for k, v := range c.Attributes {
		ctx[k] = v
	}
	ctx["email"] = c.Email
	ctx["first_name"] = c.FirstName
	ctx["last_name"] = c.LastName
	ctx["city"] = c.City
	ctx["country"] = c.Country
	ctx["status"] = c.Status
	ctx["subscription_type"] = c.SubscriptionType
	return ctx
}

// InjectPreheader prepends a visually hidden preheader span into the HTML
// body, the standard technique for controlling inbox preview text.
func InjectPreheader(htmlContent, preheader string) string {
	if preheader == "" || htmlContent == "" {
		return htmlContent
	}

	span := fmt.Sprintf(
		`<div style="display:none;font-size:1px;color:#ffffff;line-height:1px;max-height:0px;max-width:0px;opacity:0;overflow:hidden;">%s</div>`,
		html.EscapeString(preheader),
	)

	bodyIdx := strings.Index(strings.ToLower(htmlContent), "<body")
	if bodyIdx >= 0 {
		if closeIdx := strings.Index(htmlContent[bodyIdx:], ">"); closeIdx >= 0 {
			insertAt := bodyIdx + closeIdx + 1
			return htmlContent[:insertAt] + span + htmlContent[insertAt:]
		}
	}

	return span + htmlContent
}
