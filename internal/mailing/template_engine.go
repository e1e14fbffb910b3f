// Package mailing renders campaign content for a single recipient: Liquid
// merge fields plus the mandatory unsubscribe block on email.
package mailing

import (
	"fmt"
	"html"
	"log"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// outputTag matches the variable at the head of a {{ ... }} tag.
var outputTag = regexp.MustCompile(`\{\{(-?)\s*([A-Za-z_][A-Za-z0-9_.]*)`)

// simpleTag matches a whole {{ var }} or {{ var | filter }} tag for the
// fallback substitution path.
var simpleTag = regexp.MustCompile(`\{\{-?\s*([A-Za-z_][A-Za-z0-9_.]*)\s*(?:\|[^}]*)?-?\}\}`)

// TemplateService renders merge-field templates. Field names match
// case-insensitively and unknown fields render as empty strings; Render
// never fails.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // normalized template -> *liquid.Template
}

// NewTemplateService creates a template service with the merge filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// {{ first_name | default: "there" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})
	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})
}

// Render merges data into tpl. Keys of data are matched case-insensitively.
// A template Liquid cannot parse falls back to plain {{field}} substitution.
func (ts *TemplateService) Render(tpl string, data map[string]string) string {
	if !strings.Contains(tpl, "{{") && !strings.Contains(tpl, "{%") {
		return tpl
	}
	bindings := make(map[string]interface{}, len(data))
	for k, v := range data {
		bindings[strings.ToLower(k)] = v
	}

	normalized := normalizeTemplate(tpl)
	parsed, err := ts.parse(normalized)
	if err != nil {
		log.Printf("[TemplateService] parse error, using plain substitution: %v", err)
		return substitute(tpl, bindings)
	}
	out, err := parsed.RenderString(bindings)
	if err != nil {
		log.Printf("[TemplateService] render error, using plain substitution: %v", err)
		return substitute(tpl, bindings)
	}
	return out
}

// RenderHTML is Render with every value HTML-escaped.
func (ts *TemplateService) RenderHTML(tpl string, data map[string]string) string {
	escaped := make(map[string]string, len(data))
	for k, v := range data {
		escaped[k] = html.EscapeString(v)
	}
	return ts.Render(tpl, escaped)
}

func (ts *TemplateService) parse(tpl string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(tpl); ok {
		return cached.(*liquid.Template), nil
	}
	parsed, err := ts.engine.ParseString(tpl)
	if err != nil {
		return nil, err
	}
	ts.cache.Store(tpl, parsed)
	return parsed, nil
}

// normalizeTemplate lower-cases the variable name in every output tag.
func normalizeTemplate(tpl string) string {
	return outputTag.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := outputTag.FindStringSubmatch(m)
		return strings.Replace(m, sub[2], strings.ToLower(sub[2]), 1)
	})
}

func substitute(tpl string, bindings map[string]interface{}) string {
	return simpleTag.ReplaceAllStringFunc(tpl, func(m string) string {
		name := strings.ToLower(simpleTag.FindStringSubmatch(m)[1])
		if v, ok := bindings[name]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	})
}
