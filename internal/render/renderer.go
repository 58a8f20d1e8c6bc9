// Package render turns template identifiers and data maps into final message
// text. The same renderer backs USSD menus, outbound SMS and ad-hoc bodies.
package render

import (
	"regexp"
	"strings"
)

// FallbackMessage is returned for unknown template identifiers.
const FallbackMessage = "You have a new notification from EcoCollect."

// placeholderRegex matches {{name}} (group 1) or {name} (group 2). The
// double-brace alternative comes first so {{name}} is never read as {name}.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}|\{([A-Za-z0-9_]+)\}`)

type Renderer struct {
	templates map[string]string
}

func New(templates map[string]string) *Renderer {
	copied := make(map[string]string, len(templates))
	for id, text := range templates {
		copied[id] = text
	}
	return &Renderer{templates: copied}
}

// Default returns a renderer loaded with the built-in SMS templates.
func Default() *Renderer {
	return New(SMSTemplates)
}

func (r *Renderer) Has(id string) bool {
	_, ok := r.templates[id]
	return ok
}

// Render never fails: unknown ids yield FallbackMessage.
func (r *Renderer) Render(id string, data map[string]string) string {
	text, ok := r.templates[id]
	if !ok {
		return FallbackMessage
	}
	return r.RenderCustom(text, data)
}

// RenderCustom renders ad-hoc text supporting both placeholder syntaxes in a
// single pass, so substituted values are never expanded again. Unknown
// {{name}} tokens are left as written; unknown {name} tokens become empty.
func (r *Renderer) RenderCustom(text string, data map[string]string) string {
	var b strings.Builder
	last := 0
	for _, loc := range placeholderRegex.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(text[last:loc[0]])
		last = loc[1]

		if loc[2] >= 0 {
			if v, ok := data[text[loc[2]:loc[3]]]; ok {
				b.WriteString(v)
			} else {
				b.WriteString(text[loc[0]:loc[1]])
			}
			continue
		}
		b.WriteString(data[text[loc[4]:loc[5]]])
	}
	b.WriteString(text[last:])
	return b.String()
}

// MissingVariables lists the {{name}} placeholders of template id that data
// does not provide. Unknown ids have none.
func (r *Renderer) MissingVariables(id string, data map[string]string) []string {
	return ValidateTemplateVariables(r.templates[id], data)
}

// ValidateTemplateVariables lists {{name}} placeholders that data does not
// provide, in order of first appearance and without duplicates.
func ValidateTemplateVariables(text string, data map[string]string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, m := range placeholderRegex.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == "" {
			continue
		}
		if _, ok := data[name]; ok || seen[name] {
			continue
		}
		seen[name] = true
		missing = append(missing, name)
	}
	return missing
}

// Merge returns base overlaid with override; neither map is modified.
func Merge(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
