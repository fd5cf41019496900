package template

import (
	"encoding/xml"
	"regexp"
	"strings"
)

// ContentType is the media type of rendered templates
const ContentType = "image/svg+xml"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Engine substitutes {{ key }} placeholders in SVG templates
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render replaces every placeholder with the escaped value of its key.
// Placeholders without a value are removed. Output never contains a
// placeholder introduced by a value, so rendering is idempotent.
func (e *Engine) Render(svg string, data map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(svg, func(marker string) string {
		key := placeholderPattern.FindStringSubmatch(marker)[1]
		return escape(data[key])
	})
}

// Keys returns the distinct placeholder keys of svg in order of appearance
func (e *Engine) Keys(svg string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(svg, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// UndeclaredKeys returns placeholders of tmpl that match no variable
func (e *Engine) UndeclaredKeys(tmpl *Template) []string {
	declared := make(map[string]bool, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		declared[v.Key] = true
	}
	var missing []string
	for _, key := range e.Keys(tmpl.SVGTemplate) {
		if !declared[key] {
			missing = append(missing, key)
		}
	}
	return missing
}

func escape(value string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(value))
	// Braces are escaped so a value cannot form a new placeholder.
	return strings.NewReplacer("{", "&#123;", "}", "&#125;").Replace(b.String())
}
