// Package flow implements the FlowPipe execution engine: it advances a conversation through a flow graph
// one inbound message at a time.
package flow

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {{name}} with optional inner spaces. Names may contain dots and dashes
// so that captured fields such as {{contact.name}} resolve.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Resolve replaces every {{name}} in template with vars[name], or the empty string when the
// variable is unset. Substituted values are never scanned again.
func Resolve(template string, vars map[string]string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return ""
		}
		return vars[sub[1]]
	})
}

// resolveMap applies Resolve to every value of m.
func resolveMap(m map[string]string, vars map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Resolve(v, vars)
	}
	return out
}
