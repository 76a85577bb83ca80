package rules

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ExpandTemplate substitutes {{key}} placeholders with label values.
// Unknown keys are left literal.
func ExpandTemplate(s string, labels map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		if v, ok := labels[key]; ok {
			return v
		}
		return match
	})
}
