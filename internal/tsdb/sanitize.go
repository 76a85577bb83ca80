package tsdb

import "strings"

// Escape is the centralized string-escape primitive for SQL sent to the
// time-series backend, which has no parameter binding on this path. Every
// interpolated string value must pass through here.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString("''")
		case '\\':
			b.WriteString(`\\`)
		case 0:
			// drop NUL bytes outright
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var tableNameReplacer = strings.NewReplacer(
	"/", "_",
	"-", "_",
	".", "_",
	":", "_",
	" ", "_",
)

// childTableName derives the per-entity sub-table name from the family name
// and the ordered tag values.
func childTableName(family string, tagValues []string) string {
	parts := make([]string, 0, len(tagValues)+1)
	parts = append(parts, family)
	for _, v := range tagValues {
		parts = append(parts, sanitizeIdent(v))
	}
	return strings.Join(parts, "_")
}

// sanitizeIdent maps a tag value onto the identifier character set.
func sanitizeIdent(v string) string {
	v = tableNameReplacer.Replace(v)
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
