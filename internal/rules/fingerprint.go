package rules

import (
	"sort"
	"strings"
)

// Fingerprint derives the canonical identity of one alarm series from its
// alert name and label set. Labels are sorted by key so the result is stable
// under insertion order; an "alertname" label is skipped since the name
// already leads the string.
func Fingerprint(alertName string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		if k == "alertname" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("alertname=")
	b.WriteString(alertName)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
