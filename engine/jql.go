package engine

import "strings"

// jqlEscaper escapes the characters the tracker's query language treats as
// operators. Quotes get a single backslash; the operator characters
// + - & | ~ * ? get a double backslash, per the tracker's escaping rules
// for text-search terms.
var jqlEscaper = strings.NewReplacer(
	`'`, `\'`,
	`"`, `\"`,
	`+`, `\\+`,
	`-`, `\\-`,
	`&`, `\\&`,
	`|`, `\\|`,
	`~`, `\\~`,
	`*`, `\\*`,
	`?`, `\\?`,
)

// escapeJQL sanitizes free text for use inside a quoted JQL term. The
// bracketed parameter section of parameterized test names is dropped
// entirely: it changes per invocation and would defeat duplicate matching.
func escapeJQL(text string) string {
	escaped := jqlEscaper.Replace(text)
	if idx := strings.LastIndex(escaped, "["); idx >= 0 {
		escaped = escaped[:idx]
	}
	return escaped
}
