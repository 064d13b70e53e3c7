package backend

import (
	"regexp"
	"strings"
)

// Known secret shapes scrubbed from stderr and diagnostics before they are
// retained or shown to operators.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),
}

// keyValuePattern catches NAME=value assignments whose name looks sensitive.
var keyValuePattern = regexp.MustCompile(
	`(?i)([A-Za-z0-9_]*(?:key|token|secret|password|credential)[A-Za-z0-9_]*)=\S+`)

// RedactSecrets replaces known secret shapes in s with a placeholder.
func RedactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return keyValuePattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// TruncateChunk limits a stderr chunk to StderrChunkLimit characters.
func TruncateChunk(s string) string {
	if len(s) <= StderrChunkLimit {
		return s
	}
	return s[:StderrChunkLimit] + "...(truncated)"
}

// RedactURLTemplate returns the presentable form of an HTTP backend URL
// template. Policy: the verbatim ${ENV_VAR} placeholders are kept (they
// name configuration, not secrets), the query string and any userinfo are
// stripped. The same form is used by both diagnostics and error messages;
// the resolved URL is used only to dial and never presented.
func RedactURLTemplate(tmpl string) string {
	if i := strings.IndexByte(tmpl, '?'); i >= 0 {
		tmpl = tmpl[:i]
	}
	// Strip userinfo from the authority if present.
	if schemeEnd := strings.Index(tmpl, "://"); schemeEnd >= 0 {
		rest := tmpl[schemeEnd+3:]
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			if slash := strings.IndexByte(rest, '/'); slash < 0 || at < slash {
				tmpl = tmpl[:schemeEnd+3] + rest[at+1:]
			}
		}
	}
	return tmpl
}

// envPlaceholder matches ${NAME} template placeholders.
var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandTemplate resolves ${NAME} placeholders using lookup. Unresolved
// placeholders are reported by name so errors stay free of resolved values.
func ExpandTemplate(tmpl string, lookup func(string) (string, bool)) (string, []string) {
	var missing []string
	out := envPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		if v, ok := lookup(name); ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	return out, missing
}
