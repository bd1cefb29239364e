package jobs

import (
	"regexp"
	"strings"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// EscapeHTML escapes the characters that could break out of HTML text or attributes.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// ReplaceVariables substitutes {{ name }} placeholders with HTML-escaped values.
// Unknown placeholders are left as written.
func ReplaceVariables(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		re := regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(key) + `\s*\}\}`)
		escaped := EscapeHTML(value)
		out = re.ReplaceAllLiteralString(out, escaped)
	}
	return out
}

var (
	bulletLine     = regexp.MustCompile(`(?m)^\s*[•\-*]\s+`)
	bulletPrefix   = regexp.MustCompile(`^[•\-*]\s+`)
	paragraphBreak = regexp.MustCompile(`\n\n+`)
)

// FormatEmailBody turns a plain-text body into HTML paragraphs and lists. Bodies that
// already contain paragraphs are returned unchanged.
func FormatEmailBody(body string) string {
	if body == "" {
		return body
	}
	if strings.Contains(body, "<p>") && strings.Contains(body, "</p>") {
		return body
	}

	if bulletLine.MatchString(body) {
		var (
			b         strings.Builder
			inList    bool
			paragraph string
		)
		flush := func() {
			if paragraph != "" {
				b.WriteString("<p>" + strings.TrimSpace(paragraph) + "</p>")
				paragraph = ""
			}
		}
		for _, line := range strings.Split(body, "\n") {
			trimmed := strings.TrimSpace(line)
			switch {
			case bulletPrefix.MatchString(trimmed):
				flush()
				if !inList {
					b.WriteString("<ul>")
					inList = true
				}
				b.WriteString("<li>" + bulletPrefix.ReplaceAllString(trimmed, "") + "</li>")
			case trimmed != "":
				if inList {
					b.WriteString("</ul>")
					inList = false
				}
				if paragraph != "" {
					paragraph += " "
				}
				paragraph += trimmed
			case !inList:
				flush()
			}
		}
		flush()
		if inList {
			b.WriteString("</ul>")
		}
		return b.String()
	}

	parts := paragraphBreak.Split(body, -1)
	if len(parts) > 1 {
		var b strings.Builder
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			b.WriteString("<p>" + strings.ReplaceAll(p, "\n", " ") + "</p>")
		}
		return b.String()
	}
	return "<p>" + strings.TrimSpace(body) + "</p>"
}
