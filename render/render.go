// Package render turns message text into display forms: sanitized HTML for
// rich clients and short plain-text previews for notifications.
package render

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

const ellipsis = "…"

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()

	markdownExtensions = blackfriday.CommonExtensions | blackfriday.HardLineBreak
)

// HTML renders markdown message text and strips anything unsafe.
func HTML(text string) string {
	unsafe := blackfriday.Run([]byte(text), blackfriday.WithExtensions(markdownExtensions))
	return string(ugcPolicy.SanitizeBytes(unsafe))
}

// Plain renders markdown text and drops all markup, collapsing whitespace.
func Plain(text string) string {
	rendered := HTML(text)
	stripped := html.UnescapeString(strictPolicy.Sanitize(rendered))
	return strings.Join(strings.Fields(stripped), " ")
}

// Preview is Plain cut to at most max runes, ellipsis included.
func Preview(text string, max int) string {
	plain := Plain(text)
	if max <= 0 || utf8.RuneCountInString(plain) <= max {
		return plain
	}
	runes := []rune(plain)
	cut := strings.TrimRight(string(runes[:max-1]), " ")
	return cut + ellipsis
}
