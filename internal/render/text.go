package render

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// stripPolicy removes every tag and keeps only text.
	stripPolicy = bluemonday.StrictPolicy()

	interTagSpacePattern = regexp.MustCompile(`>\s*\n\s*<`)
	paragraphEndPattern  = regexp.MustCompile(`(?i)</(p|h[1-6]|pre|blockquote|ul|ol|table)\s*>`)
	lineEndPattern       = regexp.MustCompile(`(?i)<br\s*/?>|</(div|li|tr)\s*>`)
	listItemPattern      = regexp.MustCompile(`(?i)<li(\s[^>]*)?>`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)
	trailingSpacePattern = regexp.MustCompile(`[ \t]+\n`)
)

// PlainText converts rendered reply content (HTML or plain text) to
// terminal text. Block elements become line breaks, list items get a
// bullet, and every other tag is dropped.
func PlainText(content string) string {
	if !strings.ContainsAny(content, "<&") {
		return strings.TrimSpace(content)
	}
	s := interTagSpacePattern.ReplaceAllString(content, "><")
	s = paragraphEndPattern.ReplaceAllString(s, "$0\n\n")
	s = lineEndPattern.ReplaceAllString(s, "$0\n")
	s = listItemPattern.ReplaceAllString(s, "$0• ")
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = trailingSpacePattern.ReplaceAllString(s, "\n")
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
