// Package conversion turns narrator markdown into the sanitized HTML sent as
// renderedContent.
package conversion

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// Converter handles markdown-to-HTML conversion with configurable options.
type Converter struct {
	extensions []goldmark.Extender
	sanitizer  *bluemonday.Policy
	md         goldmark.Markdown
}

// Option configures the Converter.
type Option func(*Converter)

// WithHighlighting enables syntax highlighting of fenced code with the
// specified chroma style.
func WithHighlighting(style string) Option {
	return func(c *Converter) {
		c.extensions = append(c.extensions, highlighting.NewHighlighting(
			highlighting.WithStyle(style),
		))
	}
}

// WithTypographer replaces straight quotes, dashes and ellipses with their
// typographic forms.
func WithTypographer() Option {
	return func(c *Converter) {
		c.extensions = append(c.extensions, extension.Typographer)
	}
}

// WithSanitization enables HTML sanitization using the provided policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(c *Converter) {
		c.sanitizer = policy
	}
}

// NewConverter creates a new Converter with the given options.
func NewConverter(opts ...Option) *Converter {
	c := &Converter{
		extensions: []goldmark.Extender{extension.GFM},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.md = goldmark.New(
		goldmark.WithExtensions(c.extensions...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)
	return c
}

// DefaultConverter returns a converter with default settings suitable for
// narrator replies.
func DefaultConverter() *Converter {
	return NewConverter(
		WithHighlighting("monokai"),
		WithTypographer(),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer creates a bluemonday policy that allows safe HTML for markdown rendering.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	// goldmark-highlighting classes and inline colors
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowStyles("color", "background-color", "font-weight", "font-style").OnElements("span", "pre")

	// heading anchors
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")

	return p
}

// Convert converts markdown text to HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	result := buf.String()
	if c.sanitizer != nil {
		result = c.sanitizer.Sanitize(result)
	}
	return result, nil
}

// ConvertToSafeHTML converts markdown and escapes it on error, so a bad
// reply still renders as text.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	result, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + EscapeHTML(markdown) + "</pre>"
	}
	return result
}

// EscapeHTML escapes special HTML characters.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
