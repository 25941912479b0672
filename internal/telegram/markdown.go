package telegram

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

// Model replies arrive as markdown. The Bot API's HTML parse mode only
// accepts a small tag set and rejects the whole message on anything
// else, so rendered output is reduced to that set before sending.
// Callers fall back to plain text when rendering or sending fails.

var markdown = goldmark.New()

// tagPattern matches any HTML tag for the sanitize allowlist pass.
var tagPattern = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?/?>`)

// structural maps block-level tags onto plain-text layout. Applied
// before the allowlist so list and heading structure survives as text.
var structural = strings.NewReplacer(
	"<strong>", "<b>", "</strong>", "</b>",
	"<em>", "<i>", "</em>", "</i>",
	"<del>", "<s>", "</del>", "</s>",
	"<h1>", "<b>", "</h1>", "</b>\n",
	"<h2>", "<b>", "</h2>", "</b>\n",
	"<h3>", "<b>", "</h3>", "</b>\n",
	"<h4>", "<b>", "</h4>", "</b>\n",
	"<h5>", "<b>", "</h5>", "</b>\n",
	"<h6>", "<b>", "</h6>", "</b>\n",
	"<li>", "• ", "</li>", "",
	"<br>", "\n", "<br/>", "\n", "<br />", "\n",
	"<hr>", "\n", "<hr/>", "\n", "<hr />", "\n",
	"</p>", "\n",
	// goldmark replaces raw HTML with this placeholder by default.
	"<!-- raw HTML omitted -->", "",
)

// telegramTags is the Bot API HTML allowlist (minus spoiler and custom
// emoji, which a model reply never produces intentionally).
var telegramTags = map[string]bool{
	"b":          true,
	"i":          true,
	"s":          true,
	"u":          true,
	"code":       true,
	"pre":        true,
	"a":          true,
	"blockquote": true,
}

// RenderHTML converts markdown to Telegram-compatible HTML.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return sanitizeHTML(buf.String()), nil
}

// sanitizeHTML reduces rendered HTML to the Bot API tag set.
func sanitizeHTML(html string) string {
	out := structural.Replace(html)

	out = tagPattern.ReplaceAllStringFunc(out, func(tag string) string {
		m := tagPattern.FindStringSubmatch(tag)
		name := strings.ToLower(m[1])
		if !telegramTags[name] {
			return ""
		}
		// Strip attributes from everything except links, where href is
		// the whole point.
		if name == "a" {
			return tag
		}
		if strings.HasPrefix(tag, "</") {
			return "</" + name + ">"
		}
		return "<" + name + ">"
	})

	// Collapse runs of blank lines left by removed block tags.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}
