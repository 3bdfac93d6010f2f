package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToHTML converts a markdown reply to a restricted HTML subset suitable for
// chat clients that render basic inline markup only.
func ToHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return cleanHTML(html)
}

// cleanHTML strips block structure down to the inline tag subset
func cleanHTML(html string) string {
	// Remove wrapping <p> tags
	html = regexp.MustCompile(`<p>(.*?)</p>`).ReplaceAllString(html, "$1\n")

	// Convert <strong> to <b>
	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")

	// Convert <em> to <i>
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	// Handle code blocks
	html = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`).ReplaceAllString(html, "<pre>$1</pre>")

	// Remove list tags but keep the content
	html = strings.ReplaceAll(html, "<ul>", "")
	html = strings.ReplaceAll(html, "</ul>", "")
	html = strings.ReplaceAll(html, "<ol>", "")
	html = strings.ReplaceAll(html, "</ol>", "")
	html = strings.ReplaceAll(html, "<li>", "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")

	// Drop any other tags outside the supported subset
	supportedTags := []string{"b", "i", "u", "s", "code", "pre", "a", "br"}
	tagPattern := `</?([a-zA-Z]+)(?:\s[^>]*)?>`

	html = regexp.MustCompile(tagPattern).ReplaceAllStringFunc(html, func(match string) string {
		tagMatch := regexp.MustCompile(`</?([a-zA-Z]+)`).FindStringSubmatch(match)
		if len(tagMatch) > 1 {
			tagName := tagMatch[1]
			for _, supported := range supportedTags {
				if tagName == supported {
					return match
				}
			}
		}
		return ""
	})

	// Clean up extra newlines
	html = regexp.MustCompile(`\n{3,}`).ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
