package dom

import (
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

// InteractiveXPath selects the elements a decision can address, in document order. A union
// ("//button | //input ...") would group the results by tag instead.
const InteractiveXPath = "//*[self::button or self::input or self::a or self::select or self::textarea or self::iframe]"

// maxTextLength bounds the visible text recorded per element.
const maxTextLength = 200

// snapshotAttributes are the attributes copied onto ElementInfo when present.
var snapshotAttributes = []string{"id", "class", "name", "type", "value", "placeholder", "href", "aria-label"}

// BuildSnapshot parses the page HTML and returns an immutable PageSnapshot. The preview holds the
// first previewLimit characters of the serialized document.
func BuildSnapshot(url, title, content string, previewLimit int) (*agent.PageSnapshot, error) {
	doc, err := htmlquery.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}
	if title == "" {
		if t := htmlquery.FindOne(doc, "//title"); t != nil {
			title = strings.TrimSpace(htmlquery.InnerText(t))
		}
	}

	return &agent.PageSnapshot{
		URL:         url,
		Title:       title,
		HTMLPreview: preview(content, previewLimit),
		Elements:    ExtractElements(doc),
		CapturedAt:  time.Now().UTC(),
	}, nil
}

// ExtractElements returns the interactive elements of doc in document order.
func ExtractElements(doc *html.Node) []agent.ElementInfo {
	nodes := htmlquery.Find(doc, InteractiveXPath)
	elements := make([]agent.ElementInfo, 0, len(nodes))
	for _, n := range nodes {
		elements = append(elements, describe(n))
	}
	return elements
}

func describe(n *html.Node) agent.ElementInfo {
	attrs := make(map[string]string)
	for _, name := range snapshotAttributes {
		if v := strings.TrimSpace(htmlquery.SelectAttr(n, name)); v != "" {
			attrs[name] = v
		}
	}
	if len(attrs) == 0 {
		attrs = nil
	}

	return agent.ElementInfo{
		Tag:        strings.ToLower(n.Data),
		Text:       elementText(n),
		Locator:    GenerateUniqueXPath(n),
		Attributes: attrs,
		IsVisible:  IsVisible(n),
		IsEnabled:  !hasAttr(n, "disabled"),
	}
}

// IsVisible applies the static visibility rules: no hidden attribute, not an input of type
// hidden, and no inline display:none or visibility:hidden.
func IsVisible(n *html.Node) bool {
	if hasAttr(n, "hidden") {
		return false
	}
	if strings.EqualFold(n.Data, "input") && strings.EqualFold(strings.TrimSpace(htmlquery.SelectAttr(n, "type")), "hidden") {
		return false
	}
	style := strings.ToLower(strings.Join(strings.Fields(htmlquery.SelectAttr(n, "style")), ""))
	for _, decl := range strings.Split(style, ";") {
		switch strings.TrimSuffix(decl, "!important") {
		case "display:none", "visibility:hidden":
			return false
		}
	}
	return true
}

func elementText(n *html.Node) string {
	text := strings.Join(strings.Fields(htmlquery.InnerText(n)), " ")
	r := []rune(text)
	if len(r) > maxTextLength {
		text = string(r[:maxTextLength])
	}
	return text
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

func preview(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	return string(r[:limit])
}
