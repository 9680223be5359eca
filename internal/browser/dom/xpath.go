// browser/dom/xpath.go
package dom

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// GenerateUniqueXPath generates a robust XPath expression for a given node.
// It prioritizes using IDs as anchors for stability and brevity. An id is only used as an
// anchor when it is unique within the document and can be quoted.
func GenerateUniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}
	root := documentRoot(node)

	var path []string
	anchored := false
	// Traverse up the tree from the node to the root.
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}

		// Use lowercase for tag names as is conventional in HTML XPath.
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}

		if anchor, ok := idAnchor(root, n); ok {
			path = append(path, anchor)
			anchored = true
			break
		}

		// XPath indices are 1-based and count only same-tag element siblings.
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}

	if len(path) == 0 {
		return "/"
	}

	// Reverse the path to go from root (or ID base) to the node.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	xpath := strings.Join(path, "/")
	if !anchored {
		xpath = "/" + xpath
	}
	return xpath
}

// idAnchor returns an //*[@id=...] selector for n if its id selects exactly one node.
func idAnchor(root, n *html.Node) (string, bool) {
	id := htmlquery.SelectAttr(n, "id")
	if id == "" {
		return "", false
	}

	var anchor string
	switch {
	case !strings.Contains(id, "'"):
		anchor = fmt.Sprintf(`//*[@id='%s']`, id)
	case !strings.Contains(id, `"`):
		anchor = fmt.Sprintf(`//*[@id="%s"]`, id)
	default:
		return "", false
	}

	matches, err := htmlquery.QueryAll(root, anchor)
	if err != nil || len(matches) != 1 {
		return "", false
	}
	return anchor, true
}

func documentRoot(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}
