package scripthost

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseFragment parses markup text into fragment nodes, the building
// block for a Window's parseMarkup operation. Returns nil when the text
// cannot produce a fragment, matching the window contract's
// null-on-error behavior.
func ParseFragment(text string) []*html.Node {
	body := &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	}
	nodes, err := html.ParseFragment(strings.NewReader(text), body)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	return nodes
}

// RenderFragment serializes fragment nodes back to markup text.
func RenderFragment(nodes []*html.Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		if err := html.Render(&sb, n); err != nil {
			return ""
		}
	}
	return sb.String()
}
