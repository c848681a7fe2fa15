// Package extract counts query occurrences in HTML and derives the canonical fragment used for fingerprinting.
package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// DefaultLevels is how many element levels the fragment ascends from the first match.
const DefaultLevels = 3

// Config controls extraction behavior.
type Config struct {
	Levels int
}

// Extractor implements monitor.Extractor using goquery.
type Extractor struct {
	levels int
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	levels := cfg.Levels
	if levels <= 0 {
		levels = DefaultLevels
	}
	return &Extractor{levels: levels}
}

// Extract scans the page for query.
//
// Count is taken from visible text nodes under <body> (or the whole document
// without one). The fragment is the text of the ancestor found by ascending
// e.levels elements from the first match, widened until it encloses every
// match. Without a match the fragment is the whole document text. RawCount
// is the substring count over the raw source and is only an escalation hint.
func (e *Extractor) Extract(page []byte, query string) monitor.Extraction {
	var out monitor.Extraction
	if query != "" {
		out.RawCount = strings.Count(string(page), query)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		out.Fragment = Collapse(string(page))
		return out
	}

	scope := doc.Find("body").First()
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	root := scope.Get(0)

	var matches []*html.Node
	if query != "" {
		walkText(root, func(n *html.Node) {
			if c := strings.Count(n.Data, query); c > 0 {
				out.Count += c
				matches = append(matches, n)
			}
		})
	}

	if len(matches) == 0 {
		out.Fragment = Collapse(nodeText(doc.Get(0)))
		return out
	}

	out.Matched = true
	out.Fragment = Collapse(nodeText(e.enclosing(root, matches)))
	return out
}

// enclosing picks the canonical ancestor. The first match's chain is authoritative.
func (e *Extractor) enclosing(root *html.Node, matches []*html.Node) *html.Node {
	node := matches[0]
	for i := 0; i < e.levels && node != root && node.Parent != nil; i++ {
		node = node.Parent
	}
	for node != root && node.Parent != nil && !containsAll(node, matches[1:]) {
		node = node.Parent
	}
	return node
}

func containsAll(ancestor *html.Node, nodes []*html.Node) bool {
	sel := goquery.NewDocumentFromNode(ancestor).Selection
	for _, n := range nodes {
		if !sel.Contains(n) {
			return false
		}
	}
	return true
}

// walkText visits text nodes outside non-rendered elements in document order.
func walkText(n *html.Node, visit func(*html.Node)) {
	if n == nil {
		return
	}
	switch n.Type {
	case html.TextNode:
		visit(n)
		return
	case html.ElementNode:
		if skipped(n) {
			return
		}
	case html.CommentNode:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, visit)
	}
}

func skipped(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return true
	}
	return false
}

func nodeText(n *html.Node) string {
	var buf strings.Builder
	walkText(n, func(t *html.Node) {
		buf.WriteString(t.Data)
		buf.WriteByte(' ')
	})
	return buf.String()
}

// Collapse folds whitespace runs into single spaces and trims the ends.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
