package gmailclient

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

const quoteClass = "gmail_quote"

var htmlPolicy = bluemonday.UGCPolicy()

// HTMLToText returns the visible text of an HTML fragment.
func HTMLToText(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
		case html.ElementNode:
			switch node.Data {
			case "script", "style", "head":
				return
			case "br":
				buf.WriteString("\n")
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode {
			switch node.Data {
			case "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote":
				if !strings.HasSuffix(buf.String(), "\n") {
					buf.WriteString("\n")
				}
			}
		}
	}
	walk(doc)
	return strings.TrimSpace(buf.String())
}

// TextToHTML wraps plain text as minimal HTML.
func TextToHTML(text string) string {
	return "<div>" + html.EscapeString(text) + "</div>"
}

// StripQuotes removes quoted-reply blocks (div.gmail_quote) and reports
// whether anything was removed. Other clients' quote markers are kept.
func StripQuotes(fragment string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment, false
	}
	var quotes []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "div" && hasClass(node, quoteClass) {
			quotes = append(quotes, node)
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	if len(quotes) == 0 {
		return fragment, false
	}
	for _, q := range quotes {
		q.Parent.RemoveChild(q)
	}
	body := findElement(doc, "body")
	if body == nil {
		body = doc
	}
	var buf bytes.Buffer
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&buf, child); err != nil {
			return fragment, false
		}
	}
	return buf.String(), true
}

// SanitizeHTML applies the user-generated-content policy.
func SanitizeHTML(fragment string) string {
	return htmlPolicy.Sanitize(fragment)
}

func hasClass(node *html.Node, class string) bool {
	for _, attr := range node.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func findElement(node *html.Node, tag string) *html.Node {
	if node.Type == html.ElementNode && node.Data == tag {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}
