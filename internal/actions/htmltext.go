package actions

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content is never shown to a
// customer.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Head:     true,
}

// htmlToText renders an FAQ answer as plain text. List items become
// "- " bullets and block elements become line breaks.
func htmlToText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return strings.Join(strings.Fields(raw), " ")
	}
	var b strings.Builder
	writeText(doc, &b)
	return cleanWhitespace(b.String())
}

func writeText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		switch {
		case n.DataAtom == atom.Li:
			w.WriteString("\n- ")
		case isBlockElement(n.DataAtom):
			w.WriteString("\n")
		case n.DataAtom == atom.Br:
			w.WriteString("\n")
		}
	}
	if n.Type == html.TextNode {
		w.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, w)
	}
	if n.Type == html.ElementNode && isBlockElement(n.DataAtom) {
		w.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Tr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and drops blank
// lines.
func cleanWhitespace(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
