// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// =============================================================================
// SEMANTIC TREE
// =============================================================================

// BlockKind classifies a converted block.
type BlockKind int

const (
	BlockHeading BlockKind = iota
	BlockParagraph
	BlockCode
	BlockSignature
	BlockList
	BlockQuote
	BlockRule
)

// Block is one unit of a converted page.
type Block struct {
	Kind BlockKind

	// Level is the heading level (1-6).
	Level int

	// Lang is the fence language of a code block.
	Lang string

	// Text is the rendered inline text, or the verbatim code.
	Text string

	// Items are list lines including their marker and indentation.
	Items []string
}

// Document is the semantic tree of one rustdoc page.
type Document struct {
	// Title is the text of the first h1.
	Title string

	Blocks []Block
}

// ConvertOptions configures a conversion.
type ConvertOptions struct {
	// Page is the page path relative to the doc directory
	// ("serde/de/trait.Deserialize.html"). Relative links resolve
	// against it.
	Page string
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// Convert renders a rustdoc HTML page as markdown.
//
// Description:
//
//	Parses the page into a Document and renders it. Code blocks keep
//	their text verbatim; item declarations and code headers become
//	rust-fenced signatures; page chrome is dropped; cross-links are
//	rewritten to symbol paths. Pages with no content (redirects)
//	convert to "".
//
// Thread Safety:
//
//	Pure function. Safe for concurrent use.
func Convert(src []byte, opts ConvertOptions) (string, error) {
	doc, err := Parse(src, opts)
	if err != nil {
		return "", err
	}
	return doc.Markdown(), nil
}

// Parse builds the semantic tree of a rustdoc page.
func Parse(src []byte, opts ConvertOptions) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	c := &converter{page: opts.Page}
	if isRedirect(root) {
		return &Document{}, nil
	}
	if content := findContent(root); content != nil {
		c.walkBlocks(content)
		c.flush()
	}
	return &Document{Title: c.title, Blocks: c.blocks}, nil
}

// Markdown renders the document.
func (d *Document) Markdown() string {
	parts := make([]string, 0, len(d.Blocks))
	for _, b := range d.Blocks {
		switch b.Kind {
		case BlockHeading:
			parts = append(parts, strings.Repeat("#", b.Level)+" "+b.Text)
		case BlockParagraph:
			parts = append(parts, b.Text)
		case BlockCode:
			fence := fenceFor(b.Text)
			parts = append(parts, fence+b.Lang+"\n"+b.Text+"\n"+fence)
		case BlockSignature:
			fence := fenceFor(b.Text)
			parts = append(parts, fence+"rust\n"+b.Text+"\n"+fence)
		case BlockList:
			parts = append(parts, strings.Join(b.Items, "\n"))
		case BlockQuote:
			parts = append(parts, "> "+strings.ReplaceAll(b.Text, "\n", "\n> "))
		case BlockRule:
			parts = append(parts, "---")
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// fenceFor returns a backtick fence longer than any backtick run in
// text, at least three long.
func fenceFor(text string) string {
	longest, run := 0, 0
	for i := 0; i < len(text); i++ {
		if text[i] != '`' {
			run = 0
			continue
		}
		run++
		longest = max(longest, run)
	}
	return strings.Repeat("`", max(3, longest+1))
}

// =============================================================================
// CONVERTER
// =============================================================================

// chromeTags never carry documentation.
var chromeTags = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Noscript: true,
	atom.Button:   true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Form:     true,
	atom.Input:    true,
	atom.Template: true,
	atom.Link:     true,
	atom.Meta:     true,
	atom.Title:    true,
}

// chromeClasses mark rustdoc toolbars, badges and source links.
var chromeClasses = map[string]bool{
	"src":                 true,
	"srclink":             true,
	"rightside":           true,
	"anchor":              true,
	"since":               true,
	"out-of-band":         true,
	"sidebar":             true,
	"sidebar-elems":       true,
	"mobile-topbar":       true,
	"hideme":              true,
	"rustdoc-breadcrumbs": true,
	"search-form":         true,
	"test-arrow":          true,
	"copy-button":         true,
	"tooltip":             true,
}

// inlineTags are rendered inside the current paragraph.
var inlineTags = map[atom.Atom]bool{
	atom.A:      true,
	atom.Code:   true,
	atom.Em:     true,
	atom.I:      true,
	atom.Strong: true,
	atom.B:      true,
	atom.Span:   true,
	atom.Sup:    true,
	atom.Sub:    true,
	atom.Small:  true,
	atom.Kbd:    true,
	atom.Var:    true,
	atom.Abbr:   true,
	atom.Del:    true,
	atom.S:      true,
	atom.U:      true,
	atom.Mark:   true,
	atom.Wbr:    true,
	atom.Br:     true,
	atom.Img:    true,
}

// anchorKinds are fragment prefixes naming a member of an item page.
var anchorKinds = map[string]bool{
	"method":             true,
	"tymethod":           true,
	"variant":            true,
	"structfield":        true,
	"associatedtype":     true,
	"associatedconstant": true,
}

type converter struct {
	page   string
	title  string
	blocks []Block
	inline strings.Builder
}

func (c *converter) add(b Block) {
	c.flush()
	c.blocks = append(c.blocks, b)
}

// flush turns loose inline text into a paragraph.
func (c *converter) flush() {
	text := collapse(c.inline.String())
	c.inline.Reset()
	if text != "" {
		c.blocks = append(c.blocks, Block{Kind: BlockParagraph, Text: text})
	}
}

func (c *converter) walkBlocks(n *html.Node) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			c.inline.WriteString(child.Data)
			continue
		case html.ElementNode:
		default:
			continue
		}
		if isChrome(child) {
			continue
		}

		switch child.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			text := plainText(child)
			if text == "" {
				continue
			}
			if hasClass(child, "code-header") {
				c.add(Block{Kind: BlockSignature, Text: text})
				continue
			}
			if child.DataAtom == atom.H1 && c.title == "" {
				c.title = text
			}
			c.add(Block{Kind: BlockHeading, Level: headingLevel(child.DataAtom), Text: text})

		case atom.Pre:
			code := strings.TrimRight(textContent(child), "\n")
			if strings.TrimSpace(code) == "" {
				continue
			}
			if isSignature(child) {
				c.add(Block{Kind: BlockSignature, Text: code})
				continue
			}
			c.add(Block{Kind: BlockCode, Lang: codeLang(child), Text: code})

		case atom.P:
			c.flush()
			if text := c.inlineText(child); text != "" {
				c.add(Block{Kind: BlockParagraph, Text: text})
			}

		case atom.Ul, atom.Ol:
			if items := c.listItems(child, 0); len(items) > 0 {
				c.add(Block{Kind: BlockList, Items: items})
			}

		case atom.Dl:
			if items := c.definitionItems(child); len(items) > 0 {
				c.add(Block{Kind: BlockList, Items: items})
			}

		case atom.Table:
			if items := c.tableRows(child); len(items) > 0 {
				c.add(Block{Kind: BlockList, Items: items})
			}

		case atom.Blockquote:
			if text := c.inlineText(child); text != "" {
				c.add(Block{Kind: BlockQuote, Text: text})
			}

		case atom.Hr:
			c.add(Block{Kind: BlockRule})

		default:
			if inlineTags[child.DataAtom] {
				c.inline.WriteString(" " + c.renderInline(child) + " ")
				continue
			}
			c.flush()
			c.walkBlocks(child)
			c.flush()
		}
	}
}

// inlineText renders the children of n as one collapsed line.
func (c *converter) inlineText(n *html.Node) string {
	var b strings.Builder
	c.inlineChildren(n, &b)
	return collapse(b.String())
}

func (c *converter) inlineChildren(n *html.Node, b *strings.Builder) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			b.WriteString(child.Data)
		case html.ElementNode:
			if isChrome(child) {
				continue
			}
			if inlineTags[child.DataAtom] {
				b.WriteString(c.renderInline(child))
				continue
			}
			// Block content inside inline context: keep words apart.
			b.WriteString(" ")
			c.inlineChildren(child, b)
			b.WriteString(" ")
		}
	}
}

// renderInline renders one inline element.
func (c *converter) renderInline(n *html.Node) string {
	switch n.DataAtom {
	case atom.A:
		return c.link(n)
	case atom.Code:
		if a := onlyChild(n, atom.A); a != nil {
			return c.link(a)
		}
		text := collapse(textContent(n))
		if text == "" {
			return ""
		}
		return "`" + text + "`"
	case atom.Em, atom.I:
		if text := c.inlineText(n); text != "" {
			return "*" + text + "*"
		}
		return ""
	case atom.Strong, atom.B:
		if text := c.inlineText(n); text != "" {
			return "**" + text + "**"
		}
		return ""
	case atom.Br:
		return " "
	case atom.Wbr, atom.Img:
		return ""
	default:
		return c.inlineText(n)
	}
}

// link renders an anchor, resolving rustdoc cross-links to symbol paths.
func (c *converter) link(n *html.Node) string {
	text := collapse(textContent(n))
	href := attr(n, "href")

	switch {
	case href == "" || strings.HasPrefix(href, "#"):
		return text
	case isExternal(href):
		if text == "" {
			return href
		}
		return "[" + text + "](" + href + ")"
	}

	symbol := symbolFromTitle(attr(n, "title"))
	if symbol == "" {
		symbol = c.symbolFromHref(href)
	} else if member := anchorMember(href); member != "" {
		symbol += "::" + member
	}
	if symbol == "" {
		return text
	}

	plain := strings.Trim(text, "`")
	if plain == "" || plain == symbol || plain == lastSegment(symbol) {
		return "`" + symbol + "`"
	}
	return text + " (`" + symbol + "`)"
}

// symbolFromHref resolves a relative href against the current page.
func (c *converter) symbolFromHref(href string) string {
	target, _, _ := strings.Cut(href, "#")
	target, _, _ = strings.Cut(target, "?")
	if target == "" {
		return ""
	}

	resolved := path.Clean(path.Join(path.Dir(c.page), target))
	if strings.HasPrefix(resolved, "..") || strings.HasPrefix(resolved, "/") {
		return ""
	}
	if strings.HasSuffix(resolved, "/") || path.Ext(resolved) == "" {
		resolved = path.Join(resolved, "index.html")
	}

	symbol, ok := SymbolForPage(resolved)
	if !ok {
		return ""
	}
	if symbol == "" {
		// Crate root.
		symbol = strings.SplitN(resolved, "/", 2)[0]
	}
	if member := anchorMember(href); member != "" {
		symbol += "::" + member
	}
	return symbol
}

// listItems renders li children, nesting sublists by indentation.
func (c *converter) listItems(list *html.Node, depth int) []string {
	var items []string
	ordered := list.DataAtom == atom.Ol
	index := 0

	for li := list.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li || isChrome(li) {
			continue
		}
		index++

		var b strings.Builder
		var nested []string
		for child := li.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == html.ElementNode && (child.DataAtom == atom.Ul || child.DataAtom == atom.Ol) {
				nested = append(nested, c.listItems(child, depth+1)...)
				continue
			}
			if child.Type == html.TextNode {
				b.WriteString(child.Data)
				continue
			}
			if child.Type == html.ElementNode && !isChrome(child) {
				b.WriteString(" " + c.renderInline(child) + " ")
			}
		}

		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", index)
		}
		if text := collapse(b.String()); text != "" {
			items = append(items, strings.Repeat("  ", depth)+marker+text)
		}
		items = append(items, nested...)
	}
	return items
}

// definitionItems renders dt/dd pairs such as rustdoc item tables.
func (c *converter) definitionItems(dl *html.Node) []string {
	var items []string
	for child := dl.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || isChrome(child) {
			continue
		}
		text := c.inlineText(child)
		if text == "" {
			continue
		}
		switch child.DataAtom {
		case atom.Dt:
			items = append(items, "- "+text)
		case atom.Dd:
			if len(items) == 0 {
				items = append(items, "- "+text)
				continue
			}
			items[len(items)-1] += ": " + text
		}
	}
	return items
}

// tableRows renders each row as a list item of pipe-separated cells.
func (c *converter) tableRows(table *html.Node) []string {
	var items []string
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			if child.DataAtom != atom.Tr {
				visit(child)
				continue
			}
			var cells []string
			for cell := child.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
					cells = append(cells, c.inlineText(cell))
				}
			}
			if row := strings.Join(cells, " | "); strings.Trim(row, " |") != "" {
				items = append(items, "- "+row)
			}
		}
	}
	visit(table)
	return items
}

// =============================================================================
// HTML HELPERS
// =============================================================================

// findContent returns rustdoc's main content section, falling back to
// main or body.
func findContent(root *html.Node) *html.Node {
	if n := find(root, func(n *html.Node) bool { return attr(n, "id") == "main-content" }); n != nil {
		return n
	}
	if n := find(root, func(n *html.Node) bool { return n.DataAtom == atom.Main }); n != nil {
		return n
	}
	return find(root, func(n *html.Node) bool { return n.DataAtom == atom.Body })
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := find(child, match); found != nil {
			return found
		}
	}
	return nil
}

func isChrome(n *html.Node) bool {
	if chromeTags[n.DataAtom] {
		return true
	}
	// Custom elements such as rustdoc-toolbar and rustdoc-search.
	if n.DataAtom == 0 && strings.HasPrefix(n.Data, "rustdoc-") {
		return true
	}
	for _, class := range classes(n) {
		if chromeClasses[class] {
			return true
		}
	}
	return false
}

func isSignature(pre *html.Node) bool {
	for n := pre; n != nil; n = n.Parent {
		if hasClass(n, "item-decl") || hasClass(n, "code-header") {
			return true
		}
	}
	return false
}

func codeLang(pre *html.Node) string {
	nodes := []*html.Node{pre}
	if code := onlyChild(pre, atom.Code); code != nil {
		nodes = append(nodes, code)
	}
	for _, n := range nodes {
		for _, class := range classes(n) {
			if class == "rust" {
				return "rust"
			}
			if lang, ok := strings.CutPrefix(class, "language-"); ok && lang != "" {
				return lang
			}
		}
	}
	return ""
}

func headingLevel(a atom.Atom) int {
	switch a {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	default:
		return 6
	}
}

// plainText renders the visible text of n on one line, without markup.
func plainText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			switch child.Type {
			case html.TextNode:
				b.WriteString(child.Data)
			case html.ElementNode:
				if isChrome(child) {
					continue
				}
				if child.DataAtom == atom.Br {
					b.WriteString(" ")
					continue
				}
				visit(child)
			}
		}
	}
	visit(n)
	return collapse(b.String())
}

// isRedirect reports whether the page is a rustdoc redirect stub.
func isRedirect(root *html.Node) bool {
	return find(root, func(n *html.Node) bool {
		return n.DataAtom == atom.Meta && strings.EqualFold(attr(n, "http-equiv"), "refresh")
	}) != nil
}

// textContent concatenates all descendant text verbatim.
func textContent(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Br {
			b.WriteString("\n")
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return b.String()
}

// onlyChild returns the single element child of n if it has tag a and
// n has no other non-blank content.
func onlyChild(n *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			if strings.TrimSpace(child.Data) != "" {
				return nil
			}
		case html.ElementNode:
			if found != nil || child.DataAtom != a {
				return nil
			}
			found = child
		}
	}
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func classes(n *html.Node) []string {
	return strings.Fields(attr(n, "class"))
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isExternal(href string) bool {
	for _, scheme := range []string{"http://", "https://", "mailto:", "//"} {
		if strings.HasPrefix(href, scheme) {
			return true
		}
	}
	return false
}

// symbolFromTitle reads rustdoc's link title ("struct serde::de::Deserialize").
func symbolFromTitle(title string) string {
	fields := strings.Fields(title)
	if len(fields) != 2 || !strings.Contains(fields[1], "::") {
		return ""
	}
	if fields[0] != "mod" && !itemKinds[fields[0]] {
		return ""
	}
	return fields[1]
}

// anchorMember extracts a member name from fragments like "#method.new".
func anchorMember(href string) string {
	_, fragment, ok := strings.Cut(href, "#")
	if !ok {
		return ""
	}
	kind, name, ok := strings.Cut(fragment, ".")
	if !ok || !anchorKinds[kind] || !isIdent(name) {
		return ""
	}
	return name
}
