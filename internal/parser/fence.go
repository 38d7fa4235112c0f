package parser

import (
	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// maskFencedCode replaces the body of every fenced or indented code block
// with spaces, preserving the exact byte length and every newline of the
// original source. This keeps all later regex match offsets valid against
// the original text while preventing example/template task headings
// written inside a fence from being parsed as real tasks.
//
// Code-block byte ranges are found by walking a goldmark AST rather than
// hand-rolling CommonMark's fence-matching rules (backtick vs tilde fences,
// up to three leading spaces, matched fence length): goldmark already
// implements those rules and exposes each block's exact source segments.
func maskFencedCode(source []byte) []byte {
	md := goldmark.New()
	reader := text.NewReader(source)
	doc := md.Parser().Parse(reader, parser.WithContext(parser.NewContext()))

	masked := append([]byte(nil), source...)

	var walk func(n gast.Node)
	walk = func(n gast.Node) {
		switch n.Kind() {
		case gast.KindFencedCodeBlock, gast.KindCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				blankRange(masked, seg.Start, seg.Stop)
			}
			return // code block children are not walked
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(doc)

	return masked
}

// blankRange overwrites masked[start:stop] with spaces, leaving any
// embedded newline bytes untouched so line counts are preserved.
func blankRange(masked []byte, start, stop int) {
	for i := start; i < stop && i < len(masked); i++ {
		if masked[i] != '\n' {
			masked[i] = ' '
		}
	}
}
