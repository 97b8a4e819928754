package content

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// MarkdownOption configures a Markdown source.
type MarkdownOption func(*Markdown)

// WithSectionLevel starts a new section at every heading of level n or
// above. The default is 2.
func WithSectionLevel(n int) MarkdownOption {
	return func(m *Markdown) {
		if n > 0 {
			m.sectionLevel = n
		}
	}
}

// WithMaxSentence limits segments to n runes. The default is 1000.
func WithMaxSentence(n int) MarkdownOption {
	return func(m *Markdown) {
		m.maxRunes = n
	}
}

// Markdown is a Source over one markdown document. Optional YAML front
// matter supplies the book metadata.
type Markdown struct {
	meta         BookMeta
	sections     []Section
	sectionLevel int
	maxRunes     int
}

// OpenMarkdown reads and parses a markdown file. The book id is the
// absolute path of the file.
func OpenMarkdown(path string, opts ...MarkdownOption) (*Markdown, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read book: %w", err)
	}
	m, err := ParseMarkdown(abs, data, opts...)
	if err != nil {
		return nil, err
	}
	if m.meta.Title == "" {
		m.meta.Title = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	return m, nil
}

// ParseMarkdown parses src as the book id.
func ParseMarkdown(id string, src []byte, opts ...MarkdownOption) (*Markdown, error) {
	m := &Markdown{sectionLevel: 2, maxRunes: 1000}
	for _, opt := range opts {
		opt(m)
	}

	body, front, err := splitFrontMatter(src)
	if err != nil {
		return nil, err
	}
	if front != nil {
		if err := yaml.Unmarshal(front, &m.meta); err != nil {
			return nil, fmt.Errorf("invalid front matter: %w", err)
		}
	}
	m.meta.ID = id

	md := goldmark.New(goldmark.WithExtensions(extension.Table, extension.Footnote, extension.Strikethrough))
	doc := md.Parser().Parse(text.NewReader(body))
	m.build(doc, body)

	if m.meta.Title == "" && len(m.sections) > 0 {
		m.meta.Title = m.sections[0].Title
	}
	return m, nil
}

// splitFrontMatter separates a leading --- delimited YAML block.
func splitFrontMatter(src []byte) (body, front []byte, err error) {
	src = bytes.TrimPrefix(src, []byte("\ufeff"))
	normalized := bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return src, nil, nil
	}
	rest := normalized[len("---\n"):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated front matter")
	}
	front = rest[:end]
	body = rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return body, front, nil
}

// builder accumulates the section being parsed.
type builder struct {
	m       *Markdown
	split   *splitter
	source  []byte
	current *Section
	block   int
}

func (m *Markdown) build(doc ast.Node, source []byte) {
	b := &builder{m: m, split: newSplitter(m.maxRunes), source: source}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level <= m.sectionLevel {
			b.flush()
		}
		b.addBlock(n)
	}
	b.flush()
}

func (b *builder) section() *Section {
	if b.current == nil {
		b.current = &Section{Index: len(b.m.sections), Tables: make(map[string]string)}
		b.block = 0
	}
	return b.current
}

func (b *builder) flush() {
	if b.current != nil && len(b.current.Segments) > 0 {
		b.m.sections = append(b.m.sections, *b.current)
	}
	b.current = nil
}

func (b *builder) nextBlock() (int, string) {
	s := b.section()
	i := b.block
	b.block++
	return i, blockAnchor(s.Index, i)
}

// addText appends the sentences of one block.
func (b *builder) addText(kind Kind, txt string) {
	txt = collapseSpace(txt)
	if txt == "" {
		return
	}
	idx, anchor := b.nextBlock()
	s := b.section()
	for _, sp := range b.split.split(txt) {
		s.Segments = append(s.Segments, Segment{
			Text:          sp.text,
			Anchor:        offsetAnchor(anchor, sp.offset),
			Kind:          kind,
			SourceIndices: []int{idx},
		})
	}
}

func (b *builder) addBlock(n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		title := collapseSpace(inlineText(n, b.source))
		if s := b.section(); s.Title == "" && n.Level <= b.m.sectionLevel {
			s.Title = title
		}
		b.addText(KindHeading, ensureStop(title))

	case *ast.Paragraph, *ast.TextBlock:
		b.addText(KindParagraph, inlineText(n, b.source))

	case *ast.List:
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			b.addText(KindList, ensureStop(blockText(item, b.source)))
		}

	case *ast.Blockquote:
		b.addText(KindQuote, blockText(n, b.source))

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		b.addCode(n)

	case *east.Table:
		b.addTable(n)

	case *east.FootnoteList:
		for fn := n.FirstChild(); fn != nil; fn = fn.NextSibling() {
			b.addText(KindFootnote, blockText(fn, b.source))
		}

	case *ast.HTMLBlock, *ast.ThematicBreak:
	}
}

// addCode makes one segment per non-blank line.
func (b *builder) addCode(n ast.Node) {
	idx, anchor := b.nextBlock()
	s := b.section()
	lines := n.Lines()
	offset := 0
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		line := string(seg.Value(b.source))
		if t := strings.TrimSpace(line); t != "" {
			s.Segments = append(s.Segments, Segment{
				Text:          t,
				Anchor:        offsetAnchor(anchor, offset),
				Kind:          KindCode,
				SourceIndices: []int{idx},
			})
		}
		offset += len([]rune(line))
	}
}

// addTable makes one segment per row and records a spoken summary under
// the table anchor.
func (b *builder) addTable(t *east.Table) {
	idx, anchor := b.nextBlock()
	s := b.section()
	var rows [][]string
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		var cells []string
		for c := r.FirstChild(); c != nil; c = c.NextSibling() {
			cells = append(cells, collapseSpace(inlineText(c, b.source)))
		}
		rows = append(rows, cells)
	}
	for i, cells := range rows {
		line := strings.Join(nonEmpty(cells), ", ")
		if line == "" {
			continue
		}
		s.Segments = append(s.Segments, Segment{
			Text:          ensureStop(line),
			Anchor:        childAnchor(anchor, i),
			Kind:          KindTable,
			SourceIndices: []int{idx},
		})
	}
	if len(rows) > 0 {
		s.Tables[anchor] = SummarizeTable(rows)
	}
}

// SummarizeTable describes a table whose first row is the header.
func SummarizeTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	header := nonEmpty(rows[0])
	body := len(rows) - 1
	noun := "rows"
	if body == 1 {
		noun = "row"
	}
	if len(header) == 0 {
		return fmt.Sprintf("Table with %d %s.", body, noun)
	}
	return fmt.Sprintf("Table with %d %s. Columns: %s.", body, noun, strings.Join(header, ", "))
}

// inlineText renders the inline children of n as plain text.
func inlineText(n ast.Node, source []byte) string {
	var buf strings.Builder
	writeInline(&buf, n, source)
	return buf.String()
}

func writeInline(buf *strings.Builder, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			buf.Write(c.Segment.Value(source))
			if c.SoftLineBreak() || c.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(c.Value)
		case *ast.CodeSpan:
			writeInline(buf, c, source)
		case *ast.Image:
			// alt text only
			writeInline(buf, c, source)
		case *ast.RawHTML, *ast.AutoLink:
		case *east.FootnoteLink:
		default:
			writeInline(buf, c, source)
		}
	}
}

// blockText renders the text of every block under n, one sentence run per
// paragraph.
func blockText(n ast.Node, source []byte) string {
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
			if t := collapseSpace(inlineText(c, source)); t != "" {
				parts = append(parts, ensureStop(t))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *east.FootnoteBacklink:
		default:
			if t := blockText(c, source); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ensureStop ends s with terminal punctuation so it reads as a sentence.
func ensureStop(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?', ':', ';':
		return s
	}
	return s + "."
}

func nonEmpty(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Meta implements Source.
func (m *Markdown) Meta(context.Context) (BookMeta, error) {
	return m.meta, nil
}

// Sections implements Source.
func (m *Markdown) Sections(context.Context) (int, error) {
	return len(m.sections), nil
}

// Section implements Source.
func (m *Markdown) Section(_ context.Context, index int) (Section, error) {
	if index < 0 || index >= len(m.sections) {
		return Section{}, fmt.Errorf("%w: %d", ErrNoSection, index)
	}
	return m.sections[index], nil
}
