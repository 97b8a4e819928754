// Package content supplies narratable segments to the narrator. A Source
// splits a book into sections and each section into sentence-sized segments
// with stable anchors.
package content

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoSection is returned for a section index outside the book.
var ErrNoSection = errors.New("no such section")

// Kind classifies the block a segment came from.
type Kind string

const (
	KindParagraph Kind = "paragraph"
	KindHeading   Kind = "heading"
	KindList      Kind = "list"
	KindQuote     Kind = "quote"
	KindCode      Kind = "code"
	KindTable     Kind = "table"
	KindFootnote  Kind = "footnote"
)

// ParseKinds parses a list of kind names, rejecting unknown ones.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k := Kind(strings.ToLower(strings.TrimSpace(n)))
		switch k {
		case KindParagraph, KindHeading, KindList, KindQuote, KindCode, KindTable, KindFootnote:
			kinds = append(kinds, k)
		default:
			return nil, fmt.Errorf("unknown content kind %q", n)
		}
	}
	return kinds, nil
}

// BookMeta is book-level display metadata.
type BookMeta struct {
	ID       string `yaml:"-"`
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Cover    string `yaml:"cover"`
	Language string `yaml:"language"`
}

// Segment is one narratable unit of a section.
type Segment struct {
	Text   string
	Anchor string
	Kind   Kind

	// SourceIndices are the blocks of the section the segment came from.
	SourceIndices []int
}

// Section is one chapter of a book.
type Section struct {
	Index    int
	Title    string
	Segments []Segment

	// Tables maps the anchor of each table to a spoken summary that can
	// replace its rows.
	Tables map[string]string
}

// SkipSet returns the source indices of every segment whose kind is in
// kinds.
func (s Section) SkipSet(kinds []Kind) map[int]struct{} {
	set := make(map[int]struct{})
	if len(kinds) == 0 {
		return set
	}
	skip := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		skip[k] = true
	}
	for _, seg := range s.Segments {
		if !skip[seg.Kind] {
			continue
		}
		for _, i := range seg.SourceIndices {
			set[i] = struct{}{}
		}
	}
	return set
}

// Source provides the sections of one book.
type Source interface {
	Meta(ctx context.Context) (BookMeta, error)
	Sections(ctx context.Context) (int, error)
	Section(ctx context.Context, index int) (Section, error)
}

// Anchors are CFI-like paths with even steps: section i is /2(i+1), block
// j in it is /2(i+1)/2(j+1), a sentence in a block adds :offset and a table
// row adds another /step.

func sectionAnchor(section int) string {
	return "/" + strconv.Itoa(2*(section+1))
}

func blockAnchor(section, block int) string {
	return sectionAnchor(section) + "/" + strconv.Itoa(2*(block+1))
}

func childAnchor(parent string, child int) string {
	return parent + "/" + strconv.Itoa(2*(child+1))
}

func offsetAnchor(parent string, offset int) string {
	return parent + ":" + strconv.Itoa(offset)
}
