// Package opml reads and writes OPML subscription documents.
//
// The package is a faithful codec: Parse preserves whatever outline
// nesting the document carries, and Export writes exactly the outlines
// it is given. Mapping a document onto an account tree, including the
// flattening rules for unnamed or deeply nested groups, belongs to the
// caller.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (group or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// IsFeed reports whether the outline describes a subscription rather
// than a grouping element. Any outline carrying an xmlUrl is a feed,
// whatever its type attribute says.
func (o Outline) IsFeed() bool {
	return o.XMLURL != ""
}

// Name returns the outline's display name, preferring text over title.
func (o Outline) Name() string {
	if o.Text != "" {
		return o.Text
	}
	return o.Title
}

// NewDocument returns an empty version-2.0 document.
func NewDocument(title string, created time.Time) *OPML {
	return &OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: created.Format(time.RFC1123Z),
		},
	}
}

// Parse reads an OPML document, preserving outline nesting.
func Parse(r io.Reader) (*OPML, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	return &doc, nil
}

// Export serializes doc as indented XML with the standard header.
func Export(doc *OPML) ([]byte, error) {
	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode opml: %w", err)
	}
	return append([]byte(xml.Header), output...), nil
}
