// Package protocol defines the client-facing session protocol grammar:
// content blocks, session updates, tool calls, permission options, and the
// method and notification names of the operation surface.
package protocol

// Content block types.
const (
	ContentTypeText         = "text"
	ContentTypeImage        = "image"
	ContentTypeAudio        = "audio"
	ContentTypeResourceLink = "resource_link"
	ContentTypeResource     = "resource"
)

// ContentBlock is the tagged union used for both prompt input and streamed
// output. Type selects which payload fields are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For image and audio blocks: base64 payload plus mime type, or a URI.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`

	// For resource_link blocks
	Name string `json:"name,omitempty"`

	// For resource blocks
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource carries resource contents inline.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// Valid reports whether the block's type is one of the known content types.
func (b *ContentBlock) Valid() bool {
	switch b.Type {
	case ContentTypeText, ContentTypeImage, ContentTypeAudio,
		ContentTypeResourceLink, ContentTypeResource:
		return true
	}
	return false
}

// PlainText flattens the text-bearing parts of a block list into one string.
// Non-text blocks contribute their URI or name so the backend still sees a
// reference to them.
func PlainText(blocks []ContentBlock) string {
	var out []byte
	for _, b := range blocks {
		switch b.Type {
		case ContentTypeText:
			out = append(out, b.Text...)
		case ContentTypeResourceLink:
			out = append(out, b.URI...)
		case ContentTypeResource:
			if b.Resource != nil {
				out = append(out, b.Resource.Text...)
			}
		}
	}
	return string(out)
}
