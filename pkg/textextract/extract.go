// Package textextract pulls plain text out of uploaded documents.
package textextract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var ErrUnsupportedType = errors.New("unsupported file type")

type Document struct {
	Text  string
	Pages int
}

var supported = []string{".pdf", ".docx", ".txt", ".md"}

func SupportedTypes() []string {
	return append([]string(nil), supported...)
}

// Extract dispatches on the file extension of name. PDF pages are
// separated by a newline so a trailing page number ends up on its own line.
func Extract(data []byte, name string) (*Document, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return extractPDF(data)
	case ".docx":
		return extractDOCX(data)
	case ".txt", ".md":
		return extractText(data)
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedType, filepath.Ext(name), strings.Join(supported, ", "))
	}
}

func extractPDF(data []byte) (*Document, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	var buf strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Unreadable pages are skipped; the rest of the document is still useful.
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}

	return &Document{Text: strings.TrimSpace(buf.String()), Pages: numPages}, nil
}

func extractDOCX(data []byte) (*Document, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open DOCX: %w", err)
	}

	for _, f := range reader.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()

		text, err := docxText(rc)
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		return &Document{Text: text, Pages: 1}, nil
	}
	return nil, fmt.Errorf("open DOCX: word/document.xml not found")
}

// docxText keeps the content of w:t runs and ends each w:p paragraph with
// a blank line.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var buf strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				buf.WriteByte('\t')
			case "br":
				buf.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				buf.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				buf.Write(t)
			}
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

func extractText(data []byte) (*Document, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("read text: not valid UTF-8")
	}
	return &Document{Text: strings.TrimSpace(string(data)), Pages: 1}, nil
}
