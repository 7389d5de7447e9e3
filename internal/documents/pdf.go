package documents

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	rpdf "rsc.io/pdf"
)

// ErrNotPDF is returned for content that does not start with a PDF header.
var ErrNotPDF = errors.New("content is not a PDF")

// ExtractText returns the text of every page. rsc.io/pdf panics on some
// malformed files, so panics are turned into errors.
func ExtractText(content []byte) (text string, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(content, "\x00\t\r\n "), []byte("%PDF")) {
		return "", ErrNotPDF
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		writeGlyphs(&builder, page.Content().Text)
		builder.WriteString("\n")
	}

	return builder.String(), nil
}

// writeGlyphs joins per-glyph fragments back into words and lines. The
// parser drops space glyphs, so a horizontal gap marks a word break and a
// change of baseline marks a line break.
func writeGlyphs(b *strings.Builder, glyphs []rpdf.Text) {
	var prev *rpdf.Text
	for i := range glyphs {
		g := &glyphs[i]
		if prev != nil {
			switch {
			case math.Abs(g.Y-prev.Y) > prev.FontSize/2:
				b.WriteByte('\n')
			case prev.W > 0 && g.X-(prev.X+prev.W) > prev.FontSize*0.15:
				b.WriteByte(' ')
			}
		}
		b.WriteString(g.S)
		prev = g
	}
}
