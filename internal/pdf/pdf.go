// Package pdf reads page text and renders page images from PDF files.
package pdf

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackzampolin/docnav/internal/types"
)

// Provider supplies page content for analysis. Pages are 1-indexed.
type Provider interface {
	PageCount(ctx context.Context, path string) (int, error)

	// ExtractText returns the text of pages start..end, clamped to the
	// document, each page prefixed by a "--- [ PAGE n ] ---" delimiter line.
	ExtractText(ctx context.Context, path string, start, end int) (string, error)

	// RenderPage rasterizes a page at scale (1.0 = 72 DPI) with the page
	// footer masked, encoded as JPEG.
	RenderPage(ctx context.Context, path string, page int, scale float64) (*Image, error)

	// RenderDebugSnapshot rasterizes a page with boxes outlined, encoded as JPEG.
	RenderDebugSnapshot(ctx context.Context, path string, page int, boxes []types.Box) (*Image, error)
}

// Image is an encoded page raster.
type Image struct {
	JPEG   []byte
	Width  int
	Height int
}

const (
	// FooterMaskFraction is the share of page height hidden at the bottom.
	FooterMaskFraction = 0.08

	DefaultRenderScale = 3.0
	DefaultDebugScale  = 2.0
	JPEGQuality        = 80
)

// PageDelimiter returns the separator line that precedes page n's text.
func PageDelimiter(n int) string {
	return fmt.Sprintf("--- [ PAGE %d ] ---", n)
}

// FormatPages joins per-page text, starting at page number first.
func FormatPages(first int, pages []string) string {
	var b strings.Builder
	for i, text := range pages {
		b.WriteString("\n")
		b.WriteString(PageDelimiter(first + i))
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

// ClampRange limits start..end to 1..total. ok is false when nothing remains.
func ClampRange(start, end, total int) (int, int, bool) {
	if start < 1 {
		start = 1
	}
	if end > total {
		end = total
	}
	return start, end, start <= end
}
