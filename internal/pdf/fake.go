package pdf

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackzampolin/docnav/internal/types"
)

// Fake is an in-memory Provider for testing.
type Fake struct {
	// Pages holds the text of each page; len(Pages) is the page count.
	Pages []string

	// RenderErr, when set, fails RenderPage. DebugErr fails RenderDebugSnapshot.
	RenderErr error
	DebugErr  error

	mu           sync.Mutex
	renders      []int
	debugRenders []int
	extracts     [][2]int
}

// NewFake creates a fake document with n pages of placeholder text.
func NewFake(n int) *Fake {
	pages := make([]string, n)
	for i := range pages {
		pages[i] = fmt.Sprintf("page %d text", i+1)
	}
	return &Fake{Pages: pages}
}

// PageCount implements Provider.
func (f *Fake) PageCount(ctx context.Context, path string) (int, error) {
	return len(f.Pages), nil
}

// ExtractText implements Provider.
func (f *Fake) ExtractText(ctx context.Context, path string, start, end int) (string, error) {
	start, end, ok := ClampRange(start, end, len(f.Pages))
	f.mu.Lock()
	f.extracts = append(f.extracts, [2]int{start, end})
	f.mu.Unlock()
	if !ok {
		return "", nil
	}
	return FormatPages(start, f.Pages[start-1:end]), nil
}

// RenderPage implements Provider.
func (f *Fake) RenderPage(ctx context.Context, path string, page int, scale float64) (*Image, error) {
	f.mu.Lock()
	f.renders = append(f.renders, page)
	f.mu.Unlock()
	if f.RenderErr != nil {
		return nil, f.RenderErr
	}
	return &Image{JPEG: []byte(fmt.Sprintf("jpeg-page-%d", page)), Width: 100, Height: 130}, nil
}

// RenderDebugSnapshot implements Provider.
func (f *Fake) RenderDebugSnapshot(ctx context.Context, path string, page int, boxes []types.Box) (*Image, error) {
	f.mu.Lock()
	f.debugRenders = append(f.debugRenders, page)
	f.mu.Unlock()
	if f.DebugErr != nil {
		return nil, f.DebugErr
	}
	return &Image{JPEG: []byte(fmt.Sprintf("debug-page-%d-%d", page, len(boxes))), Width: 100, Height: 130}, nil
}

// Renders returns the pages passed to RenderPage, in call order.
func (f *Fake) Renders() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.renders...)
}

// DebugRenders returns the pages passed to RenderDebugSnapshot.
func (f *Fake) DebugRenders() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.debugRenders...)
}

// Extracts returns the clamped ranges passed to ExtractText.
func (f *Fake) Extracts() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.extracts...)
}

var _ Provider = (*Fake)(nil)
