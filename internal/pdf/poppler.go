package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jackzampolin/docnav/internal/types"
)

// Poppler implements Provider with poppler-utils for text and rasters and
// pdfcpu for document structure.
type Poppler struct {
	PdftotextPath string // defaults to "pdftotext"
	PdftoppmPath  string // defaults to "pdftoppm"

	// DebugScale is the raster scale of debug snapshots (DefaultDebugScale when 0).
	DebugScale float64

	// MaxDebugWidth caps debug snapshot width in pixels; 0 disables downscaling.
	MaxDebugWidth int

	Logger *slog.Logger
}

// NewPoppler creates a provider using binaries from PATH.
func NewPoppler(logger *slog.Logger) *Poppler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poppler{
		PdftotextPath: "pdftotext",
		PdftoppmPath:  "pdftoppm",
		DebugScale:    DefaultDebugScale,
		MaxDebugWidth: 1400,
		Logger:        logger,
	}
}

// PageCount implements Provider.
func (p *Poppler) PageCount(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF %s: %w", path, err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := api.PageCount(f, conf)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count for %s: %w", path, err)
	}
	return n, nil
}

// ExtractText implements Provider.
func (p *Poppler) ExtractText(ctx context.Context, path string, start, end int) (string, error) {
	total, err := p.PageCount(ctx, path)
	if err != nil {
		return "", err
	}
	start, end, ok := ClampRange(start, end, total)
	if !ok {
		return "", nil
	}

	// pdftotext separates pages with form feeds.
	cmd := exec.CommandContext(ctx, p.bin(p.PdftotextPath, "pdftotext"),
		"-f", strconv.Itoa(start),
		"-l", strconv.Itoa(end),
		"-enc", "UTF-8",
		path, "-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read pages %d-%d: pdftotext: %w (output: %s)", start, end, err, stderr.String())
	}

	chunks := strings.Split(string(out), "\f")
	pages := make([]string, 0, end-start+1)
	for i := 0; i <= end-start; i++ {
		text := ""
		if i < len(chunks) {
			text = strings.Join(strings.Fields(chunks[i]), " ")
		}
		pages = append(pages, text)
	}

	p.Logger.Debug("extracted text", "path", filepath.Base(path), "start", start, "end", end, "bytes", len(out))
	return FormatPages(start, pages), nil
}

// RenderPage implements Provider.
func (p *Poppler) RenderPage(ctx context.Context, path string, page int, scale float64) (*Image, error) {
	img, err := p.rasterize(ctx, path, page, scale)
	if err != nil {
		return nil, err
	}
	masked := MaskFooter(img, FooterMaskFraction)
	return EncodeJPEG(masked)
}

// RenderDebugSnapshot implements Provider.
func (p *Poppler) RenderDebugSnapshot(ctx context.Context, path string, page int, boxes []types.Box) (*Image, error) {
	scale := p.DebugScale
	if scale <= 0 {
		scale = DefaultDebugScale
	}
	img, err := p.rasterize(ctx, path, page, scale)
	if err != nil {
		return nil, err
	}
	out := DrawBoxes(img, boxes)
	if p.MaxDebugWidth > 0 {
		out = Downscale(out, p.MaxDebugWidth)
	}
	return EncodeJPEG(out)
}

// rasterize renders one page to an image with pdftoppm.
func (p *Poppler) rasterize(ctx context.Context, path string, page int, scale float64) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, fmt.Errorf("invalid page number %d", page)
	}
	if scale <= 0 {
		scale = DefaultRenderScale
	}

	tmpDir, err := os.MkdirTemp("", "docnav-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// -r: 72 DPI is scale 1.0
	// -singlefile: write <prefix>.png without a page suffix
	outputPrefix := filepath.Join(tmpDir, "page")
	pageStr := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, p.bin(p.PdftoppmPath, "pdftoppm"),
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(int(72*scale+0.5)),
		"-singlefile",
		path,
		outputPrefix,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftoppm failed for page %d: %w (output: %s)", page, err, string(output))
	}

	f, err := os.Open(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered page %d: %w", page, err)
	}
	return img, nil
}

func (p *Poppler) bin(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

var _ Provider = (*Poppler)(nil)
