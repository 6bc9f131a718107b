package pdf

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/jackzampolin/docnav/internal/types"
)

var (
	footerMaskColor = color.NRGBA{R: 240, G: 240, B: 240, A: 242} // 95% opaque
	boxStrokeColor  = color.NRGBA{R: 0x00, G: 0xf0, B: 0xff, A: 0xff}
	boxFillColor    = color.NRGBA{R: 0, G: 240, B: 255, A: 26} // 10% opaque
)

const boxStrokeWidth = 2

// toRGBA copies src into a fresh RGBA canvas.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// MaskFooter covers the bottom fraction of the page with a near-solid light grey.
func MaskFooter(src image.Image, fraction float64) *image.RGBA {
	dst := toRGBA(src)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	top := int(float64(h) * (1 - fraction))
	draw.Draw(dst, image.Rect(0, top, w, h), image.NewUniform(footerMaskColor), image.Point{}, draw.Over)
	return dst
}

// BoxRect maps a normalized 0-1000 box onto a w by h pixel canvas.
func BoxRect(box types.Box, w, h int) image.Rectangle {
	b := box.Clamp()
	x0 := b[1] * w / types.BoxScale
	y0 := b[0] * h / types.BoxScale
	x1 := b[3] * w / types.BoxScale
	y1 := b[2] * h / types.BoxScale
	return image.Rect(x0, y0, x1, y1)
}

// DrawBoxes outlines each box in cyan with a translucent fill.
func DrawBoxes(src image.Image, boxes []types.Box) *image.RGBA {
	dst := toRGBA(src)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	fill := image.NewUniform(boxFillColor)
	stroke := image.NewUniform(boxStrokeColor)

	for _, box := range boxes {
		r := BoxRect(box, w, h)
		if r.Empty() {
			continue
		}
		draw.Draw(dst, r, fill, image.Point{}, draw.Over)

		sw := boxStrokeWidth
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+sw),
			image.Rect(r.Min.X, r.Max.Y-sw, r.Max.X, r.Max.Y),
			image.Rect(r.Min.X, r.Min.Y, r.Min.X+sw, r.Max.Y),
			image.Rect(r.Max.X-sw, r.Min.Y, r.Max.X, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(dst, e.Intersect(dst.Bounds()), stroke, image.Point{}, draw.Src)
		}
	}
	return dst
}

// Downscale shrinks src to maxWidth, keeping the aspect ratio.
func Downscale(src *image.RGBA, maxWidth int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() <= maxWidth {
		return src
	}
	h := b.Dy() * maxWidth / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img at JPEGQuality.
func EncodeJPEG(img image.Image) (*Image, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	b := img.Bounds()
	return &Image{JPEG: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
