// Package annotate renders classifier labels onto output frames.
package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"clipwatch/internal/pipeline"
)

const (
	DefaultBarHeight = 30
	DefaultQuality   = 85
)

var (
	barColor    = color.RGBA{0, 0, 0, 255}
	normalColor = color.RGBA{0, 255, 0, 255} // class 0
	alertColor  = color.RGBA{255, 40, 40, 255}
	textMarginX = 10
)

// Options controls the annotated frame layout.
type Options struct {
	// Width and Height resize frames before the label bar is added. Zero
	// keeps the captured size.
	Width  int
	Height int
	// BarHeight is the height of the label bar under the picture.
	BarHeight int
}

func (o Options) barHeight() int {
	if o.BarHeight <= 0 {
		return DefaultBarHeight
	}
	return o.BarHeight
}

// Overlay returns a copy of src with a black bar appended at the bottom
// showing the label and its score. The normal class (index 0) is drawn in
// green, anything else in red. src is not modified.
func Overlay(src *image.RGBA, label pipeline.Label, opts Options) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if opts.Width > 0 && opts.Height > 0 {
		w, h = opts.Width, opts.Height
	}
	bar := opts.barHeight()

	dst := image.NewRGBA(image.Rect(0, 0, w, h+bar))
	picture := image.Rect(0, 0, w, h)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, picture, src, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, picture, src, b, draw.Src, nil)
	}
	draw.Draw(dst, image.Rect(0, h, w, h+bar), image.NewUniform(barColor), image.Point{}, draw.Src)

	text := label.String()
	if text == "" {
		return dst
	}

	c := normalColor
	if label.ClassIndex != 0 {
		c = alertColor
	}
	face := basicfont.Face7x13
	baseline := h + (bar+face.Metrics().Ascent.Ceil())/2
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(textMarginX), Y: fixed.I(baseline)},
	}
	d.DrawString(text)
	return dst
}

// Blank returns an opaque black frame.
func Blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return img
}

// EncodeJPEG encodes img for streaming. quality <= 0 selects DefaultQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewAnnotator returns a pipeline.Annotator drawing labels with opts.
func NewAnnotator(opts Options) pipeline.Annotator {
	return func(frame *pipeline.Frame, label pipeline.Label) *image.RGBA {
		return Overlay(frame.Image, label, opts)
	}
}
