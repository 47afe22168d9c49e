package classifier

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"clipwatch/internal/pipeline"
)

const (
	// ResizeShortSide is the length the shorter frame side is scaled to.
	ResizeShortSide = 256
	// CropSize is the side of the square center crop fed to the model.
	CropSize = 224

	wireQuality = 90
)

// ResizeCrop scales img so its shorter side is short, keeping the aspect
// ratio, and returns the centered crop x crop square.
func ResizeCrop(img *image.RGBA, short, crop int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return image.NewRGBA(image.Rect(0, 0, crop, crop))
	}

	var rw, rh int
	if h > w {
		rw, rh = short, h*short/w
	} else {
		rw, rh = w*short/h, short
	}
	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	x := (rw - crop) / 2
	y := (rh - crop) / 2
	out := image.NewRGBA(image.Rect(0, 0, crop, crop))
	draw.Draw(out, out.Bounds(), resized, image.Pt(x, y), draw.Src)
	return out
}

// Normalize flattens img to HWC RGB values scaled to [-1, 1].
func Normalize(img *image.RGBA) []float32 {
	b := img.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			out = append(out,
				float32(row[i])/255*2-1,
				float32(row[i+1])/255*2-1,
				float32(row[i+2])/255*2-1,
			)
		}
	}
	return out
}

// EncodeClip preprocesses every frame and encodes it as base64 JPEG for the
// remote model.
func EncodeClip(clip pipeline.Clip) ([]string, error) {
	frames := make([]string, len(clip))
	var buf bytes.Buffer
	for i, f := range clip {
		buf.Reset()
		cropped := ResizeCrop(f.Image, ResizeShortSide, CropSize)
		if err := jpeg.Encode(&buf, cropped, &jpeg.Options{Quality: wireQuality}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		frames[i] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return frames, nil
}

// DecodeClip reverses EncodeClip.
func DecodeClip(frames []string) (pipeline.Clip, error) {
	clip := make(pipeline.Clip, len(frames))
	for i, s := range frames {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		clip[i] = &pipeline.Frame{Image: pipeline.ToRGBA(img), Seq: uint64(i + 1)}
	}
	return clip, nil
}
