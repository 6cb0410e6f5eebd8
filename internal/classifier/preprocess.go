package classifier

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds the decoded image size (width*height).
const DefaultMaxPixels = 40_000_000

// Preprocessor turns an image into the normalized NCHW tensor the network
// was trained on: shorter side resized to ResizeSize, center crop of
// CropSize, per-channel (x-mean)/std.
type Preprocessor struct {
	ResizeSize int
	CropSize   int
	Mean       [3]float32
	Std        [3]float32
	// MaxPixels caps width*height of accepted images; 0 means DefaultMaxPixels.
	MaxPixels int
}

func (p Preprocessor) maxPixels() int {
	if p.MaxPixels > 0 {
		return p.MaxPixels
	}
	return DefaultMaxPixels
}

// Decode parses any registered image format. The header is checked against
// maxPixels before any pixel buffer is allocated.
func Decode(raw []byte, maxPixels int) (image.Image, string, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, format, nil
}

// Tensor returns 3*CropSize*CropSize values, channel-major.
func (p Preprocessor) Tensor(img image.Image) []float32 {
	b := img.Bounds()
	win := p.plan(b.Dx(), b.Dy())

	scaled := toRGB(img, win.src.Add(b.Min))
	if win.width != win.src.Dx() || win.height != win.src.Dy() {
		out := resize.Resize(uint(win.width), uint(win.height), scaled, resize.Bilinear)
		if rgba, ok := out.(*image.RGBA); ok {
			scaled = rgba
		} else {
			scaled = toRGB(out, out.Bounds())
		}
	}

	size := p.CropSize
	plane := size * size
	out := make([]float32, 3*plane)
	origin := scaled.Rect.Min.Add(win.offset)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := scaled.RGBAAt(origin.X+x, origin.Y+y)
			idx := y*size + x
			out[idx] = (float32(c.R)/255.0 - p.Mean[0]) / p.Std[0]
			out[plane+idx] = (float32(c.G)/255.0 - p.Mean[1]) / p.Std[1]
			out[2*plane+idx] = (float32(c.B)/255.0 - p.Mean[2]) / p.Std[2]
		}
	}
	return out
}

// window is the part of the source image that feeds the center crop.
type window struct {
	// src is the source region, relative to the image origin.
	src image.Rectangle
	// width and height are the size src scales to.
	width, height int
	// offset locates the crop inside the scaled region.
	offset image.Point
}

// plan maps the crop of the resized image back onto source pixels, so only
// that region (plus filter support) is ever scaled. Memory stays bounded by
// the crop size whatever the aspect ratio.
func (p Preprocessor) plan(w, h int) window {
	rw, rh := p.ResizeSize, p.ResizeSize
	if w <= h {
		rh = int(int64(p.ResizeSize) * int64(h) / int64(w))
	} else {
		rw = int(int64(p.ResizeSize) * int64(w) / int64(h))
	}
	left, top := cropOrigin(rw, p.CropSize), cropOrigin(rh, p.CropSize)
	sx, sy := float64(rw)/float64(w), float64(rh)/float64(h)

	x0, x1 := sourceSpan(left, p.CropSize, sx, w)
	y0, y1 := sourceSpan(top, p.CropSize, sy, h)

	win := window{src: image.Rect(x0, y0, x1, y1)}
	win.width = max(int(math.Round(float64(x1-x0)*sx)), p.CropSize)
	win.height = max(int(math.Round(float64(y1-y0)*sy)), p.CropSize)
	win.offset = image.Pt(
		clamp(left-int(math.Round(float64(x0)*sx)), 0, win.width-p.CropSize),
		clamp(top-int(math.Round(float64(y0)*sy)), 0, win.height-p.CropSize),
	)
	return win
}

// cropOrigin centers size within dim, rounding halves to even.
func cropOrigin(dim, size int) int {
	return int(math.RoundToEven(float64(dim-size) / 2))
}

// sourceSpan returns the source interval covering [start, start+size) of a
// dimension scaled by scale, widened by the bilinear filter's reach.
func sourceSpan(start, size int, scale float64, limit int) (int, int) {
	margin := int(math.Ceil(2/scale)) + 1
	lo := int(math.Floor(float64(start)/scale)) - margin
	hi := int(math.Ceil(float64(start+size)/scale)) + margin
	return clamp(lo, 0, limit), clamp(hi, 0, limit)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// toRGB copies r from img onto an opaque RGBA image at the origin. Alpha is
// discarded rather than composited.
func toRGB(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-r.Min.X, y-r.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
