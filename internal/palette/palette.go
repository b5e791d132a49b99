// Package palette extracts dominant colors from images and renders preview
// cards showing the image next to its swatches.
package palette

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	DefaultColors    = 10
	DefaultMaxPixels = 4_000_000
	// MaxDecodePixels bounds the raster an encoded image may declare.
	MaxDecodePixels = 100_000_000

	previewWidth  = 1080
	previewHeight = 720
	previewBorder = 8
	sampleWidth   = 160
)

var (
	// ErrNoColors is returned for images without any opaque pixel.
	ErrNoColors = errors.New("palette: image has no opaque pixels")
	// ErrTooManyPixels is returned for images whose declared dimensions
	// exceed MaxDecodePixels.
	ErrTooManyPixels = errors.New("palette: image dimensions too large")
)

// Extractor turns encoded images into palettes and preview PNGs.
type Extractor struct {
	Colors    int
	MaxPixels int
}

// NewExtractor returns an extractor with the default palette size and
// pixel budget.
func NewExtractor() *Extractor {
	return &Extractor{Colors: DefaultColors, MaxPixels: DefaultMaxPixels}
}

// Output is the result of running the extractor on one image.
type Output struct {
	Colors  []color.NRGBA
	Preview []byte
}

// Run decodes data, extracts its palette and renders the preview.
func (e *Extractor) Run(data []byte) (*Output, error) {
	img, err := e.Decode(data)
	if err != nil {
		return nil, err
	}
	colors, err := e.Extract(img)
	if err != nil {
		return nil, err
	}
	preview, err := e.Preview(img, colors)
	if err != nil {
		return nil, err
	}
	return &Output{Colors: colors, Preview: preview}, nil
}

// CheckDimensions reads only the image header and rejects images that
// would decode to more than MaxDecodePixels.
func CheckDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxDecodePixels {
		return cfg.Width, cfg.Height, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

// Decode decodes an image honouring EXIF orientation, downscaling it when
// it exceeds the pixel budget.
func (e *Extractor) Decode(data []byte) (image.Image, error) {
	if _, _, err := CheckDimensions(data); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	pixels := b.Dx() * b.Dy()
	if e.MaxPixels > 0 && pixels > e.MaxPixels {
		ratio := math.Sqrt(float64(e.MaxPixels) / float64(pixels))
		w := max(int(float64(b.Dx())*ratio), 1)
		h := max(int(float64(b.Dy())*ratio), 1)
		return imaging.Resize(img, w, h, imaging.Lanczos), nil
	}
	return img, nil
}

type bucket struct {
	key        uint16
	r, g, b, n int
}

// Extract returns up to e.Colors dominant colors, most frequent first.
// Pixels are grouped into 5-bit-per-channel buckets and each bucket is
// reported as the mean of its members.
func (e *Extractor) Extract(img image.Image) ([]color.NRGBA, error) {
	sample := imaging.Clone(img)
	if sample.Bounds().Dx() > sampleWidth {
		sample = imaging.Resize(sample, sampleWidth, 0, imaging.Box)
	}

	buckets := make(map[uint16]*bucket)
	pix := sample.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		if pix[i+3] < 128 {
			continue
		}
		r, g, b := int(pix[i]), int(pix[i+1]), int(pix[i+2])
		key := uint16(r>>3)<<10 | uint16(g>>3)<<5 | uint16(b>>3)
		bk, ok := buckets[key]
		if !ok {
			bk = &bucket{key: key}
			buckets[key] = bk
		}
		bk.r += r
		bk.g += g
		bk.b += b
		bk.n++
	}
	if len(buckets) == 0 {
		return nil, ErrNoColors
	}

	ranked := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		ranked = append(ranked, bk)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].key < ranked[j].key
	})

	n := e.Colors
	if n <= 0 {
		n = DefaultColors
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]color.NRGBA, n)
	for i := 0; i < n; i++ {
		bk := ranked[i]
		out[i] = color.NRGBA{
			R: uint8(bk.r / bk.n),
			G: uint8(bk.g / bk.n),
			B: uint8(bk.b / bk.n),
			A: 255,
		}
	}
	return out, nil
}

// Preview renders a 1080x720 PNG card: the image on the left three
// quarters and one horizontal swatch per palette color on the right.
func (e *Extractor) Preview(img image.Image, colors []color.NRGBA) ([]byte, error) {
	canvas := imaging.New(previewWidth, previewHeight, color.White)

	inner := previewHeight - 2*previewBorder
	photo := imaging.Fit(img, previewWidth*3/4, inner, imaging.Lanczos)
	mb := photo.Bounds()
	canvas = imaging.Paste(canvas, photo, image.Pt(previewBorder, (previewHeight-mb.Dy())/2))

	stripX := mb.Dx() + 2*previewBorder
	stripW := previewWidth - stripX - previewBorder
	if stripW > 0 && len(colors) > 0 {
		swatchH := inner / len(colors)
		for i, c := range colors {
			swatch := imaging.New(stripW, swatchH, c)
			canvas = imaging.Paste(canvas, swatch, image.Pt(stripX, previewBorder+i*swatchH))
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
