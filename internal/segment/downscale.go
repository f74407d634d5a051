package segment

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
)

// Downscaler shrinks an image to fit a bound and recompresses it with lossy
// JPEG at the given quality. It never upscales.
type Downscaler interface {
	Downscale(ctx context.Context, src *RGB, bound Bound, quality int) (*RGB, error)
}

// fitDimensions returns the largest size with the source aspect ratio that
// fits inside bound. Sources already inside the bound are returned unchanged.
func fitDimensions(w, h int, bound Bound) (int, int) {
	if w <= bound.Width && h <= bound.Height {
		return w, h
	}

	scale := math.Min(float64(bound.Width)/float64(w), float64(bound.Height)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	nw = clamp(nw, 1, bound.Width)
	nh = clamp(nh, 1, bound.Height)
	return nw, nh
}

func decodeJPEG(data []byte) (*RGB, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode recompressed jpeg: %w", err)
	}
	return ToRGB(img), nil
}

func sameSize(img image.Image, w, h int) bool {
	b := img.Bounds()
	return b.Dx() == w && b.Dy() == h
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
