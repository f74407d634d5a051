package segment

import (
	"context"
	"image"
	"image/draw"
)

// Segmenter separates foreground from background. Input always has three
// channels and the returned image always has four.
type Segmenter interface {
	Name() string
	Segment(ctx context.Context, src *RGB) (*Segmentation, error)
}

type Segmentation struct {
	Image          *image.NRGBA
	Strategy       string
	Representation string
}

const (
	alphaOpaque      = 0xff
	alphaTransparent = 0x00
	alphaCutoff      = 0x80
)

// compose multiplies src by mask and attaches mask as the alpha channel.
func compose(src *RGB, mask []uint8) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		in := src.Pix[y*src.Stride : y*src.Stride+3*w]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+4*w]
		m := mask[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			if m[x] == alphaTransparent {
				continue
			}
			out[4*x] = in[3*x]
			out[4*x+1] = in[3*x+1]
			out[4*x+2] = in[3*x+2]
			out[4*x+3] = alphaOpaque
		}
	}
	return dst
}

// binarize turns any model output into a four channel grid whose alpha is
// either fully opaque or fully transparent.
func binarize(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		if dst.Pix[i+3] >= alphaCutoff {
			dst.Pix[i+3] = alphaOpaque
			continue
		}
		dst.Pix[i] = 0
		dst.Pix[i+1] = 0
		dst.Pix[i+2] = 0
		dst.Pix[i+3] = alphaTransparent
	}
	return dst
}
