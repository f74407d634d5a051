package segment

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// RGB is an in-memory image of interleaved 8-bit R, G, B samples. It has no
// alpha channel; At reports every pixel as opaque.
type RGB struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

func NewRGB(r image.Rectangle) *RGB {
	w, h := r.Dx(), r.Dy()
	return &RGB{
		Pix:    make([]uint8, 3*w*h),
		Stride: 3 * w,
		Rect:   r,
	}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) Channels() int { return 3 }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 0xff}
}

func (p *RGB) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
}

// NRGBA returns an opaque four channel copy.
func (p *RGB) NRGBA() *image.NRGBA {
	w, h := p.Rect.Dx(), p.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := p.Pix[y*p.Stride : y*p.Stride+3*w]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*w]
		for x := 0; x < w; x++ {
			row[4*x] = src[3*x]
			row[4*x+1] = src[3*x+1]
			row[4*x+2] = src[3*x+2]
			row[4*x+3] = 0xff
		}
	}
	return dst
}

// compact returns Pix with rows packed back to back.
func (p *RGB) compact() []uint8 {
	w, h := p.Rect.Dx(), p.Rect.Dy()
	if p.Stride == 3*w {
		return p.Pix[:3*w*h]
	}
	out := make([]uint8, 0, 3*w*h)
	for y := 0; y < h; y++ {
		out = append(out, p.Pix[y*p.Stride:y*p.Stride+3*w]...)
	}
	return out
}

// ToRGB flattens any image to three channels. Existing alpha is dropped and
// the non-premultiplied color underneath is kept.
func ToRGB(img image.Image) *RGB {
	if rgb, ok := img.(*RGB); ok {
		return rgb
	}

	b := img.Bounds()
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = image.NewNRGBA(b)
		draw.Draw(nrgba, b, img, b.Min, draw.Src)
	}

	w, h := b.Dx(), b.Dy()
	dst := NewRGB(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcOff := nrgba.PixOffset(b.Min.X, b.Min.Y+y)
		src := nrgba.Pix[srcOff : srcOff+4*w]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+3*w]
		for x := 0; x < w; x++ {
			row[3*x] = src[4*x]
			row[3*x+1] = src[4*x+1]
			row[3*x+2] = src[4*x+2]
		}
	}
	return dst
}
