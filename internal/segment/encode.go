package segment

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
)

type encoderBufferPool struct {
	pool sync.Pool
}

func (p *encoderBufferPool) Get() *png.EncoderBuffer {
	buf, _ := p.pool.Get().(*png.EncoderBuffer)
	return buf
}

func (p *encoderBufferPool) Put(buf *png.EncoderBuffer) {
	p.pool.Put(buf)
}

var pngEncoder = png.Encoder{
	CompressionLevel: png.BestCompression,
	BufferPool:       &encoderBufferPool{},
}

// EncodePNG serializes a four channel grid. A grid whose buffer does not
// match its bounds is a programming error and reported as KindEncodingFailure.
func EncodePNG(img *image.NRGBA) ([]byte, error) {
	if err := checkGrid(img); err != nil {
		return nil, newError(KindEncodingFailure, "encode", err)
	}

	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, newError(KindEncodingFailure, "encode", fmt.Errorf("encode png: %w", err))
	}
	return buf.Bytes(), nil
}

func checkGrid(img *image.NRGBA) error {
	if img == nil {
		return errors.New("nil image")
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("empty bounds %v", img.Rect)
	}
	if img.Stride < 4*w {
		return fmt.Errorf("stride %d too small for %d four channel pixels", img.Stride, w)
	}
	if need := (h-1)*img.Stride + 4*w; len(img.Pix) < need {
		return fmt.Errorf("pixel buffer holds %d bytes, %dx%d needs %d", len(img.Pix), w, h, need)
	}
	return nil
}
