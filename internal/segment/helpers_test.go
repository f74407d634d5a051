package segment

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
)

// buildSubjectImage draws a dark square subject on a white background.
func buildSubjectImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	x0, y0 := w*3/10, h*3/10
	x1, y1 := w*7/10, h*7/10
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if x >= x0 && x < x1 && y >= y0 && y < y1 {
				c = color.NRGBA{R: 24, G: 32, B: 40, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, buildSubjectImage(w, h)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, buildSubjectImage(w, h), &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func buildTestGIF(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, buildSubjectImage(w, h), nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func solidRGB(w, h int, c color.RGBA) *RGB {
	img := NewRGB(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 3 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
	}
	return img
}

func alphaAt(img *image.NRGBA, x, y int) uint8 {
	return img.NRGBAAt(x, y).A
}

// countingDecoder records how often the pipeline reached the decoder.
type countingDecoder struct {
	mu    sync.Mutex
	calls int
	next  Decoder
}

func (d *countingDecoder) Decode(data []byte) (*RGB, string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.next.Decode(data)
}

func (d *countingDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeRuntime marks dark pixels as foreground and can be told to reject
// specific input representations.
type fakeRuntime struct {
	mu     sync.Mutex
	reject map[string]error
	seen   []string
	closed bool
}

func (r *fakeRuntime) Infer(ctx context.Context, in Input) (image.Image, error) {
	r.mu.Lock()
	r.seen = append(r.seen, in.Kind)
	err := r.reject[in.Kind]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	src := in.Image
	if src == nil {
		decoded, _, err := image.Decode(bytes.NewReader(in.Bytes))
		if err != nil {
			return nil, err
		}
		src = decoded
	}

	b := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			if luminance(c.R, c.G, c.B) < 128 {
				c.A = 250
			} else {
				c.A = 10
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

func (r *fakeRuntime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func runtimeLoader(rt Runtime) Loader {
	return func(context.Context, ModelConfig) (Runtime, error) {
		return rt, nil
	}
}
