package segment

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

type imagingDownscaler struct{}

func (imagingDownscaler) Downscale(ctx context.Context, src *RGB, bound Bound, quality int) (*RGB, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	w, h := fitDimensions(src.Rect.Dx(), src.Rect.Dy(), bound)

	var img image.Image = src
	if !sameSize(src, w, h) {
		img = imaging.Resize(src, w, h, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("recompress jpeg: %w", err)
	}
	return decodeJPEG(buf.Bytes())
}
