//go:build govips && cgo

package segment

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsDownscaler struct{}

func (govipsDownscaler) Downscale(ctx context.Context, src *RGB, bound Bound, quality int) (*RGB, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var staged bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&staged, src); err != nil {
		return nil, fmt.Errorf("stage image for vips: %w", err)
	}

	img, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load image into vips: %w", err)
	}
	defer img.Close()

	w, h := fitDimensions(img.Width(), img.Height(), bound)
	if w != img.Width() || h != img.Height() {
		if err := img.Thumbnail(w, h, vips.InterestingNone); err != nil {
			return nil, fmt.Errorf("resize image: %w", err)
		}
	}

	params := vips.NewJpegExportParams()
	params.Quality = quality
	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return nil, fmt.Errorf("recompress jpeg: %w", err)
	}
	return decodeJPEG(data)
}
