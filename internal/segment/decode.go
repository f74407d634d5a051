package segment

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type Decoder interface {
	Decode(data []byte) (*RGB, string, error)
}

// StdDecoder decodes every format registered with the image package.
type StdDecoder struct {
	// MaxPixels rejects images whose header declares more pixels. Zero disables the check.
	MaxPixels int
}

func (d StdDecoder) Decode(data []byte) (*RGB, string, error) {
	if len(data) == 0 {
		return nil, "", newError(KindInvalidInput, "decode", errors.New("empty payload"))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", newError(KindUnsupportedFormat, "decode", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", newError(KindUnsupportedFormat, "decode", fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height))
	}
	if d.MaxPixels > 0 && cfg.Width*cfg.Height > d.MaxPixels {
		return nil, "", newError(KindResourceExhausted, "decode", fmt.Errorf("%dx%d exceeds pixel budget %d", cfg.Width, cfg.Height, d.MaxPixels))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", newError(KindUnsupportedFormat, "decode", err)
	}
	return ToRGB(img), format, nil
}

func checkPayload(data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return newError(KindInvalidInput, "validate", errors.New("empty payload"))
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return newError(KindPayloadTooLarge, "validate", fmt.Errorf("%d bytes exceeds limit of %d", len(data), maxBytes))
	}
	return nil
}
