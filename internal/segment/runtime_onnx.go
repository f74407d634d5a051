//go:build onnx

package segment

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/josuedeavila/rmbg"
)

// onnxRuntime runs a u2net family model in process through onnxruntime.
type onnxRuntime struct {
	infer   func(image.Image) (image.Image, error)
	closeFn func()
}

func newLocalRuntime(_ context.Context, cfg ModelConfig) (Runtime, error) {
	engine, err := rmbg.New(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load onnx model %s: %w", cfg.Path, err)
	}

	return &onnxRuntime{
		infer: func(img image.Image) (image.Image, error) {
			return engine.RemoveBackground(img)
		},
		closeFn: func() {
			engine.Close()
		},
	}, nil
}

func (r *onnxRuntime) Infer(ctx context.Context, in Input) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := in.Image
	if img == nil {
		decoded, _, err := image.Decode(bytes.NewReader(in.Bytes))
		if err != nil {
			return nil, fmt.Errorf("decode %s input: %w", in.Kind, err)
		}
		img = decoded
	}
	return r.infer(img)
}

func (r *onnxRuntime) Close() error {
	r.closeFn()
	return nil
}
