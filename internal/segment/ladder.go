package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
)

const (
	RepresentationEncodedPNG = "encoded_png"
	RepresentationRGB        = "rgb_image"
	RepresentationRGBA       = "rgba_image"
)

// Representation converts the source grid into one input shape a runtime may
// accept.
type Representation struct {
	Name    string
	Prepare func(src *RGB) (Input, error)
}

// DefaultLadder tries encoded bytes first, then the three channel grid, then
// an opaque four channel copy.
func DefaultLadder() []Representation {
	return []Representation{
		{Name: RepresentationEncodedPNG, Prepare: prepareEncodedPNG},
		{Name: RepresentationRGB, Prepare: func(src *RGB) (Input, error) {
			return Input{Kind: RepresentationRGB, Image: src}, nil
		}},
		{Name: RepresentationRGBA, Prepare: func(src *RGB) (Input, error) {
			return Input{Kind: RepresentationRGBA, Image: src.NRGBA()}, nil
		}},
	}
}

var stagingEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

func prepareEncodedPNG(src *RGB) (Input, error) {
	var buf bytes.Buffer
	if err := stagingEncoder.Encode(&buf, src.NRGBA()); err != nil {
		return Input{}, fmt.Errorf("stage png: %w", err)
	}
	return Input{Kind: RepresentationEncodedPNG, Bytes: buf.Bytes()}, nil
}

type Attempt struct {
	Representation string
	Err            error
}

// LadderError lists every failed representation. Unwrap returns the last
// failure.
type LadderError struct {
	Attempts []Attempt
}

func (e *LadderError) Error() string {
	if len(e.Attempts) == 0 {
		return "no input representations to try"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Representation, a.Err))
	}
	return fmt.Sprintf("all %d input representations failed (%s)", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *LadderError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func runLadder(ctx context.Context, rt Runtime, ladder []Representation, src *RGB) (image.Image, string, error) {
	failed := &LadderError{}
	for _, rep := range ladder {
		if err := ctx.Err(); err != nil {
			failed.Attempts = append(failed.Attempts, Attempt{Representation: rep.Name, Err: err})
			return nil, "", failed
		}

		in, err := rep.Prepare(src)
		if err != nil {
			failed.Attempts = append(failed.Attempts, Attempt{Representation: rep.Name, Err: err})
			continue
		}

		out, err := rt.Infer(ctx, in)
		if err == nil && out == nil {
			err = errors.New("runtime returned no image")
		}
		if err != nil {
			failed.Attempts = append(failed.Attempts, Attempt{Representation: rep.Name, Err: err})
			continue
		}
		return out, rep.Name, nil
	}
	return nil, "", failed
}
