//go:build gocv && cgo

package segment

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// grabcut mask labels
const (
	gcBackground         = 0
	gcForeground         = 1
	gcProbableBackground = 2
	gcProbableForeground = 3
)

type grabCutRefiner struct{}

func newRefiner() Refiner {
	return grabCutRefiner{}
}

func (grabCutRefiner) Refine(ctx context.Context, src *RGB, mask []uint8, iterations, margin int) ([]uint8, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w <= 2*margin+1 || h <= 2*margin+1 {
		return mask, nil
	}

	rgb, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, src.compact())
	if err != nil {
		return nil, fmt.Errorf("wrap pixels: %w", err)
	}
	defer rgb.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	rect := image.Rect(margin, margin, w-margin, h-margin)
	labels := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8U)
	defer labels.Close()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			label := uint8(gcProbableBackground)
			switch {
			case !(image.Point{X: x, Y: y}.In(rect)):
				label = gcBackground
			case mask[y*w+x] != alphaTransparent:
				label = gcProbableForeground
			}
			labels.SetUCharAt(y, x, label)
		}
	}

	bgdModel := gocv.NewMat()
	defer bgdModel.Close()
	fgdModel := gocv.NewMat()
	defer fgdModel.Close()

	gocv.GrabCut(bgr, &labels, rect, &bgdModel, &fgdModel, iterations, gocv.GCInitWithMask)

	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch labels.GetUCharAt(y, x) {
			case gcForeground, gcProbableForeground:
				out[y*w+x] = alphaOpaque
			}
		}
	}
	return out, nil
}
