package segment

import (
	"context"

	"go.uber.org/zap"
)

// ThresholdSegmenter is the crude fallback used when no model is available.
// It classifies single pixels by color and has no notion of objects, so it
// only works on plain, light or green backgrounds. It is not a substitute for
// the model path.
type ThresholdSegmenter struct {
	cfg     ThresholdConfig
	refiner Refiner
	logger  *zap.Logger
}

func NewThresholdSegmenter(cfg ThresholdConfig, logger *zap.Logger) *ThresholdSegmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ThresholdSegmenter{cfg: cfg, logger: logger}
	if cfg.Refine {
		s.refiner = newRefiner()
		if s.refiner == nil {
			logger.Warn("mask refinement requested but this build has no grabcut support; using raw threshold masks")
		}
	}
	return s
}

func (s *ThresholdSegmenter) Name() string {
	return string(StrategyThreshold)
}

// Mask returns one byte per pixel, 0xff for foreground and 0 for background.
// The result depends only on src and the configured constants.
func (s *ThresholdSegmenter) Mask(src *RGB) []uint8 {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	mask := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+3*w]
		for x := 0; x < w; x++ {
			r, g, b := row[3*x], row[3*x+1], row[3*x+2]
			if !s.isBackground(r, g, b) {
				mask[y*w+x] = alphaOpaque
			}
		}
	}
	return mask
}

func (s *ThresholdSegmenter) isBackground(r, g, b uint8) bool {
	switch s.cfg.Rule {
	case RuleGreenScreen:
		return int(g) > max(int(r), int(b))+int(s.cfg.GreenDelta)
	default:
		return luminance(r, g, b) > s.cfg.Cutoff
	}
}

func (s *ThresholdSegmenter) Segment(ctx context.Context, src *RGB) (*Segmentation, error) {
	mask := s.Mask(src)

	if s.refiner != nil {
		refined, err := s.refiner.Refine(ctx, src, mask, s.cfg.RefineIterations, s.cfg.RefineMargin)
		if err != nil {
			s.logger.Warn("grabcut refinement failed, keeping threshold mask", zap.Error(err))
		} else {
			mask = refined
		}
	}

	return &Segmentation{
		Image:    compose(src, mask),
		Strategy: s.Name(),
	}, nil
}

// luminance is the ITU-R BT.601 luma in integer arithmetic.
func luminance(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}
