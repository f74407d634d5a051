package segment

import "context"

// Refiner improves a binary mask with an iterative foreground/background
// energy minimization seeded from the image rectangle shrunk by margin.
type Refiner interface {
	Refine(ctx context.Context, src *RGB, mask []uint8, iterations, margin int) ([]uint8, error)
}
