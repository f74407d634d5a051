//go:build !gocv || !cgo

package segment

func newRefiner() Refiner {
	return nil
}
