//go:build !govips || !cgo

package segment

func Startup() error {
	return nil
}

func Shutdown() {}

func newDownscaler() Downscaler {
	return imagingDownscaler{}
}

func downscalerBackend() string {
	return "imaging"
}
