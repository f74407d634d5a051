//go:build !onnx

package segment

import (
	"context"
	"fmt"
)

func newLocalRuntime(_ context.Context, cfg ModelConfig) (Runtime, error) {
	return nil, fmt.Errorf("model file %s configured but this binary was built without the onnx tag", cfg.Path)
}
