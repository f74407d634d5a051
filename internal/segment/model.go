package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Input is one representation of the source image handed to a Runtime.
// Exactly one of Bytes or Image is set.
type Input struct {
	Kind  string
	Bytes []byte
	Image image.Image
}

// Runtime runs a loaded segmentation model. Infer returns an image whose
// alpha channel marks the foreground.
type Runtime interface {
	Infer(ctx context.Context, in Input) (image.Image, error)
	Close() error
}

type Loader func(ctx context.Context, cfg ModelConfig) (Runtime, error)

var errHandleClosed = errors.New("model handle closed")

type handleState struct {
	runtime Runtime
	err     error
}

// ModelHandle owns the process-wide model runtime. The runtime is loaded at
// most once; a failed load is kept and returned to every later caller.
type ModelHandle struct {
	cfg    ModelConfig
	loader Loader
	logger *zap.Logger

	mu    sync.Mutex
	state atomic.Pointer[handleState]
	loads atomic.Int32
}

func NewModelHandle(cfg ModelConfig, loader Loader, logger *zap.Logger) *ModelHandle {
	if loader == nil {
		loader = DefaultLoader
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandle{cfg: cfg, loader: loader, logger: logger}
}

// Get returns the loaded runtime, loading it on first use.
func (h *ModelHandle) Get(ctx context.Context) (Runtime, error) {
	if s := h.state.Load(); s != nil {
		return s.result()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.state.Load(); s != nil {
		return s.result()
	}

	s := h.load(ctx)
	h.state.Store(s)
	return s.result()
}

func (h *ModelHandle) load(ctx context.Context) *handleState {
	h.loads.Add(1)

	// A cancelled request must not poison the handle for everyone else.
	loadCtx := context.WithoutCancel(ctx)
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, h.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	rt, err := h.loader(loadCtx, h.cfg)
	if err == nil && rt == nil {
		err = errors.New("loader returned no runtime")
	}
	if err != nil {
		h.logger.Error("model load failed",
			zap.String("model", h.cfg.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return &handleState{err: newError(KindModelUnavailable, "load model", err)}
	}

	h.logger.Info("model loaded",
		zap.String("model", h.cfg.Name),
		zap.String("provider", h.cfg.Provider),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &handleState{runtime: rt}
}

func (s *handleState) result() (Runtime, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.runtime, nil
}

// Warm loads the model eagerly.
func (h *ModelHandle) Warm(ctx context.Context) error {
	_, err := h.Get(ctx)
	return err
}

// Ready reports whether the runtime is loaded and usable.
func (h *ModelHandle) Ready() bool {
	s := h.state.Load()
	return s != nil && s.err == nil
}

// Loads reports how many times the loader ran.
func (h *ModelHandle) Loads() int {
	return int(h.loads.Load())
}

func (h *ModelHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.state.Load()
	h.state.Store(&handleState{err: newError(KindModelUnavailable, "load model", errHandleClosed)})
	if s == nil || s.runtime == nil {
		return nil
	}
	return s.runtime.Close()
}

// DefaultLoader picks the remote runtime when an endpoint is configured and
// the local runtime when a model file is configured.
func DefaultLoader(ctx context.Context, cfg ModelConfig) (Runtime, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) != "":
		rt, err := NewRemoteRuntime(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case strings.TrimSpace(cfg.Path) != "":
		return newLocalRuntime(ctx, cfg)
	default:
		return nil, fmt.Errorf("model %q has neither an endpoint nor a local path", cfg.Name)
	}
}

// ModelSegmenter segments with the handle's runtime, trying each
// representation of the source image in order.
type ModelSegmenter struct {
	handle  *ModelHandle
	ladder  []Representation
	timeout time.Duration
	logger  *zap.Logger
}

func NewModelSegmenter(handle *ModelHandle, ladder []Representation, timeout time.Duration, logger *zap.Logger) *ModelSegmenter {
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelSegmenter{handle: handle, ladder: ladder, timeout: timeout, logger: logger}
}

func (s *ModelSegmenter) Name() string {
	return string(StrategyModel)
}

func (s *ModelSegmenter) Segment(ctx context.Context, src *RGB) (*Segmentation, error) {
	rt, err := s.handle.Get(ctx)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, rep, err := runLadder(ctx, rt, s.ladder, src)
	if err != nil {
		return nil, newError(KindInferenceFailure, "segment", err)
	}

	w, h := src.Rect.Dx(), src.Rect.Dy()
	if !sameSize(out, w, h) {
		s.logger.Debug("model output size differs from input, resampling mask",
			zap.Stringer("got", out.Bounds().Size()),
			zap.Int("width", w),
			zap.Int("height", h),
		)
		out = imaging.Resize(out, w, h, imaging.Linear)
	}

	return &Segmentation{
		Image:          binarize(out),
		Strategy:       s.Name(),
		Representation: rep,
	}, nil
}
