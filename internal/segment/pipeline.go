package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/dunamismax/cutout/internal/segment"

// StageObserver receives the duration and outcome of every pipeline stage.
type StageObserver func(stage string, elapsed time.Duration, err error)

// Result is the output of one background removal.
type Result struct {
	PNG            []byte
	Image          *image.NRGBA
	Width          int
	Height         int
	SourceFormat   string
	SourceBytes    int
	Strategy       string
	Representation string
	// Fallback is set when the model was unavailable and the threshold
	// segmenter produced the result instead.
	Fallback bool
	Duration time.Duration
}

type Pipeline struct {
	cfg        Config
	handle     *ModelHandle
	decoder    Decoder
	downscaler Downscaler
	segmenter  Segmenter
	fallback   Segmenter
	observe    StageObserver
	logger     *zap.Logger
	tracer     trace.Tracer
}

type Option func(*Pipeline)

func WithDecoder(d Decoder) Option {
	return func(p *Pipeline) { p.decoder = d }
}

func WithDownscaler(d Downscaler) Option {
	return func(p *Pipeline) { p.downscaler = d }
}

func WithSegmenter(s Segmenter) Option {
	return func(p *Pipeline) { p.segmenter = s }
}

// WithFallback replaces the segmenter used when the model is unavailable.
// A nil fallback turns model unavailability into a hard failure.
func WithFallback(s Segmenter) Option {
	return func(p *Pipeline) { p.fallback = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithStageObserver(fn StageObserver) Option {
	return func(p *Pipeline) { p.observe = fn }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New builds a pipeline. The strategy is fixed for the lifetime of the
// pipeline. handle may be nil only for the threshold strategy.
func New(cfg Config, handle *ModelHandle, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	p := &Pipeline{
		cfg:        cfg,
		handle:     handle,
		decoder:    StdDecoder{MaxPixels: cfg.MaxPixels},
		downscaler: newDownscaler(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
	}

	// Options run once before the default segmenters are built so they share
	// the supplied logger, and once after so supplied segmenters win.
	for _, opt := range opts {
		opt(p)
	}

	threshold := NewThresholdSegmenter(cfg.Threshold, p.logger.Named("threshold"))
	switch cfg.Strategy {
	case StrategyModel:
		if handle == nil {
			return nil, errors.New("model strategy requires a model handle")
		}
		p.segmenter = NewModelSegmenter(handle, DefaultLadder(), cfg.Model.Timeout, p.logger.Named("model"))
		p.fallback = threshold
	case StrategyThreshold:
		p.segmenter = threshold
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger.Info("pipeline configured",
		zap.String("strategy", string(cfg.Strategy)),
		zap.Stringer("bound", cfg.Bound),
		zap.Int("quality", cfg.Quality),
		zap.Int64("max_upload_bytes", cfg.MaxUploadBytes),
		zap.String("downscaler", downscalerBackend()),
	)
	return p, nil
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

func (p *Pipeline) Strategy() Strategy {
	return p.cfg.Strategy
}

// Fingerprint identifies the output-affecting configuration for cache keys.
func (p *Pipeline) Fingerprint() string {
	return p.cfg.Fingerprint()
}

// Ready reports whether a request would be served by the configured
// strategy without falling back.
func (p *Pipeline) Ready() bool {
	if p.cfg.Strategy != StrategyModel {
		return true
	}
	return p.handle != nil && p.handle.Ready()
}

// RemoveBackground decodes data, shrinks it to the configured bound, separates
// the subject from the background and returns the cut-out as PNG. Every error
// is a *Error.
func (p *Pipeline) RemoveBackground(ctx context.Context, data []byte) (res *Result, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "segment.RemoveBackground",
		trace.WithAttributes(attribute.Int("image.source_bytes", len(data))),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, p.recovered(r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(
			attribute.String("segment.strategy", res.Strategy),
			attribute.Bool("segment.fallback", res.Fallback),
			attribute.Int("image.width", res.Width),
			attribute.Int("image.height", res.Height),
		)
	}()

	// Size is checked before the decoder ever sees the bytes.
	if err := checkPayload(data, p.cfg.MaxUploadBytes); err != nil {
		p.record("validate", 0, err)
		return nil, err
	}

	var (
		src    *RGB
		format string
	)
	if err := p.stage(ctx, "decode", func(context.Context) error {
		var err error
		src, format, err = p.decoder.Decode(data)
		return asError(KindUnsupportedFormat, "decode", err)
	}); err != nil {
		return nil, err
	}

	var small *RGB
	if err := p.stage(ctx, "downscale", func(ctx context.Context) error {
		var err error
		small, err = p.downscaler.Downscale(ctx, src, p.cfg.Bound, p.cfg.Quality)
		return asError(KindEncodingFailure, "downscale", err)
	}); err != nil {
		return nil, err
	}

	var (
		seg      *Segmentation
		fellBack bool
	)
	if err := p.stage(ctx, "segment", func(ctx context.Context) error {
		var err error
		seg, err = p.segmenter.Segment(ctx, small)
		if err != nil && KindOf(err) == KindModelUnavailable && p.fallback != nil {
			p.logger.Warn("model unavailable, using threshold fallback", zap.Error(err))
			fellBack = true
			seg, err = p.fallback.Segment(ctx, small)
		}
		return asError(KindInferenceFailure, "segment", err)
	}); err != nil {
		return nil, err
	}

	var encoded []byte
	if err := p.stage(ctx, "encode", func(context.Context) error {
		var err error
		encoded, err = EncodePNG(seg.Image)
		return err
	}); err != nil {
		return nil, err
	}

	bounds := seg.Image.Bounds()
	return &Result{
		PNG:            encoded,
		Image:          seg.Image,
		Width:          bounds.Dx(),
		Height:         bounds.Dy(),
		SourceFormat:   format,
		SourceBytes:    len(data),
		Strategy:       seg.Strategy,
		Representation: seg.Representation,
		Fallback:       fellBack,
		Duration:       time.Since(start),
	}, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "segment."+name)
	defer span.End()

	if err := ctx.Err(); err != nil {
		err = asError(KindUnknown, name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	start := time.Now()
	err := fn(ctx)
	p.record(name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) record(stage string, elapsed time.Duration, err error) {
	if p.observe != nil {
		p.observe(stage, elapsed, err)
	}
}

// recovered classifies a panic from inside a stage. Allocation failures are
// reported as resource exhaustion and memory is handed back to the OS.
func (p *Pipeline) recovered(r any) error {
	cause := fmt.Errorf("panic: %v", r)
	if rerr, ok := r.(runtime.Error); ok && isAllocationFailure(rerr) {
		debug.FreeOSMemory()
		p.logger.Error("allocation failure during background removal", zap.Error(rerr))
		return newError(KindResourceExhausted, "remove background", cause)
	}
	p.logger.Error("panic during background removal",
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	)
	return newError(KindInferenceFailure, "remove background", cause)
}

func isAllocationFailure(err runtime.Error) bool {
	msg := err.Error()
	return strings.Contains(msg, "makeslice") ||
		strings.Contains(msg, "makemap") ||
		strings.Contains(msg, "out of memory")
}

// asError leaves typed errors untouched and tags anything else with kind.
func asError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return newError(kind, op, err)
}
