package segment

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func thresholdConfig() Config {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyThreshold
	return cfg
}

func TestRemoveBackgroundWhiteBackdrop(t *testing.T) {
	cfg := thresholdConfig()
	cfg.Bound = Bound{Width: 512, Height: 512}
	cfg.Threshold.Cutoff = 200

	p, err := New(cfg, nil)
	require.NoError(t, err)

	res, err := p.RemoveBackground(context.Background(), buildTestPNG(t, 1000, 1000))
	require.NoError(t, err)

	assert.Equal(t, 512, res.Width)
	assert.Equal(t, 512, res.Height)
	assert.Equal(t, "png", res.SourceFormat)
	assert.Equal(t, string(StrategyThreshold), res.Strategy)
	assert.False(t, res.Fallback)

	decoded, err := png.Decode(bytes.NewReader(res.PNG))
	require.NoError(t, err)
	cutout, ok := decoded.(*image.NRGBA)
	require.True(t, ok, "expected four channel png, got %T", decoded)
	assert.Equal(t, uint8(0), alphaAt(cutout, 0, 0))
	assert.Equal(t, uint8(0), alphaAt(cutout, 511, 511))
	assert.Equal(t, uint8(255), alphaAt(cutout, 256, 256))
	assert.Equal(t, res.Image.Pix, cutout.Pix)
}

func TestRemoveBackgroundCorruptedHeader(t *testing.T) {
	p, err := New(thresholdConfig(), nil)
	require.NoError(t, err)

	data := buildTestPNG(t, 32, 32)
	copy(data, []byte("GARBAGE!"))

	_, err = p.RemoveBackground(context.Background(), data)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "decode", se.Op)
}

func TestRemoveBackgroundSizeCheckedBeforeDecode(t *testing.T) {
	cfg := LiteConfig()
	cfg.Strategy = StrategyThreshold
	decoder := &countingDecoder{next: StdDecoder{}}

	p, err := New(cfg, nil, WithDecoder(decoder))
	require.NoError(t, err)

	data := append(buildTestPNG(t, 64, 64), make([]byte, 5<<20)...)
	_, err = p.RemoveBackground(context.Background(), data)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, decoder.Calls())
}

func TestRemoveBackgroundEmptyInput(t *testing.T) {
	p, err := New(thresholdConfig(), nil)
	require.NoError(t, err)

	_, err = p.RemoveBackground(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRemoveBackgroundModelStrategy(t *testing.T) {
	rt := &fakeRuntime{reject: map[string]error{RepresentationEncodedPNG: errors.New("bytes unsupported")}}
	handle := NewModelHandle(ModelConfig{Name: "u2netp"}, runtimeLoader(rt), nil)

	p, err := New(DefaultConfig(), handle)
	require.NoError(t, err)
	assert.False(t, p.Ready())

	res, err := p.RemoveBackground(context.Background(), buildTestJPEG(t, 200, 100))
	require.NoError(t, err)
	assert.Equal(t, string(StrategyModel), res.Strategy)
	assert.Equal(t, RepresentationRGB, res.Representation)
	assert.Equal(t, 200, res.Width)
	assert.Equal(t, 100, res.Height)
	assert.True(t, p.Ready())
}

func TestRemoveBackgroundFallsBackWhenModelUnavailable(t *testing.T) {
	handle := NewModelHandle(ModelConfig{}, func(context.Context, ModelConfig) (Runtime, error) {
		return nil, errors.New("no weights")
	}, nil)

	p, err := New(DefaultConfig(), handle)
	require.NoError(t, err)

	res, err := p.RemoveBackground(context.Background(), buildTestPNG(t, 64, 64))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, string(StrategyThreshold), res.Strategy)
	assert.False(t, p.Ready())

	strict, err := New(DefaultConfig(), handle, WithFallback(nil))
	require.NoError(t, err)
	_, err = strict.RemoveBackground(context.Background(), buildTestPNG(t, 64, 64))
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.True(t, KindOf(err).Retryable())
}

func TestNewRequiresHandleForModelStrategy(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

type allocatingSegmenter struct {
	size int
}

func (allocatingSegmenter) Name() string { return "allocating" }

func (s allocatingSegmenter) Segment(context.Context, *RGB) (*Segmentation, error) {
	buf := make([]byte, s.size)
	return &Segmentation{Image: image.NewNRGBA(image.Rect(0, 0, len(buf), 1))}, nil
}

type panickingSegmenter struct{}

func (panickingSegmenter) Name() string { return "panicking" }

func (panickingSegmenter) Segment(context.Context, *RGB) (*Segmentation, error) {
	panic("model state corrupted")
}

func TestRemoveBackgroundRecoversPanics(t *testing.T) {
	p, err := New(thresholdConfig(), nil, WithSegmenter(allocatingSegmenter{size: -1}))
	require.NoError(t, err)

	_, err = p.RemoveBackground(context.Background(), buildTestPNG(t, 16, 16))
	assert.ErrorIs(t, err, ErrResourceExhausted)

	p, err = New(thresholdConfig(), nil, WithSegmenter(panickingSegmenter{}))
	require.NoError(t, err)

	_, err = p.RemoveBackground(context.Background(), buildTestPNG(t, 16, 16))
	assert.ErrorIs(t, err, ErrInferenceFailure)
	assert.Contains(t, err.Error(), "model state corrupted")
}

func TestRemoveBackgroundCancelledContext(t *testing.T) {
	p, err := New(thresholdConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.RemoveBackground(ctx, buildTestPNG(t, 16, 16))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoveBackgroundReportsStages(t *testing.T) {
	var (
		mu     sync.Mutex
		stages []string
	)
	observer := func(stage string, _ time.Duration, _ error) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	}

	p, err := New(thresholdConfig(), nil, WithStageObserver(observer))
	require.NoError(t, err)
	_, err = p.RemoveBackground(context.Background(), buildTestPNG(t, 16, 16))
	require.NoError(t, err)

	assert.Equal(t, []string{"decode", "downscale", "segment", "encode"}, stages)
}

func TestRemoveBackgroundConcurrentCallsAreIndependent(t *testing.T) {
	p, err := New(thresholdConfig(), nil)
	require.NoError(t, err)

	inputs := [][]byte{buildTestPNG(t, 80, 60), buildTestJPEG(t, 120, 40), buildTestGIF(t, 30, 90)}
	want := make([][]byte, len(inputs))
	for i, in := range inputs {
		res, err := p.RemoveBackground(context.Background(), in)
		require.NoError(t, err)
		want[i] = res.PNG
	}

	var wg sync.WaitGroup
	for round := 0; round < 8; round++ {
		for i, in := range inputs {
			wg.Add(1)
			go func(i int, in []byte) {
				defer wg.Done()
				res, err := p.RemoveBackground(context.Background(), in)
				if assert.NoError(t, err) {
					assert.Equal(t, want[i], res.PNG)
				}
			}(i, in)
		}
	}
	wg.Wait()
}

func BenchmarkRemoveBackgroundThreshold(b *testing.B) {
	p, err := New(thresholdConfig(), nil)
	if err != nil {
		b.Fatalf("new pipeline: %v", err)
	}
	data := buildTestJPEG(b, 1600, 1200)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.RemoveBackground(context.Background(), data); err != nil {
			b.Fatalf("remove background: %v", err)
		}
	}
}
