package segment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Strategy string

const (
	StrategyModel     Strategy = "model"
	StrategyThreshold Strategy = "threshold"
)

// Rule selects how the threshold segmenter classifies a pixel as background.
type Rule string

const (
	RuleLuminance   Rule = "luminance"
	RuleGreenScreen Rule = "greenscreen"
)

const (
	ProfileStandard = "standard"
	ProfileLite     = "lite"
)

// Bound is the largest width and height the pipeline processes.
type Bound struct {
	Width  int
	Height int
}

func (b Bound) String() string {
	return fmt.Sprintf("%dx%d", b.Width, b.Height)
}

type ThresholdConfig struct {
	Rule Rule
	// Cutoff is the luminance above which a pixel counts as background.
	Cutoff uint8
	// GreenDelta is how far green must exceed red and blue for RuleGreenScreen.
	GreenDelta       uint8
	Refine           bool
	RefineIterations int
	RefineMargin     int
}

type ModelConfig struct {
	Name     string
	Path     string
	Endpoint string
	Provider string
	Eager    bool
	Timeout  time.Duration
}

type Config struct {
	MaxUploadBytes int64
	MaxPixels      int
	Bound          Bound
	Quality        int
	Strategy       Strategy
	Threshold      ThresholdConfig
	Model          ModelConfig
}

func DefaultConfig() Config {
	return Config{
		MaxUploadBytes: 10 << 20,
		MaxPixels:      40_000_000,
		Bound:          Bound{Width: 768, Height: 768},
		Quality:        85,
		Strategy:       StrategyModel,
		Threshold: ThresholdConfig{
			Rule:             RuleLuminance,
			Cutoff:           200,
			GreenDelta:       40,
			RefineIterations: 3,
			RefineMargin:     1,
		},
		Model: ModelConfig{
			Name:     "u2netp",
			Provider: "cpu",
			Timeout:  60 * time.Second,
		},
	}
}

// LiteConfig is tuned for small memory deployments.
func LiteConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxUploadBytes = 2 << 20
	cfg.MaxPixels = 16_000_000
	cfg.Bound = Bound{Width: 512, Height: 512}
	cfg.Quality = 70
	return cfg
}

// ProfileConfig returns the defaults for a named deployment profile.
func ProfileConfig(profile string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStandard:
		return DefaultConfig(), nil
	case ProfileLite:
		return LiteConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown pipeline profile: %s", profile)
	}
}

func (c Config) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}
	if c.Bound.Width <= 0 || c.Bound.Height <= 0 {
		return fmt.Errorf("invalid downscale bound %s", c.Bound)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("jpeg quality must be within 1..100, got %d", c.Quality)
	}
	switch c.Strategy {
	case StrategyModel, StrategyThreshold:
	default:
		return fmt.Errorf("unknown segmentation strategy: %q", c.Strategy)
	}
	switch c.Threshold.Rule {
	case RuleLuminance, RuleGreenScreen:
	default:
		return fmt.Errorf("unknown threshold rule: %q", c.Threshold.Rule)
	}
	if c.Threshold.Refine && c.Threshold.RefineIterations < 1 {
		return errors.New("refine iterations must be at least 1")
	}
	if c.Threshold.RefineMargin < 0 {
		return errors.New("refine margin must not be negative")
	}
	return nil
}

// Fingerprint identifies every setting that changes the pipeline output.
func (c Config) Fingerprint() string {
	return fmt.Sprintf(
		"v1|%s|q%d|%s|%s|%d|%d|%t|%d|%d|%s",
		c.Bound,
		c.Quality,
		c.Strategy,
		c.Threshold.Rule,
		c.Threshold.Cutoff,
		c.Threshold.GreenDelta,
		c.Threshold.Refine,
		c.Threshold.RefineIterations,
		c.Threshold.RefineMargin,
		c.Model.Name,
	)
}
