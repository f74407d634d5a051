package domain

import (
	"testing"
	"time"
)

func TestRemovalDerivedFigures(t *testing.T) {
	r := Removal{Width: 640, Height: 480, SourceBytes: 5000, OutputBytes: 1200, ComputeTime: 1500 * time.Microsecond}
	if got := r.Pixels(); got != 640*480 {
		t.Fatalf("pixels = %d", got)
	}
	if got := r.BytesSaved(); got != 3800 {
		t.Fatalf("bytes saved = %d", got)
	}
	if got := r.ComputeMillis(); got != 1 {
		t.Fatalf("compute millis = %d", got)
	}

	grown := Removal{SourceBytes: 100, OutputBytes: 400}
	if got := grown.BytesSaved(); got != 0 {
		t.Fatalf("expected no savings when the output grew, got %d", got)
	}
	if got := grown.ComputeMillis(); got != 1 {
		t.Fatalf("expected a one millisecond floor, got %d", got)
	}
}
