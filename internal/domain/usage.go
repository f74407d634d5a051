package domain

import "time"

// Removal is the accounting record written after every successful cut-out.
type Removal struct {
	UserID      string
	JobID       string
	Strategy    string
	Fallback    bool
	Width       int
	Height      int
	SourceBytes int64
	OutputBytes int64
	ComputeTime time.Duration
	CreatedAt   time.Time
}

func (r Removal) Pixels() int64 {
	return int64(r.Width) * int64(r.Height)
}

// BytesSaved is zero when the PNG outgrew the upload.
func (r Removal) BytesSaved() int64 {
	return max(r.SourceBytes-r.OutputBytes, 0)
}

// ComputeMillis bills at least one millisecond per removal.
func (r Removal) ComputeMillis() int64 {
	return max(r.ComputeTime.Milliseconds(), 1)
}
