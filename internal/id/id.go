package id

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// New returns a job identifier. KSUIDs sort by creation time, which keeps job
// listings and object prefixes in order.
func New() string {
	return ksuid.New().String()
}

// NewRequest returns an identifier for a single HTTP request.
func NewRequest() string {
	return uuid.NewString()
}
