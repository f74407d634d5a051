package segment

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindUnsupportedFormat
	KindPayloadTooLarge
	KindModelUnavailable
	KindInferenceFailure
	KindEncodingFailure
	KindResourceExhausted
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrModelUnavailable  = errors.New("segmentation model unavailable")
	ErrInferenceFailure  = errors.New("segmentation inference failed")
	ErrEncodingFailure   = errors.New("image encoding failed")
	ErrResourceExhausted = errors.New("resource exhausted")
)

var kindSentinels = map[Kind]error{
	KindInvalidInput:      ErrInvalidInput,
	KindUnsupportedFormat: ErrUnsupportedFormat,
	KindPayloadTooLarge:   ErrPayloadTooLarge,
	KindModelUnavailable:  ErrModelUnavailable,
	KindInferenceFailure:  ErrInferenceFailure,
	KindEncodingFailure:   ErrEncodingFailure,
	KindResourceExhausted: ErrResourceExhausted,
}

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindInferenceFailure:
		return "inference_failure"
	case KindEncodingFailure:
		return "encoding_failure"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Retryable reports whether running the same input again could succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindModelUnavailable, KindInferenceFailure, KindResourceExhausted:
		return true
	default:
		return false
	}
}

// Error is the structured failure returned by the pipeline boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
