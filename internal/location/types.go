package location

import (
	"fmt"
	"time"
)

// Sample is one position reading. Optional fields are nil when the device did
// not report them; zero is a valid heading and speed.
type Sample struct {
	Latitude  float64
	Longitude float64
	Heading   *float64 // degrees clockwise from true north
	Speed     *float64 // meters per second
	Accuracy  *float64 // horizontal, meters
	Timestamp time.Time
}

// Options tunes a watch.
type Options struct {
	// HighAccuracy prefers precision over power savings.
	HighAccuracy bool
	// Timeout is the longest wait for a fix before a Timeout error is reported.
	Timeout time.Duration
	// MaximumAge allows a cached fix no older than this to be delivered
	// instead of waiting for a fresh one.
	MaximumAge time.Duration
}

// DefaultOptions mirrors what the dashboard has always requested.
func DefaultOptions() Options {
	return Options{
		HighAccuracy: true,
		Timeout:      10 * time.Second,
		MaximumAge:   3 * time.Second,
	}
}

type ErrorCode int

const (
	Unsupported         ErrorCode = 0
	PermissionDenied    ErrorCode = 1
	PositionUnavailable ErrorCode = 2
	Timeout             ErrorCode = 3
)

func (c ErrorCode) String() string {
	switch c {
	case Unsupported:
		return "unsupported"
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// FixError is a per-sample failure. A watch may report many of them over its
// lifetime and keep producing samples afterwards.
type FixError struct {
	Code    ErrorCode
	Message string
}

func (e *FixError) Error() string {
	return fmt.Sprintf("location %s: %s", e.Code, e.Message)
}

// Handle identifies a watch. The zero Handle never refers to a live watch.
type Handle uint64

// Source is a continuous position capability.
type Source interface {
	// Supported reports whether the capability exists at all.
	Supported() bool
	// Watch starts a background subscription. Callbacks run on a goroutine
	// owned by the source.
	Watch(onSample func(Sample), onError func(*FixError), opts Options) Handle
	// Cancel stops a subscription. Unknown or already canceled handles are
	// ignored. A delivery already underway may still reach a callback after
	// Cancel returns.
	Cancel(h Handle)
}

func floatPtr(v float64) *float64 {
	return &v
}
