// Package detect defines the boundary to the external marker-corner
// detector. The engine never segments images itself; it consumes the
// corner polygons and IDs a Detector returns.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/marker.locator/internal/framehistory"
)

// ErrUnavailable is returned when no detector capability can be opened.
var ErrUnavailable = errors.New("marker detector unavailable")

// DetectedMarker is one marker found in a frame. Corners are in pixels, in
// detector order: top-left, top-right, bottom-right, bottom-left.
type DetectedMarker struct {
	ID      uint32      `json:"id"`
	Corners [4]r2.Point `json:"corners"`
}

// Detector finds markers in a frame.
type Detector interface {
	Detect(ctx context.Context, frame framehistory.Record) ([]DetectedMarker, error)
}

// Unavailable is the degraded detector used when the real capability
// cannot be initialised: every frame has no markers.
type Unavailable struct{}

// Detect always reports no markers.
func (Unavailable) Detect(context.Context, framehistory.Record) ([]DetectedMarker, error) {
	return nil, nil
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, frame framehistory.Record) ([]DetectedMarker, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame framehistory.Record) ([]DetectedMarker, error) {
	return f(ctx, frame)
}

// Open returns the detector for kind. The only built-in kind is "fixtures",
// which replays recorded detections from path; any other kind reports
// ErrUnavailable so callers can fall back to Unavailable.
func Open(kind, path string) (Detector, error) {
	switch kind {
	case "fixtures":
		f, err := LoadFixtures(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return f, nil
	case "":
		return nil, fmt.Errorf("%w: no detector configured", ErrUnavailable)
	default:
		return nil, fmt.Errorf("%w: unknown detector %q", ErrUnavailable, kind)
	}
}

// OpenOrDegrade opens kind and falls back to Unavailable on failure. The
// returned error is the open failure, for logging once at startup.
func OpenOrDegrade(kind, path string) (Detector, error) {
	d, err := Open(kind, path)
	if err != nil {
		return Unavailable{}, err
	}
	return d, nil
}
