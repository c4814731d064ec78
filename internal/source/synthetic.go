package source

import (
	"context"
	"io"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/marker.locator/internal/camera"
	"github.com/banshee-data/marker.locator/internal/detect"
	"github.com/banshee-data/marker.locator/internal/framehistory"
	"github.com/banshee-data/marker.locator/internal/markermap"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/timeutil"
)

// Waypoint is a camera placement on a scripted path: optical centre in
// world metres and map heading in degrees.
type Waypoint struct {
	Center  r3.Vector
	Heading float64
	// Hidden suppresses every detection for this frame.
	Hidden bool
}

// SyntheticConfig describes a synthetic run.
type SyntheticConfig struct {
	Map        *markermap.Map
	Intrinsics camera.Intrinsics
	Path       []Waypoint
	// Width and Height bound the visible image; zero disables the bound.
	Width, Height int
	Interval      time.Duration
	Clock         timeutil.Clock
}

// Synthetic is both a Source and a detect.Detector: it yields one frame per
// waypoint and reports the markers a level camera at that waypoint would
// see, projected through the intrinsics.
type Synthetic struct {
	cfg  SyntheticConfig
	next int
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Synthetic{cfg: cfg}
}

// Next yields the frame for the next waypoint. Sequence numbers start at 1.
func (s *Synthetic) Next(ctx context.Context) (framehistory.Record, error) {
	if s.next >= len(s.cfg.Path) {
		return framehistory.Record{}, io.EOF
	}
	if err := wait(ctx, s.cfg.Interval); err != nil {
		return framehistory.Record{}, err
	}
	s.next++
	return framehistory.Record{
		Seq:      uint64(s.next),
		Captured: s.cfg.Clock.Now(),
		Width:    s.cfg.Width,
		Height:   s.cfg.Height,
	}, nil
}

// Close is a no-op.
func (s *Synthetic) Close() error { return nil }

// Detect reports the markers visible from the waypoint of frame.Seq.
func (s *Synthetic) Detect(ctx context.Context, frame framehistory.Record) ([]detect.DetectedMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Seq < 1 || int(frame.Seq) > len(s.cfg.Path) {
		return nil, nil
	}
	wp := s.cfg.Path[frame.Seq-1]
	if wp.Hidden {
		return nil, nil
	}
	return Observe(s.cfg.Map, s.cfg.Intrinsics, wp.Center, wp.Heading, s.cfg.Width, s.cfg.Height), nil
}

// Observe projects every marker in m that a level camera at center looking
// along heading would see in full. Markers seen from behind, or with a
// corner outside a non-zero width×height image, are omitted.
func Observe(m *markermap.Map, in camera.Intrinsics, center r3.Vector, heading float64, width, height int) []detect.DetectedMarker {
	r, t := pose.LookAlong(center, heading)

	var out []detect.DetectedMarker
	for _, mk := range m.Markers() {
		// markers face -Y and are printed on one side only
		if center.Y >= mk.Center.Y {
			continue
		}
		dm := detect.DetectedMarker{ID: mk.ID}
		visible := true
		for i, c := range mk.Corners() {
			px, ok := in.Project(r.Apply(c).Add(t))
			if !ok || (width > 0 && (px.X < 0 || px.X >= float64(width))) ||
				(height > 0 && (px.Y < 0 || px.Y >= float64(height))) {
				visible = false
				break
			}
			dm.Corners[i] = px
		}
		if visible {
			out = append(out, dm)
		}
	}
	return out
}
