package pose

// Sample is a pose in map pixels: x scaled, y scaled and flipped so it
// grows downward, yaw unchanged in degrees.
type Sample struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// Projection is the linear world-metres to map-pixels transform.
type Projection struct {
	ScalePxPerM float64 `json:"scale_px_per_m"`
	OriginXPx   float64 `json:"origin_x_px"`
	OriginYPx   float64 `json:"origin_y_px"`
}

// DefaultProjection maps one metre to 100 pixels with the world origin at
// the bottom-left of a 600 pixel tall map.
func DefaultProjection() Projection {
	return Projection{ScalePxPerM: 100, OriginXPx: 0, OriginYPx: 600}
}

// Sample projects p into map pixels.
func (pr Projection) Sample(p Pose) Sample {
	return Sample{
		X:   pr.OriginXPx + p.X*pr.ScalePxPerM,
		Y:   pr.OriginYPx - p.Y*pr.ScalePxPerM,
		Yaw: p.Yaw,
	}
}

// Pose inverts Sample.
func (pr Projection) Pose(s Sample) Pose {
	return Pose{
		X:   (s.X - pr.OriginXPx) / pr.ScalePxPerM,
		Y:   (pr.OriginYPx - s.Y) / pr.ScalePxPerM,
		Yaw: s.Yaw,
	}
}
