// Package markermap holds the static world positions of the fiducial
// markers. A map is built once at startup and never mutated.
package markermap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// MarkersPerPage is the number of markers printed on each layout page.
const MarkersPerPage = 8

var (
	// ErrDuplicateID is returned when two markers share an ID.
	ErrDuplicateID = errors.New("duplicate marker id")
	// ErrInvalidLayout is returned for layouts that cannot produce a map.
	ErrInvalidLayout = errors.New("invalid marker layout")
)

// Marker is a physical marker: its ID, the world position of its centre
// in metres and the length of its sides in metres.
type Marker struct {
	ID     uint32    `json:"id"`
	Center r3.Vector `json:"center"`
	Side   float64   `json:"side_m"`
}

// Corners expands the marker into its four world-space corners in detector
// order: top-left, top-right, bottom-right, bottom-left.
//
// Markers hang on vertical walls parallel to the world X-Z plane and face
// -Y, so a camera looking along +Y sees world +X to its right and +Z up.
func (m Marker) Corners() [4]r3.Vector {
	h := m.Side / 2
	c := m.Center
	return [4]r3.Vector{
		{X: c.X - h, Y: c.Y, Z: c.Z + h},
		{X: c.X + h, Y: c.Y, Z: c.Z + h},
		{X: c.X + h, Y: c.Y, Z: c.Z - h},
		{X: c.X - h, Y: c.Y, Z: c.Z - h},
	}
}

// Map is an immutable lookup from marker ID to Marker.
type Map struct {
	markers map[uint32]Marker
	ids     []uint32
}

// New builds a map from explicit markers.
func New(markers ...Marker) (*Map, error) {
	m := &Map{markers: make(map[uint32]Marker, len(markers))}
	for _, mk := range markers {
		if !(mk.Side > 0) {
			return nil, fmt.Errorf("%w: marker %d has side %v", ErrInvalidLayout, mk.ID, mk.Side)
		}
		if _, ok := m.markers[mk.ID]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, mk.ID)
		}
		m.markers[mk.ID] = mk
		m.ids = append(m.ids, mk.ID)
	}
	sort.Slice(m.ids, func(i, j int) bool { return m.ids[i] < m.ids[j] })
	return m, nil
}

// Lookup returns the marker with the given ID. Unknown IDs report false.
func (m *Map) Lookup(id uint32) (Marker, bool) {
	if m == nil {
		return Marker{}, false
	}
	mk, ok := m.markers[id]
	return mk, ok
}

// Corners returns the world-space corners of marker id.
func (m *Map) Corners(id uint32) ([4]r3.Vector, bool) {
	mk, ok := m.Lookup(id)
	if !ok {
		return [4]r3.Vector{}, false
	}
	return mk.Corners(), true
}

// Len returns the number of markers in the map.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}

// IDs returns all marker IDs in ascending order.
func (m *Map) IDs() []uint32 {
	if m == nil {
		return nil
	}
	out := make([]uint32, len(m.ids))
	copy(out, m.ids)
	return out
}

// Markers returns all markers ordered by ID.
func (m *Map) Markers() []Marker {
	out := make([]Marker, 0, m.Len())
	for _, id := range m.IDs() {
		out = append(out, m.markers[id])
	}
	return out
}

// Page places one printed sheet of markers in the world. Origin is the
// world position that slot offsets are measured from.
type Page struct {
	Origin r3.Vector `json:"origin"`
}

// Slot is the position of one marker on a page: Offset.X runs along the
// wall (world +X) and Offset.Y runs up the wall (world +Z). Corner slots
// carry the larger marker size.
type Slot struct {
	Offset r2.Point `json:"offset"`
	Corner bool     `json:"corner"`
}

// Layout describes how markers are printed and posted.
type Layout struct {
	FirstID    uint32               `json:"first_id"`
	CornerSide float64              `json:"corner_side_m"`
	InnerSide  float64              `json:"inner_side_m"`
	Slots      [MarkersPerPage]Slot `json:"slots"`
	Pages      []Page               `json:"pages"`
}

// Validate checks the layout can be built.
func (l Layout) Validate() error {
	if len(l.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalidLayout)
	}
	if !(l.InnerSide > 0) {
		return fmt.Errorf("%w: inner_side_m must be positive, got %v", ErrInvalidLayout, l.InnerSide)
	}
	if !(l.CornerSide > l.InnerSide) {
		return fmt.Errorf("%w: corner_side_m (%v) must exceed inner_side_m (%v)", ErrInvalidLayout, l.CornerSide, l.InnerSide)
	}
	return nil
}

// Build expands a layout into a map. Each page contributes MarkersPerPage
// markers with IDs FirstID + page*MarkersPerPage + slot.
func Build(l Layout) (*Map, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	markers := make([]Marker, 0, len(l.Pages)*MarkersPerPage)
	for p, page := range l.Pages {
		for s, slot := range l.Slots {
			side := l.InnerSide
			if slot.Corner {
				side = l.CornerSide
			}
			markers = append(markers, Marker{
				ID: l.FirstID + uint32(p*MarkersPerPage+s),
				Center: r3.Vector{
					X: page.Origin.X + slot.Offset.X,
					Y: page.Origin.Y,
					Z: page.Origin.Z + slot.Offset.Y,
				},
				Side: side,
			})
		}
	}
	return New(markers...)
}

// DefaultLayout is the printed layout used on the test course: A4 sheets of
// four 10 cm corner markers framing four 6 cm inner markers, three sheets
// spaced along the far wall.
func DefaultLayout() Layout {
	return Layout{
		FirstID:    0,
		CornerSide: 0.10,
		InnerSide:  0.06,
		Slots: [MarkersPerPage]Slot{
			{Offset: r2.Point{X: -0.08, Y: 0.12}, Corner: true},
			{Offset: r2.Point{X: 0.08, Y: 0.12}, Corner: true},
			{Offset: r2.Point{X: 0.08, Y: -0.12}, Corner: true},
			{Offset: r2.Point{X: -0.08, Y: -0.12}, Corner: true},
			{Offset: r2.Point{X: -0.04, Y: 0.04}},
			{Offset: r2.Point{X: 0.04, Y: 0.04}},
			{Offset: r2.Point{X: 0.04, Y: -0.04}},
			{Offset: r2.Point{X: -0.04, Y: -0.04}},
		},
		Pages: []Page{
			{Origin: r3.Vector{X: 0.9, Y: 2.0, Z: 0}},
			{Origin: r3.Vector{X: 1.8, Y: 2.0, Z: 0}},
			{Origin: r3.Vector{X: 2.7, Y: 2.0, Z: 0}},
		},
	}
}
