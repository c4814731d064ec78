package markermap

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestBuild_DefaultLayout(t *testing.T) {
	m, err := Build(DefaultLayout())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, want := m.Len(), 3*MarkersPerPage; got != want {
		t.Fatalf("Len = %d, want %d", got, want)
	}

	ids := m.IDs()
	for i, id := range ids {
		if id != uint32(i) {
			t.Fatalf("IDs()[%d] = %d, want contiguous ids from 0", i, id)
		}
	}

	// page 1, slot 0 is the top-left corner marker of the middle sheet
	mk, ok := m.Lookup(8)
	if !ok {
		t.Fatal("marker 8 not found")
	}
	want := r3.Vector{X: 1.8 - 0.08, Y: 2.0, Z: 0.12}
	if mk.Center.Sub(want).Norm() > 1e-12 {
		t.Errorf("marker 8 centre = %v, want %v", mk.Center, want)
	}
	if mk.Side != 0.10 {
		t.Errorf("corner marker side = %v, want 0.10", mk.Side)
	}

	inner, _ := m.Lookup(12)
	if inner.Side != 0.06 {
		t.Errorf("inner marker side = %v, want 0.06", inner.Side)
	}
}

func TestBuild_FirstIDOffset(t *testing.T) {
	l := DefaultLayout()
	l.FirstID = 100
	l.Pages = l.Pages[:1]

	m, err := Build(l)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := m.Lookup(0); ok {
		t.Error("id 0 should not exist when FirstID=100")
	}
	if _, ok := m.Lookup(107); !ok {
		t.Error("id 107 missing")
	}
	if _, ok := m.Lookup(108); ok {
		t.Error("id 108 should not exist with one page")
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Layout)
	}{
		{"no pages", func(l *Layout) { l.Pages = nil }},
		{"zero inner", func(l *Layout) { l.InnerSide = 0 }},
		{"corner not larger", func(l *Layout) { l.CornerSide = l.InnerSide }},
		{"NaN corner", func(l *Layout) { l.CornerSide = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLayout()
			tt.mutate(&l)
			if _, err := Build(l); !errors.Is(err, ErrInvalidLayout) {
				t.Errorf("Build err = %v, want ErrInvalidLayout", err)
			}
		})
	}
}

func TestNew_DuplicateID(t *testing.T) {
	_, err := New(
		Marker{ID: 3, Center: r3.Vector{X: 1}, Side: 0.1},
		Marker{ID: 3, Center: r3.Vector{X: 2}, Side: 0.1},
	)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestLookup_UnknownAndNil(t *testing.T) {
	m, err := New(Marker{ID: 3, Center: r3.Vector{X: 1.8, Y: 1.0}, Side: 0.1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := m.Lookup(4); ok {
		t.Error("unknown id reported present")
	}

	var nilMap *Map
	if _, ok := nilMap.Lookup(3); ok {
		t.Error("nil map reported a marker")
	}
	if nilMap.Len() != 0 || nilMap.IDs() != nil {
		t.Error("nil map should be empty")
	}
}

func TestMarkerCorners(t *testing.T) {
	mk := Marker{ID: 3, Center: r3.Vector{X: 1.8, Y: 1.0, Z: 0}, Side: 0.2}
	c := mk.Corners()

	want := [4]r3.Vector{
		{X: 1.7, Y: 1.0, Z: 0.1},
		{X: 1.9, Y: 1.0, Z: 0.1},
		{X: 1.9, Y: 1.0, Z: -0.1},
		{X: 1.7, Y: 1.0, Z: -0.1},
	}
	for i := range c {
		if c[i].Sub(want[i]).Norm() > 1e-12 {
			t.Errorf("corner %d = %v, want %v", i, c[i], want[i])
		}
	}

	// all corners share the wall plane and the square keeps its side length
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		if d := c[i].Sub(c[j]).Norm(); math.Abs(d-0.2) > 1e-12 {
			t.Errorf("edge %d-%d length = %v, want 0.2", i, j, d)
		}
		if c[i].Y != mk.Center.Y {
			t.Errorf("corner %d left the wall plane", i)
		}
	}
}

func TestMarkers_OrderedByID(t *testing.T) {
	m, err := New(
		Marker{ID: 9, Center: r3.Vector{X: 1}, Side: 0.1},
		Marker{ID: 2, Center: r3.Vector{X: 2}, Side: 0.1},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := m.Markers()
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 9 {
		t.Errorf("Markers() = %+v", got)
	}
}
