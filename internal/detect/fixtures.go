package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/marker.locator/internal/framehistory"
)

// maxFixtureLine bounds a single JSON line in a fixtures file.
const maxFixtureLine = 1 << 20

// fixtureLine is one line of a fixtures file:
//
//	{"seq":1,"markers":[{"id":3,"corners":[[u,v],[u,v],[u,v],[u,v]]}]}
type fixtureLine struct {
	Seq     uint64          `json:"seq"`
	Markers []fixtureMarker `json:"markers"`
}

type fixtureMarker struct {
	ID      uint32        `json:"id"`
	Corners [4][2]float64 `json:"corners"`
}

// Fixtures replays recorded detections keyed by frame sequence number.
// Frames without an entry have no markers.
type Fixtures struct {
	frames map[uint64][]DetectedMarker
	seqs   []uint64
}

// LoadFixtures reads a JSON-lines fixtures file.
func LoadFixtures(path string) (*Fixtures, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures: %w", err)
	}
	defer f.Close()
	return ReadFixtures(f)
}

// ReadFixtures parses fixtures from r. Blank lines are skipped; a repeated
// sequence number is an error.
func ReadFixtures(r io.Reader) (*Fixtures, error) {
	fx := &Fixtures{frames: make(map[uint64][]DetectedMarker)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFixtureLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var fl fixtureLine
		if err := json.Unmarshal(line, &fl); err != nil {
			return nil, fmt.Errorf("fixtures line %d: %w", lineNo, err)
		}
		if _, dup := fx.frames[fl.Seq]; dup {
			return nil, fmt.Errorf("fixtures line %d: duplicate seq %d", lineNo, fl.Seq)
		}
		markers := make([]DetectedMarker, 0, len(fl.Markers))
		for _, m := range fl.Markers {
			dm := DetectedMarker{ID: m.ID}
			for i, c := range m.Corners {
				dm.Corners[i] = r2.Point{X: c[0], Y: c[1]}
			}
			markers = append(markers, dm)
		}
		fx.frames[fl.Seq] = markers
		fx.seqs = append(fx.seqs, fl.Seq)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	sort.Slice(fx.seqs, func(i, j int) bool { return fx.seqs[i] < fx.seqs[j] })
	return fx, nil
}

// WriteFixtures writes frames in the fixtures format, one line per entry in
// seqs order.
func WriteFixtures(w io.Writer, seqs []uint64, frames map[uint64][]DetectedMarker) error {
	enc := json.NewEncoder(w)
	for _, seq := range seqs {
		fl := fixtureLine{Seq: seq, Markers: make([]fixtureMarker, 0, len(frames[seq]))}
		for _, dm := range frames[seq] {
			fm := fixtureMarker{ID: dm.ID}
			for i, c := range dm.Corners {
				fm.Corners[i] = [2]float64{c.X, c.Y}
			}
			fl.Markers = append(fl.Markers, fm)
		}
		if err := enc.Encode(fl); err != nil {
			return fmt.Errorf("failed to write fixture %d: %w", seq, err)
		}
	}
	return nil
}

// Seqs returns the recorded sequence numbers in ascending order.
func (f *Fixtures) Seqs() []uint64 {
	out := make([]uint64, len(f.seqs))
	copy(out, f.seqs)
	return out
}

// Len returns the number of recorded frames.
func (f *Fixtures) Len() int { return len(f.seqs) }

// Detect returns the recorded markers for frame.Seq.
func (f *Fixtures) Detect(ctx context.Context, frame framehistory.Record) ([]DetectedMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.frames[frame.Seq], nil
}
