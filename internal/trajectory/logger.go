// Package trajectory accumulates projected pose samples during a run and
// persists them once, at shutdown, to a numbered CSV file.
package trajectory

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/banshee-data/marker.locator/internal/fsutil"
	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
)

// DefaultDir is the directory trajectory files are written to.
const DefaultDir = "output"

// maxFileIndex bounds the probe for an unused output<N>.csv name.
const maxFileIndex = 100000

var header = []string{"x", "y", "yaw"}

// Logger is an append-only buffer of samples. Flush writes it exactly once.
type Logger struct {
	fs  fsutil.FileSystem
	dir string

	mu      sync.Mutex
	samples []pose.Sample
	flushed bool

	once sync.Once
	path string
	err  error
}

// NewLogger creates a logger writing into dir. A nil filesystem uses the
// OS filesystem; an empty dir uses DefaultDir.
func NewLogger(fsys fsutil.FileSystem, dir string) *Logger {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if dir == "" {
		dir = DefaultDir
	}
	return &Logger{fs: fsys, dir: dir}
}

// Record appends a sample. Samples recorded after Flush are discarded.
func (l *Logger) Record(s pose.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flushed {
		monitoring.Debugf("trajectory: sample after flush discarded")
		return
	}
	l.samples = append(l.samples, s)
}

// Len returns the number of recorded samples.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}

// Samples returns a copy of the recorded samples in insertion order.
func (l *Logger) Samples() []pose.Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pose.Sample, len(l.samples))
	copy(out, l.samples)
	return out
}

// Flush writes every recorded sample to the first unused
// <dir>/output<N>.csv in a single write and returns its path. With no
// samples nothing is written and the path is empty. Only the first call
// does any work; later calls return its result.
func (l *Logger) Flush() (string, error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.flushed = true
		samples := l.samples
		l.mu.Unlock()

		l.path, l.err = l.write(samples)
	})
	return l.path, l.err
}

func (l *Logger) write(samples []pose.Sample) (string, error) {
	if len(samples) == 0 {
		monitoring.Logf("No trajectory samples recorded; nothing to write")
		return "", nil
	}

	data, err := Encode(samples)
	if err != nil {
		return "", err
	}

	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create trajectory directory %s: %w", l.dir, err)
	}

	for n := 1; n <= maxFileIndex; n++ {
		path := filepath.Join(l.dir, "output"+strconv.Itoa(n)+".csv")
		if l.fs.Exists(path) {
			continue
		}
		err := l.fs.WriteFileExclusive(path, data, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to write trajectory %s: %w", path, err)
		}
		monitoring.Logf("Wrote %d trajectory samples to %s", len(samples), path)
		return path, nil
	}
	return "", fmt.Errorf("no unused trajectory file name in %s", l.dir)
}

// Encode renders samples as CSV with an x,y,yaw header. Values are written
// with the shortest representation that parses back to the same float.
func Encode(samples []pose.Sample) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	row := make([]string, 3)
	for _, s := range samples {
		row[0] = strconv.FormatFloat(s.X, 'f', -1, 64)
		row[1] = strconv.FormatFloat(s.Y, 'f', -1, 64)
		row[2] = strconv.FormatFloat(s.Yaw, 'f', -1, 64)
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to encode trajectory: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadCSV parses a file written by Flush.
func ReadCSV(r io.Reader) ([]pose.Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read trajectory header: %w", err)
	}
	for i, h := range header {
		if head[i] != h {
			return nil, fmt.Errorf("unexpected trajectory header %v", head)
		}
	}

	var samples []pose.Sample
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read trajectory row: %w", err)
		}
		var v [3]float64
		for i, field := range rec {
			if v[i], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("trajectory row %d: %w", len(samples)+1, err)
			}
		}
		samples = append(samples, pose.Sample{X: v[0], Y: v[1], Yaw: v[2]})
	}
	return samples, nil
}
