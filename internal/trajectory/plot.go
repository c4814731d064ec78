package trajectory

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/marker.locator/internal/fsutil"
	"github.com/banshee-data/marker.locator/internal/pose"
)

// PlotPath returns the PNG path written alongside a trajectory CSV.
func PlotPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, ".csv") + ".png"
}

// Plot renders the flushed trajectory to a PNG next to its CSV, through
// the logger's filesystem, and returns the PNG path.
func (l *Logger) Plot() (string, error) {
	csvPath, err := l.Flush()
	if err != nil {
		return "", err
	}
	if csvPath == "" {
		return "", errors.New("no trajectory written to plot")
	}
	path := PlotPath(csvPath)
	if err := RenderPlot(l.fs, l.Samples(), path); err != nil {
		return "", err
	}
	return path, nil
}

// RenderPlot draws the trajectory in map pixels to a PNG at path, which
// must not already exist. The map y axis grows downward, so the plot's y
// axis is inverted to match.
func RenderPlot(fsys fsutil.FileSystem, samples []pose.Sample, path string) error {
	if len(samples) == 0 {
		return errors.New("no samples to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%d samples)", len(samples))
	p.X.Label.Text = "Map x (px)"
	p.Y.Label.Text = "Map y (px)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: s.X, Y: -s.Y}
	}
	p.Y.Tick.Marker = flippedTicks{}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	ends, err := plotter.NewScatter(plotter.XYs{pts[0], pts[len(pts)-1]})
	if err != nil {
		return err
	}
	ends.GlyphStyle.Shape = draw.CircleGlyph{}
	ends.GlyphStyle.Radius = vg.Points(3)
	ends.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	p.Add(ends)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Legend.Add("path", line)
	p.Legend.Add("start/end", ends)

	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render trajectory plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return fmt.Errorf("render trajectory plot: %w", err)
	}
	if err := fsys.WriteFileExclusive(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

// flippedTicks labels negated y values with their original sign.
type flippedTicks struct{}

func (flippedTicks) Ticks(min, max float64) []plot.Tick {
	ticks := plot.DefaultTicks{}.Ticks(min, max)
	for i := range ticks {
		if ticks[i].Label != "" {
			ticks[i].Label = trimNegZero(fmt.Sprintf("%g", -ticks[i].Value))
		}
	}
	return ticks
}

func trimNegZero(s string) string {
	if s == "-0" {
		return "0"
	}
	return s
}
