// Package chart renders a step test as two stacked panels sharing the time
// axis: temperatures above, heater duty below.
package chart

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/templab/steptest/datalog"
)

const (
	// Width and Height are the size of the figure
	Width  = 10 * vg.Inch
	Height = 7 * vg.Inch
)

var (
	red  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	blue = color.RGBA{R: 31, G: 119, B: 180, A: 255}
)

func xys(x, y []float64) plotter.XYs {
	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i].X = x[i]
		pts[i].Y = y[i]
	}
	return pts
}

// emptyRange gives a plot without data finite axes
func emptyRange(p *plot.Plot) {
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
}

func temperaturePanel(rec *datalog.Record) (*plot.Plot, error) {
	p := plot.New()
	p.Y.Label.Text = "Temperatura (°C)"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	if rec.Len() == 0 {
		emptyRange(p)
		return p, nil
	}

	l1, s1, err := plotter.NewLinePoints(xys(rec.Time(), rec.T1()))
	if err != nil {
		return nil, fmt.Errorf("chart: T1: %w", err)
	}
	l1.Color, s1.Color = red, red
	s1.Shape = draw.CircleGlyph{}

	l2, s2, err := plotter.NewLinePoints(xys(rec.Time(), rec.T2()))
	if err != nil {
		return nil, fmt.Errorf("chart: T2: %w", err)
	}
	l2.Color, s2.Color = blue, blue
	s2.Shape = draw.CrossGlyph{}

	p.Add(l1, s1, l2, s2)
	p.Legend.Add("T1", l1, s1)
	p.Legend.Add("T2", l2, s2)
	return p, nil
}

func heaterPanel(rec *datalog.Record) (*plot.Plot, error) {
	p := plot.New()
	p.Y.Label.Text = "Calentadores (%)"
	p.X.Label.Text = "Tiempo (s)"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	if rec.Len() == 0 {
		emptyRange(p)
		return p, nil
	}

	l1, err := plotter.NewLine(xys(rec.Time(), rec.Q1()))
	if err != nil {
		return nil, fmt.Errorf("chart: Q1: %w", err)
	}
	l1.Color = red

	l2, err := plotter.NewLine(xys(rec.Time(), rec.Q2()))
	if err != nil {
		return nil, fmt.Errorf("chart: Q2: %w", err)
	}
	l2.Color = blue
	l2.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}

	p.Add(l1, l2)
	p.Legend.Add("Q1", l1)
	p.Legend.Add("Q2", l2)
	return p, nil
}

// Draw renders both panels of rec onto c
func Draw(c draw.Canvas, rec *datalog.Record) error {
	top, err := temperaturePanel(rec)
	if err != nil {
		return err
	}
	bottom, err := heaterPanel(rec)
	if err != nil {
		return err
	}
	// share the time axis
	bottom.X.Min, bottom.X.Max = top.X.Min, top.X.Max

	plots := [][]*plot.Plot{{top}, {bottom}}
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 4,
	}
	canvases := plot.Align(plots, tiles, c)
	top.Draw(canvases[0][0])
	bottom.Draw(canvases[1][0])
	return nil
}

// WritePNG encodes a raster snapshot of rec as PNG to w
func WritePNG(w io.Writer, rec *datalog.Record) error {
	img := vgimg.New(Width, Height)
	dc := draw.New(img)
	if err := Draw(dc, rec); err != nil {
		return err
	}
	png := vgimg.PngCanvas{Canvas: img}
	_, err := png.WriteTo(w)
	return err
}

// Save writes a PNG snapshot of rec to path.  The file is written beside its
// destination and renamed into place, so a viewer never reads half an image.
func Save(path string, rec *datalog.Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := WritePNG(bw, rec); err != nil {
		tmp.Close()
		return fmt.Errorf("chart: %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
