package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/trackbridge/internal/route"
	"github.com/banshee-data/trackbridge/internal/security"
)

// RenderRouteChart writes an HTML bar chart of lane lengths in route order,
// with the running length as a line overlay.
func RenderRouteChart(w io.Writer, rt *route.Route, sessionID string) error {
	segs := rt.Segments()
	cum := rt.Cumulative()
	x := make([]string, len(segs))
	lengths := make([]opts.BarData, len(segs))
	running := make([]opts.LineData, len(segs))
	for i, s := range segs {
		x[i] = s.ID
		lengths[i] = opts.BarData{Value: s.Length}
		running[i] = opts.LineData{Value: cum[i]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Route", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Route lanes",
			Subtitle: fmt.Sprintf("session=%s lanes=%d length=%.2f m", sessionID, rt.Len(), rt.TotalLength()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m"}),
	)
	bar.SetXAxis(x).AddSeries("lane length", lengths)

	line := charts.NewLine()
	line.SetXAxis(x).AddSeries("cumulative", running)
	bar.Overlap(line)

	return bar.Render(w)
}

// RenderRoutePlot draws the cumulative route length against lane position
// and writes it in the given image format (png, svg, pdf).
func RenderRoutePlot(w io.Writer, rt *route.Route, format string) error {
	p, err := routePlot(rt)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("route plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteRoutePlot saves the route plot to path; the extension selects the
// image format.
func WriteRoutePlot(rt *route.Route, path string) error {
	p, err := routePlot(rt)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save route plot %s: %w", path, err)
	}
	return nil
}

// RoutePlotPath resolves where the route plot is written. A directory target
// gets a file named after the vehicle. The result must lie inside the working
// directory or the temp directory.
func RoutePlotPath(target, vehicle string) (string, error) {
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		target = filepath.Join(target, security.SanitizeFilename(vehicle)+"-route.png")
	}
	if err := security.ValidateOutputPath(target); err != nil {
		return "", err
	}
	return target, nil
}

func routePlot(rt *route.Route) (*plot.Plot, error) {
	cum := rt.Cumulative()
	pts := make(plotter.XYs, 0, len(cum)+1)
	pts = append(pts, plotter.XY{X: 0, Y: 0})
	for i, c := range cum {
		pts = append(pts, plotter.XY{X: float64(i + 1), Y: c})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Route: %d lanes, %.2f m", rt.Len(), rt.TotalLength())
	p.X.Label.Text = "Lane"
	p.Y.Label.Text = "Cumulative length (m)"
	p.Add(plotter.NewGrid())

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("route plot: %w", err)
	}
	line.Width = vg.Points(1)
	points.Radius = vg.Points(2)
	p.Add(line, points)
	return p, nil
}
