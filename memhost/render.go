package memhost

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/machinefabric/gisgate-go/wire"
)

const (
	DefaultWidth  = 800
	DefaultHeight = 600
	MaxDimension  = 8192
)

// renderMap draws the selected layers as SVG into output_path.
func (h *Host) renderMap(ctx context.Context, p wire.Params) (any, error) {
	path, _ := p.String("output_path")
	width := p.IntOr("width", DefaultWidth)
	height := p.IntOr("height", DefaultHeight)
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("width and height must be within 1..%d", MaxDimension)
	}

	layers := h.layers
	if ids, ok := p["layer_ids"].([]any); ok && len(ids) > 0 {
		layers = nil
		for _, v := range ids {
			id, _ := v.(string)
			l, ok := h.byID[id]
			if !ok {
				return nil, fmt.Errorf("unknown layer in layer_ids")
			}
			layers = append(layers, l)
		}
	}

	ext := emptyExtent()
	if m, ok := p.Map("extent"); ok {
		e, err := extentParam(m)
		if err != nil {
			return nil, err
		}
		ext = e
	} else {
		for _, l := range layers {
			ext.union(l.Extent())
		}
	}
	if ext.Empty() {
		ext = Extent{XMin: -180, YMin: -90, XMax: 180, YMax: 90}
	}

	f, err := createOutput(path)
	if err != nil {
		return nil, fmt.Errorf("create map output: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	pr := projector{ext: ext, w: float64(width), h: float64(height)}
	fmt.Fprintf(w, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n", width, height, width, height)
	drawn := 0
	for _, l := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Fprintf(w, "<g id=%q>\n", l.ID)
		for _, feat := range l.Features {
			if feat.Geometry == nil || !feat.Geometry.Extent().Intersects(ext) {
				continue
			}
			pr.draw(w, feat.Geometry)
			drawn++
		}
		fmt.Fprintln(w, "</g>")
	}
	fmt.Fprintln(w, "</svg>")
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("write map output: %w", err)
	}
	return map[string]any{
		"file":           filepath.Base(path),
		"format":         "svg",
		"width":          width,
		"height":         height,
		"features_drawn": drawn,
		"extent":         ext.Map(),
	}, nil
}

type projector struct {
	ext  Extent
	w, h float64
}

func (pr projector) xy(x, y float64) (float64, float64) {
	dx := pr.ext.XMax - pr.ext.XMin
	dy := pr.ext.YMax - pr.ext.YMin
	if dx == 0 {
		dx = 1
	}
	if dy == 0 {
		dy = 1
	}
	return (x - pr.ext.XMin) / dx * pr.w, pr.h - (y-pr.ext.YMin)/dy*pr.h
}

func (pr projector) draw(w *bufio.Writer, g *Geometry) {
	switch g.Type {
	case "Point", "MultiPoint":
		walkPositions(g.Coordinates, func(x, y float64) {
			px, py := pr.xy(x, y)
			fmt.Fprintf(w, `<circle cx="%.2f" cy="%.2f" r="3"/>`+"\n", px, py)
		})
	default:
		for _, line := range lines(g.Coordinates) {
			fmt.Fprint(w, `<polyline fill="none" stroke="black" points="`)
			for i, pt := range line {
				px, py := pr.xy(pt[0], pt[1])
				if i > 0 {
					w.WriteByte(' ')
				}
				fmt.Fprintf(w, "%.2f,%.2f", px, py)
			}
			fmt.Fprintln(w, `"/>`)
		}
	}
}

// lines flattens any nesting of coordinate arrays into position runs.
func lines(v any) [][][2]float64 {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	if first, ok := arr[0].([]any); ok && len(first) > 0 {
		if _, isPos := first[0].(float64); isPos {
			var run [][2]float64
			for _, e := range arr {
				if pos, ok := e.([]any); ok && len(pos) >= 2 {
					x, _ := pos[0].(float64)
					y, _ := pos[1].(float64)
					run = append(run, [2]float64{x, y})
				}
			}
			return [][][2]float64{run}
		}
	}
	var out [][][2]float64
	for _, e := range arr {
		out = append(out, lines(e)...)
	}
	return out
}

// simplify drops vertices closer than tolerance to the last kept vertex.
// Points and non-positive tolerances are returned unchanged.
func simplify(g *Geometry, tolerance float64) *Geometry {
	if tolerance <= 0 || g.Type == "Point" || g.Type == "MultiPoint" {
		return g
	}
	return &Geometry{Type: g.Type, Coordinates: simplifyCoords(g.Coordinates, tolerance)}
}

func simplifyCoords(v any, tol float64) any {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return v
	}
	first, ok := arr[0].([]any)
	if !ok || len(first) == 0 {
		return v
	}
	if _, isPos := first[0].(float64); !isPos {
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = simplifyCoords(e, tol)
		}
		return out
	}

	if len(arr) <= 2 {
		return arr
	}
	out := []any{arr[0]}
	lastX, lastY := pos(arr[0])
	for _, e := range arr[1 : len(arr)-1] {
		x, y := pos(e)
		if math.Hypot(x-lastX, y-lastY) >= tol {
			out = append(out, e)
			lastX, lastY = x, y
		}
	}
	return append(out, arr[len(arr)-1])
}

func pos(v any) (float64, float64) {
	p, _ := v.([]any)
	if len(p) < 2 {
		return 0, 0
	}
	x, _ := p[0].(float64)
	y, _ := p[1].(float64)
	return x, y
}
