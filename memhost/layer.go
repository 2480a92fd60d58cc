package memhost

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Field describes one attribute column.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Geometry is a GeoJSON geometry. Coordinates keep their decoded shape.
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// Feature is a single vector feature.
type Feature struct {
	ID         int64          `json:"id"`
	Attributes map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

// Extent is an axis-aligned bounding box.
type Extent struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

func emptyExtent() Extent {
	return Extent{XMin: math.Inf(1), YMin: math.Inf(1), XMax: math.Inf(-1), YMax: math.Inf(-1)}
}

// Empty reports whether no point was ever added.
func (e Extent) Empty() bool {
	return e.XMin > e.XMax || e.YMin > e.YMax
}

func (e *Extent) add(x, y float64) {
	e.XMin = math.Min(e.XMin, x)
	e.YMin = math.Min(e.YMin, y)
	e.XMax = math.Max(e.XMax, x)
	e.YMax = math.Max(e.YMax, y)
}

func (e *Extent) union(o Extent) {
	if o.Empty() {
		return
	}
	e.add(o.XMin, o.YMin)
	e.add(o.XMax, o.YMax)
}

// Intersects reports whether the two boxes overlap (touching counts).
func (e Extent) Intersects(o Extent) bool {
	return !e.Empty() && !o.Empty() &&
		e.XMin <= o.XMax && o.XMin <= e.XMax &&
		e.YMin <= o.YMax && o.YMin <= e.YMax
}

func (e Extent) Map() map[string]any {
	if e.Empty() {
		return nil
	}
	return map[string]any{"xmin": e.XMin, "ymin": e.YMin, "xmax": e.XMax, "ymax": e.YMax}
}

// Layer is a vector layer held in memory.
type Layer struct {
	ID       string
	Name     string
	CRS      string
	Fields   []Field
	Features []Feature
}

// Extent is the union of all feature extents.
func (l *Layer) Extent() Extent {
	ext := emptyExtent()
	for _, f := range l.Features {
		ext.union(f.Geometry.Extent())
	}
	return ext
}

func (l *Layer) summary() map[string]any {
	return map[string]any{
		"id":            l.ID,
		"name":          l.Name,
		"type":          "vector",
		"feature_count": len(l.Features),
	}
}

func (l *Layer) info() map[string]any {
	fields := make([]any, len(l.Fields))
	for i, f := range l.Fields {
		fields[i] = map[string]any{"name": f.Name, "type": f.Type}
	}
	info := l.summary()
	info["crs"] = l.CRS
	info["fields"] = fields
	if ext := l.Extent(); !ext.Empty() {
		info["extent"] = ext.Map()
	}
	return info
}

// clone deep-copies the coordinate tree.
func (g *Geometry) clone() *Geometry {
	return &Geometry{Type: g.Type, Coordinates: cloneCoords(g.Coordinates)}
}

func cloneCoords(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, len(arr))
	for i, e := range arr {
		out[i] = cloneCoords(e)
	}
	return out
}

// Extent walks the coordinate tree of any geometry type.
func (g *Geometry) Extent() Extent {
	ext := emptyExtent()
	if g == nil {
		return ext
	}
	walkPositions(g.Coordinates, func(x, y float64) { ext.add(x, y) })
	return ext
}

func walkPositions(v any, fn func(x, y float64)) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return
	}
	if x, ok := arr[0].(float64); ok {
		if len(arr) >= 2 {
			if y, ok := arr[1].(float64); ok {
				fn(x, y)
			}
		}
		return
	}
	for _, e := range arr {
		walkPositions(e, fn)
	}
}

type featureCollection struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Features []struct {
		ID         any            `json:"id"`
		Properties map[string]any `json:"properties"`
		Geometry   *Geometry      `json:"geometry"`
	} `json:"features"`
}

// ReadGeoJSON loads a FeatureCollection file into a layer without an ID.
func ReadGeoJSON(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer source: %w", err)
	}
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode layer source: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("layer source is a %q, want FeatureCollection", fc.Type)
	}

	layer := &Layer{Name: fc.Name, CRS: "EPSG:4326"}
	types := make(map[string]string)
	for i, f := range fc.Features {
		id := int64(i)
		if n, ok := f.ID.(float64); ok {
			id = int64(n)
		}
		for k, v := range f.Properties {
			if _, seen := types[k]; !seen || types[k] == "null" {
				types[k] = fieldType(v)
			}
		}
		layer.Features = append(layer.Features, Feature{ID: id, Attributes: f.Properties, Geometry: f.Geometry})
	}
	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		layer.Fields = append(layer.Fields, Field{Name: k, Type: types[k]})
	}
	return layer, nil
}

func fieldType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "real"
	case string:
		return "string"
	default:
		return "json"
	}
}

func (l *Layer) geoJSON() map[string]any {
	features := make([]any, len(l.Features))
	for i, f := range l.Features {
		features[i] = map[string]any{
			"type":       "Feature",
			"id":         f.ID,
			"properties": f.Attributes,
			"geometry":   f.Geometry,
		}
	}
	return map[string]any{
		"type":     "FeatureCollection",
		"name":     l.Name,
		"features": features,
	}
}
