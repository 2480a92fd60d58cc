package memhost

// SampleLayers returns a small demo project: a point layer of cities and a
// line layer of rivers.
func SampleLayers() []*Layer {
	city := func(id int64, name string, pop float64, x, y float64) Feature {
		return Feature{
			ID:         id,
			Attributes: map[string]any{"name": name, "population": pop},
			Geometry:   &Geometry{Type: "Point", Coordinates: []any{x, y}},
		}
	}
	river := func(id int64, name string, pts ...[2]float64) Feature {
		coords := make([]any, len(pts))
		for i, p := range pts {
			coords[i] = []any{p[0], p[1]}
		}
		return Feature{
			ID:         id,
			Attributes: map[string]any{"name": name},
			Geometry:   &Geometry{Type: "LineString", Coordinates: coords},
		}
	}
	return []*Layer{
		{
			ID:     "cities",
			Name:   "Cities",
			Fields: []Field{{Name: "name", Type: "string"}, {Name: "population", Type: "real"}},
			Features: []Feature{
				city(1, "Lisbon", 545000, -9.14, 38.72),
				city(2, "Porto", 232000, -8.61, 41.15),
				city(3, "Coimbra", 106000, -8.43, 40.21),
				city(4, "Faro", 64000, -7.93, 37.02),
			},
		},
		{
			ID:     "rivers",
			Name:   "Rivers",
			Fields: []Field{{Name: "name", Type: "string"}},
			Features: []Feature{
				river(1, "Tejo", [2]float64{-6.9, 39.6}, [2]float64{-8.0, 39.4}, [2]float64{-9.1, 38.7}),
				river(2, "Douro", [2]float64{-6.8, 41.0}, [2]float64{-7.8, 41.1}, [2]float64{-8.6, 41.14}),
			},
		},
	}
}

// NewSample creates a host preloaded with SampleLayers.
func NewSample(opts ...Option) *Host {
	all := []Option{WithTitle("sample")}
	for _, l := range SampleLayers() {
		all = append(all, WithLayer(l))
	}
	return New(append(all, opts...)...)
}
