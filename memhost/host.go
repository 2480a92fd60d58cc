// Package memhost is an in-memory GIS host. It keeps vector layers loaded
// from GeoJSON and answers the gateway's host methods. It is not safe for
// concurrent use; drive it through a hostloop.Loop like a real desktop host.
package memhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/wire"
)

const (
	DefaultPageSize    = 50
	DefaultFeatureCap  = 100
	MaxFeaturesPerCall = 10000
)

type handler func(ctx context.Context, p wire.Params) (any, error)

// Option configures a Host.
type Option func(*Host)

// WithTitle sets the project title.
func WithTitle(title string) Option {
	return func(h *Host) { h.title = title }
}

// WithLayer preloads a layer.
func WithLayer(l *Layer) Option {
	return func(h *Host) { h.AddLayer(l) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// Host is the in-memory project.
type Host struct {
	title    string
	layers   []*Layer
	byID     map[string]*Layer
	handlers map[string]handler
	logger   *slog.Logger
}

// New creates an empty project.
func New(opts ...Option) *Host {
	h := &Host{
		title:  "untitled",
		byID:   make(map[string]*Layer),
		logger: slog.Default(),
	}
	h.handlers = map[string]handler{
		"list_layers":        h.listLayers,
		"get_layer_info":     h.layerInfo,
		"get_features":       h.features,
		"load_layer":         h.loadLayer,
		"save_project":       h.saveProject,
		"render_map":         h.renderMap,
		"execute_processing": h.processing,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Title returns the project title.
func (h *Host) Title() string { return h.title }

// Methods lists the host methods Invoke understands.
func (h *Host) Methods() []string {
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	return names
}

var idUnsafe = regexp.MustCompile(`[^a-z0-9_]+`)

// AddLayer registers l, assigning an ID when it has none, and returns the ID.
func (h *Host) AddLayer(l *Layer) string {
	if l.ID == "" {
		base := idUnsafe.ReplaceAllString(strings.ToLower(l.Name), "_")
		l.ID = strings.Trim(base, "_") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if l.CRS == "" {
		l.CRS = "EPSG:4326"
	}
	if _, ok := h.byID[l.ID]; !ok {
		h.layers = append(h.layers, l)
	} else {
		for i, existing := range h.layers {
			if existing.ID == l.ID {
				h.layers[i] = l
			}
		}
	}
	h.byID[l.ID] = l
	return l.ID
}

// Invoke runs a host method. Unknown methods and bad arguments are plain
// errors; missing layers are NotFound.
func (h *Host) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	fn, ok := h.handlers[method]
	if !ok {
		return nil, fmt.Errorf("host does not implement %q", method)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, wire.Params(params))
}

func (h *Host) layer(p wire.Params) (*Layer, error) {
	id, ok := p.String("layer_id")
	if !ok || id == "" {
		return nil, fmt.Errorf("layer_id is required")
	}
	l, ok := h.byID[id]
	if !ok {
		return nil, fault.NotFound("layer")
	}
	return l, nil
}

func (h *Host) listLayers(_ context.Context, p wire.Params) (any, error) {
	offset := max(p.IntOr("offset", 0), 0)
	limit := p.IntOr("limit", DefaultPageSize)
	if limit <= 0 {
		limit = DefaultPageSize
	}
	total := int64(len(h.layers))
	start := min(offset, total)
	end := min(start+limit, total)

	page := make([]any, 0, end-start)
	for _, l := range h.layers[start:end] {
		page = append(page, l.summary())
	}
	return map[string]any{
		"layers":      page,
		"total_count": total,
		"offset":      offset,
		"limit":       limit,
		"has_more":    end < total,
	}, nil
}

func (h *Host) layerInfo(_ context.Context, p wire.Params) (any, error) {
	l, err := h.layer(p)
	if err != nil {
		return nil, err
	}
	return l.info(), nil
}

func (h *Host) features(ctx context.Context, p wire.Params) (any, error) {
	l, err := h.layer(p)
	if err != nil {
		return nil, err
	}
	limit := p.IntOr("limit", DefaultFeatureCap)
	if limit <= 0 || limit > MaxFeaturesPerCall {
		limit = MaxFeaturesPerCall
	}
	var bbox *Extent
	if m, ok := p.Map("bbox"); ok {
		b, err := extentParam(m)
		if err != nil {
			return nil, err
		}
		bbox = &b
	}
	expr, _ := p.String("filter_expression")
	f, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}
	attributesOnly := p.Bool("attributes_only")
	tolerance, _ := p.Float("simplify_tolerance")

	out := make([]any, 0)
	for i, feat := range l.Features {
		if int64(len(out)) >= limit {
			break
		}
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if bbox != nil && !feat.Geometry.Extent().Intersects(*bbox) {
			continue
		}
		if !f.match(feat.Attributes) {
			continue
		}
		// results are read after the host call returns; nothing here may
		// alias layer state
		item := map[string]any{"id": feat.ID, "attributes": maps.Clone(feat.Attributes)}
		if !attributesOnly && feat.Geometry != nil {
			item["geometry"] = simplify(feat.Geometry, tolerance).clone()
		}
		out = append(out, item)
	}

	fields := make([]any, len(l.Fields))
	for i, fd := range l.Fields {
		fields[i] = []any{fd.Name, fd.Type}
	}
	return map[string]any{
		"layer_id":          l.ID,
		"total_features":    len(l.Features),
		"returned_features": len(out),
		"features":          out,
		"fields":            fields,
	}, nil
}

func extentParam(m wire.Params) (Extent, error) {
	var e Extent
	var ok [4]bool
	e.XMin, ok[0] = m.Float("xmin")
	e.YMin, ok[1] = m.Float("ymin")
	e.XMax, ok[2] = m.Float("xmax")
	e.YMax, ok[3] = m.Float("ymax")
	if ok != [4]bool{true, true, true, true} || e.Empty() {
		return Extent{}, fmt.Errorf("bbox needs xmin <= xmax and ymin <= ymax")
	}
	return e, nil
}

// loadLayer expects a path the gateway has already validated.
func (h *Host) loadLayer(_ context.Context, p wire.Params) (any, error) {
	path, _ := p.String("path")
	l, err := ReadGeoJSON(path)
	if err != nil {
		return nil, err
	}
	if name, ok := p.String("layer_name"); ok && name != "" {
		l.Name = name
	} else if l.Name == "" {
		l.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	id := h.AddLayer(l)
	h.logger.Info("layer loaded", "layer_id", id, "features", len(l.Features))
	return map[string]any{
		"layer_id":      id,
		"layer_name":    l.Name,
		"type":          "vector",
		"feature_count": len(l.Features),
	}, nil
}

func (h *Host) saveProject(_ context.Context, p wire.Params) (any, error) {
	path, _ := p.String("path")
	layers := make([]any, len(h.layers))
	for i, l := range h.layers {
		layers[i] = map[string]any{"id": l.ID, "crs": l.CRS, "data": l.geoJSON()}
	}
	data, err := json.MarshalIndent(map[string]any{"title": h.title, "layers": layers}, "", "  ")
	if err != nil {
		return nil, err
	}
	f, err := createOutput(path)
	if err != nil {
		return nil, fmt.Errorf("write project: %w", err)
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write project: %w", err)
	}
	return map[string]any{
		"saved":  true,
		"file":   filepath.Base(path),
		"layers": len(h.layers),
		"bytes":  len(data),
	}, nil
}
