package memhost

import (
	"context"
	"fmt"

	"github.com/machinefabric/gisgate-go/wire"
)

type algorithm func(ctx context.Context, h *Host, p wire.Params) (map[string]any, error)

var algorithms = map[string]algorithm{
	"count_features":       countFeatures,
	"layer_extent":         layerExtent,
	"extract_by_attribute": extractByAttribute,
}

// processing runs a named algorithm against layers in the project.
func (h *Host) processing(ctx context.Context, p wire.Params) (any, error) {
	name, _ := p.String("algorithm")
	alg, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("algorithm not found: %s", name)
	}
	args, _ := p.Map("parameters")
	if args == nil {
		args = wire.Params{}
	}
	result, err := alg(ctx, h, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"algorithm": name, "result": result}, nil
}

func countFeatures(_ context.Context, h *Host, p wire.Params) (map[string]any, error) {
	l, err := h.layer(p)
	if err != nil {
		return nil, err
	}
	expr, _ := p.String("filter_expression")
	f, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, feat := range l.Features {
		if f.match(feat.Attributes) {
			n++
		}
	}
	return map[string]any{"layer_id": l.ID, "count": n}, nil
}

func layerExtent(_ context.Context, h *Host, p wire.Params) (map[string]any, error) {
	l, err := h.layer(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"layer_id": l.ID, "extent": l.Extent().Map()}, nil
}

// extractByAttribute copies the matching features into a new layer.
func extractByAttribute(ctx context.Context, h *Host, p wire.Params) (map[string]any, error) {
	src, err := h.layer(p)
	if err != nil {
		return nil, err
	}
	expr, _ := p.String("filter_expression")
	f, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}
	out := &Layer{
		Name:   p.StringOr("output_name", src.Name+" (extract)"),
		CRS:    src.CRS,
		Fields: append([]Field(nil), src.Fields...),
	}
	for i, feat := range src.Features {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if f.match(feat.Attributes) {
			out.Features = append(out.Features, feat)
		}
	}
	id := h.AddLayer(out)
	return map[string]any{"output_layer_id": id, "count": len(out.Features)}, nil
}
