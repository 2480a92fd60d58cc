package server

import (
	"context"
	"fmt"

	"github.com/machinefabric/gisgate-go/hostloop"
	"github.com/machinefabric/gisgate-go/sandbox"
)

// project is the "project" binding seen by execute_code snippets. Its
// methods call the host through the loop like any other request.
type project struct {
	host hostloop.Host
}

func newProject(host hostloop.Host) *project {
	return &project{host: host}
}

func (p *project) Attr(name string) (any, bool) {
	switch name {
	case "Layers":
		return sandbox.Callable(p.layers), true
	case "Layer":
		return sandbox.Callable(p.layer), true
	}
	return nil, false
}

func (p *project) layers(ctx context.Context, args []any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("Layers takes no arguments")
	}
	res, err := p.host.Invoke(ctx, "list_layers", map[string]any{"limit": int64(1000)})
	if err != nil {
		return nil, err
	}
	page, _ := res.(map[string]any)
	items, _ := page["layers"].([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		if info, ok := item.(map[string]any); ok {
			out = append(out, &layerObject{host: p.host, info: info})
		}
	}
	return out, nil
}

func (p *project) layer(ctx context.Context, args []any) (any, error) {
	id, ok := oneString(args)
	if !ok {
		return nil, fmt.Errorf("Layer takes one string argument")
	}
	res, err := p.host.Invoke(ctx, "get_layer_info", map[string]any{"layer_id": id})
	if err != nil {
		return nil, err
	}
	info, ok := res.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("host returned no layer information")
	}
	return &layerObject{host: p.host, info: info}, nil
}

func (p *project) export() any { return "<project>" }

// layerObject wraps the host's layer description.
type layerObject struct {
	host hostloop.Host
	info map[string]any
}

var layerAttrs = map[string]string{
	"ID":           "id",
	"Name":         "name",
	"Type":         "type",
	"CRS":          "crs",
	"Extent":       "extent",
	"FeatureCount": "feature_count",
	"Fields":       "fields",
}

func (l *layerObject) Attr(name string) (any, bool) {
	if name == "Features" {
		return sandbox.Callable(l.features), true
	}
	key, ok := layerAttrs[name]
	if !ok {
		return nil, false
	}
	v, ok := l.info[key]
	return v, ok
}

// features accepts an optional limit and an optional filter expression.
func (l *layerObject) features(ctx context.Context, args []any) (any, error) {
	params := map[string]any{"layer_id": l.info["id"], "attributes_only": true}
	for _, a := range args {
		switch v := a.(type) {
		case int64:
			params["limit"] = v
		case string:
			params["filter_expression"] = v
		default:
			return nil, fmt.Errorf("Features takes an optional int limit and string filter")
		}
	}
	res, err := l.host.Invoke(ctx, "get_features", params)
	if err != nil {
		return nil, err
	}
	page, _ := res.(map[string]any)
	items, _ := page["features"].([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		if f, ok := item.(map[string]any); ok {
			out = append(out, f["attributes"])
		}
	}
	return out, nil
}

func (l *layerObject) export() any { return l.info }

func oneString(args []any) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

// export turns interpreter values into something the wire codecs can encode.
// Sandbox results reach it only after Run has bounded their size.
func export(v any) any {
	switch x := v.(type) {
	case interface{ export() any }:
		return x.export()
	case sandbox.Callable:
		return "<function>"
	case sandbox.Module:
		return "<module>"
	case sandbox.Object:
		return "<object>"
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = export(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = export(e)
		}
		return out
	}
	return v
}
