package server

import (
	"context"

	"github.com/machinefabric/gisgate-go/pathguard"
	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/wire"
)

// request is a validated, authenticated and admitted call.
type request struct {
	id     any
	method *method
	params wire.Params
}

type handlerFunc func(ctx context.Context, c *conn, r *request) (any, error)

// pathParam names a params field that carries a filesystem path.
type pathParam struct {
	key string
	op  pathguard.Op
}

type method struct {
	name   string
	tier   ratelimit.Tier // from ratelimit.TierFor
	params map[string]any
	paths  []pathParam
	// inline handlers run on the connection's reader goroutine so later
	// frames observe their effect (authentication state).
	inline bool
	run    handlerFunc
}

func object(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func str(minLen, maxLen int) map[string]any {
	return map[string]any{"type": "string", "minLength": minLen, "maxLength": maxLen}
}

func integer(lo, hi int) map[string]any {
	return map[string]any{"type": "integer", "minimum": lo, "maximum": hi}
}

var extentSchema = object([]string{"xmin", "ymin", "xmax", "ymax"}, map[string]any{
	"xmin": map[string]any{"type": "number"},
	"ymin": map[string]any{"type": "number"},
	"xmax": map[string]any{"type": "number"},
	"ymax": map[string]any{"type": "number"},
})

var (
	taskIDParams = object([]string{"task_id"}, map[string]any{"task_id": str(1, 64)})
	layerParams  = object([]string{"layer_id"}, map[string]any{"layer_id": str(1, 256)})
)

// catalog builds the method table.
func (s *Server) catalog() []*method {
	return []*method{
		{
			name:   "authenticate",
			params: object(nil, map[string]any{"token": str(1, 256)}),
			inline: true,
			run:    s.authenticate,
		},
		{name: "rotate_token", inline: true, run: s.rotateToken},
		{name: "ping", run: s.ping},
		{name: "get_stats", run: s.getStats},
		{name: "task_status", params: taskIDParams, run: s.taskStatus},
		{name: "list_tasks", run: s.listTasks},
		{name: "task_cancel", params: taskIDParams, run: s.taskCancel},
		{name: "clear_cache", run: s.clearCache},
		{name: "invalidate_layer_cache", params: layerParams, run: s.invalidateLayerCache},
		{
			name: "list_layers",
			params: object(nil, map[string]any{
				"offset": integer(0, 1<<31-1),
				"limit":  integer(1, 1000),
			}),
			run: s.hostCall,
		},
		{name: "get_layer_info", params: layerParams, run: s.hostCall},
		{
			name: "get_features",
			params: object([]string{"layer_id"}, map[string]any{
				"layer_id":           str(1, 256),
				"limit":              integer(1, 10000),
				"bbox":               extentSchema,
				"filter_expression":  str(0, 1000),
				"attributes_only":    map[string]any{"type": "boolean"},
				"simplify_tolerance": map[string]any{"type": "number", "minimum": 0},
			}),
			run: s.getFeatures,
		},
		{
			name: "load_layer",
			params: object([]string{"path"}, map[string]any{
				"path":       str(1, pathguard.DefaultMaxLength),
				"layer_name": str(0, 256),
			}),
			paths: []pathParam{{"path", pathguard.OpRead}},
			run:   s.hostCall,
		},
		{
			name:   "save_project",
			params: object([]string{"path"}, map[string]any{"path": str(1, pathguard.DefaultMaxLength)}),
			paths:  []pathParam{{"path", pathguard.OpWrite}},
			run:    s.hostCall,
		},
		{
			name: "render_map",
			params: object([]string{"output_path"}, map[string]any{
				"output_path": str(1, pathguard.DefaultMaxLength),
				"width":       integer(1, 8192),
				"height":      integer(1, 8192),
				"extent":      extentSchema,
				"layer_ids": map[string]any{
					"type":     "array",
					"maxItems": 100,
					"items":    str(1, 256),
				},
			}),
			paths: []pathParam{{"output_path", pathguard.OpWrite}},
			run:   s.hostTask,
		},
		{
			name: "execute_processing",
			params: object([]string{"algorithm"}, map[string]any{
				"algorithm": map[string]any{
					"type":      "string",
					"minLength": 1,
					"maxLength": 128,
					"pattern":   "^[A-Za-z0-9_:.-]+$",
				},
				"parameters": map[string]any{"type": "object"},
			}),
			run: s.hostTask,
		},
		{
			name:   "execute_code",
			params: object([]string{"code"}, map[string]any{"code": map[string]any{"type": "string", "minLength": 1}}),
			run:    s.executeCode,
		},
	}
}
