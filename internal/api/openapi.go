package api

import (
	"github.com/mattjoyce/conduit/internal/task"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one run operation per
// registered task.
func buildOpenAPIDoc(reg *task.Registry, secured bool) map[string]any {
	paths := map[string]any{
		"/healthz":     getOp("healthz", "Server health and last run outcome"),
		"/tasks":       getOp("listTasks", "Registered tasks and their latest state"),
		"/runs/latest": getOp("latestRun", "Result of the most recent run"),
		"/events":      getOp("events", "Server-sent event stream of build events"),
	}

	for _, name := range reg.Names() {
		t, err := reg.Lookup(name)
		if err != nil {
			continue
		}
		summary := t.Description
		if summary == "" {
			summary = "Run " + name
		}
		op := map[string]any{
			"operationId": "run__" + name,
			"summary":     summary,
			"tags":        []string{"tasks"},
			"parameters": []any{map[string]any{
				"name":        "wait",
				"in":          "query",
				"description": "Block until the run finishes and return its result",
				"schema":      map[string]any{"type": "boolean"},
			}},
			"responses": map[string]any{
				"200": map[string]any{"description": "Run finished"},
				"202": map[string]any{"description": "Run queued"},
				"401": map[string]any{"description": "Missing or invalid token"},
				"503": map[string]any{"description": "Too many synchronous runs"},
			},
		}
		if secured {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		paths["/run/"+name] = map[string]any{"post": op}
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Conduit",
			"version": "1.0",
		},
		"paths": paths,
	}
	if secured {
		doc["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		}
	}
	return doc
}

func getOp(id, summary string) map[string]any {
	return map[string]any{
		"get": map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
		},
	}
}
