// Package openapi ingests a minimal subset of an OpenAPI document — paths,
// operationIds, and path/query/body parameters — and materializes function
// specs plus the HTTP requests calling them produces. No OpenAPI parsing
// library appears in the grounding corpus, so this is a deliberately
// narrow, hand-rolled reader restricted to exactly what spec §4.4 requires
// (see DESIGN.md for the standard-library justification).
package openapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/runforge/execengine/functioncall"
)

// Document is the minimal OpenAPI shape this package understands.
type Document struct {
	Paths map[string]map[string]Operation `json:"paths"`
}

// Parameter is one path/query parameter declaration.
type Parameter struct {
	Name     string         `json:"name"`
	In       string         `json:"in"` // "path" or "query"
	Required bool           `json:"required"`
	Schema   map[string]any `json:"schema"`
}

// RequestBody declares the JSON body schema, when present.
type RequestBody struct {
	Content map[string]struct {
		Schema map[string]any `json:"schema"`
	} `json:"content"`
}

// Operation is one (path, method) pair.
type Operation struct {
	OperationID string       `json:"operationId"`
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	Parameters  []Parameter  `json:"parameters"`
	RequestBody *RequestBody `json:"requestBody"`
}

// Binding records how to materialize an HTTP request for one operationId.
type Binding struct {
	Method      string
	PathTemplate string
	PathParams  []string
	QueryParams []string
	HasBody     bool
	BodySchema  map[string]any
}

// ParseDocument reads raw JSON into a Document.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("openapi: parse document: %w", err)
	}
	return doc, nil
}

// Specs converts every (path, method) pair with a non-empty operationId
// into a functioncall.Spec whose Parameters schema is the union of
// path/query/body parameters, and returns the Binding needed to later
// materialize a request for that operationId.
func Specs(doc Document) ([]functioncall.Spec, map[string]Binding) {
	var specs []functioncall.Spec
	bindings := make(map[string]Binding)

	for path, methods := range doc.Paths {
		for method, op := range methods {
			if op.OperationID == "" {
				continue
			}
			properties := map[string]any{}
			var required []any
			b := Binding{Method: strings.ToUpper(method), PathTemplate: path}

			for _, p := range op.Parameters {
				schema := p.Schema
				if schema == nil {
					schema = map[string]any{"type": "string"}
				}
				properties[p.Name] = schema
				if p.Required {
					required = append(required, p.Name)
				}
				switch p.In {
				case "path":
					b.PathParams = append(b.PathParams, p.Name)
				case "query":
					b.QueryParams = append(b.QueryParams, p.Name)
				}
			}
			if op.RequestBody != nil {
				if c, ok := op.RequestBody.Content["application/json"]; ok {
					b.HasBody = true
					b.BodySchema = c.Schema
					if props, ok := c.Schema["properties"].(map[string]any); ok {
						for k, v := range props {
							properties[k] = v
						}
					}
				}
			}

			specs = append(specs, functioncall.Spec{
				Name:        op.OperationID,
				Description: firstNonEmpty(op.Summary, op.Description),
				Parameters: map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			})
			bindings[op.OperationID] = b
		}
	}
	return specs, bindings
}

// BuildRequest materializes an *http.Request for an operation by
// substituting args into the URL path template, appending the declared query
// parameters present in args, and, when the operation declares a
// requestBody, marshaling every arg not used as a path or query parameter as
// a JSON body.
func BuildRequest(baseURL string, b Binding, args map[string]any) (*http.Request, error) {
	path := b.PathTemplate
	consumed := make(map[string]bool, len(b.PathParams))
	for _, name := range b.PathParams {
		v, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("openapi: missing path parameter %q", name)
		}
		path = strings.ReplaceAll(path, "{"+name+"}", fmt.Sprintf("%v", v))
		consumed[name] = true
	}

	url := strings.TrimRight(baseURL, "/") + path
	if len(b.QueryParams) > 0 {
		var q []string
		for _, name := range b.QueryParams {
			if v, ok := args[name]; ok {
				q = append(q, fmt.Sprintf("%s=%v", name, v))
				consumed[name] = true
			}
		}
		if len(q) > 0 {
			url += "?" + strings.Join(q, "&")
		}
	}

	var body *bytes.Reader
	if b.HasBody {
		remaining := map[string]any{}
		for k, v := range args {
			if !consumed[k] {
				remaining[k] = v
			}
		}
		payload, err := json.Marshal(remaining)
		if err != nil {
			return nil, fmt.Errorf("openapi: marshal body: %w", err)
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(b.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("openapi: build request: %w", err)
	}
	if b.HasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
