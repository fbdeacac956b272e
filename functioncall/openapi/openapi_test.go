package openapi_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/functioncall/openapi"
)

const sampleDoc = `{
  "paths": {
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "summary": "Fetch a pet by id",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "verbose", "in": "query", "required": false, "schema": {"type": "boolean"}}
        ]
      },
      "post": {
        "operationId": "updatePet",
        "summary": "Update a pet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}}
        ],
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {"type": "object", "properties": {"name": {"type": "string"}}}
            }
          }
        }
      }
    }
  }
}`

func TestSpecsAndBindings(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(sampleDoc))
	require.NoError(t, err)

	specs, bindings := openapi.Specs(doc)
	require.Len(t, specs, 2)

	b, ok := bindings["getPet"]
	require.True(t, ok)
	require.Equal(t, "GET", b.Method)
	require.Equal(t, []string{"petId"}, b.PathParams)
	require.Equal(t, []string{"verbose"}, b.QueryParams)
}

func TestBuildRequestSubstitutesPathAndQuery(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(sampleDoc))
	require.NoError(t, err)
	_, bindings := openapi.Specs(doc)

	req, err := openapi.BuildRequest("https://api.example.com", bindings["getPet"], map[string]any{
		"petId": "123", "verbose": true,
	})
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "https://api.example.com/pets/123?verbose=true", req.URL.String())
}

func TestBuildRequestWithBody(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(sampleDoc))
	require.NoError(t, err)
	_, bindings := openapi.Specs(doc)

	req, err := openapi.BuildRequest("https://api.example.com", bindings["updatePet"], map[string]any{
		"petId": "123", "name": "Rex",
	})
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "https://api.example.com/pets/123", req.URL.String())
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Rex"}`, string(body))
}

func TestBuildRequestMissingPathParam(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(sampleDoc))
	require.NoError(t, err)
	_, bindings := openapi.Specs(doc)

	_, err = openapi.BuildRequest("https://api.example.com", bindings["getPet"], map[string]any{})
	require.Error(t, err)
}
