package api_test

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"proposal-workflows/internal/api"
)

type openAPIDoc struct {
	OpenAPI    string                            `yaml:"openapi"`
	Paths      map[string]map[string]interface{} `yaml:"paths"`
	Components map[string]map[string]interface{} `yaml:"components"`
}

var pathParam = regexp.MustCompile(`:([A-Za-z]+)`)

func TestOpenAPIHandlerSubstitutesIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	api.SpecHandler("https://example.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.NotContains(t, body, "{oktaIssuer}")
	assert.Contains(t, body, "https://example.okta.com/oauth2/default/v1/authorize")

	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Components, "schemas")
}

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	api.SpecHandler("")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))

	e := newTestServer(t)
	checked := 0
	for _, r := range e.Routes() {
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			continue
		}
		if !strings.HasPrefix(r.Path, "/api/v1/") || strings.HasSuffix(r.Path, "*") {
			continue
		}
		path := pathParam.ReplaceAllString(strings.TrimPrefix(r.Path, "/api/v1"), "{$1}")
		ops, ok := doc.Paths[path]
		if assert.True(t, ok, "undocumented path %s", path) {
			assert.Contains(t, ops, strings.ToLower(r.Method), "undocumented operation %s %s", r.Method, path)
		}
		checked++
	}
	assert.Equal(t, 29, checked)
}

func TestSwaggerHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	req.Host = "workflows.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	api.SwaggerHandler("swagger-client")(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `url: "/openapi.yaml"`)
	assert.Contains(t, body, "https://workflows.example.com/docs/oauth2-redirect.html")
	assert.Contains(t, body, `clientId: "swagger-client"`)
	assert.NotContains(t, body, "${")

	rec = httptest.NewRecorder()
	api.OAuthRedirectHandler(rec, httptest.NewRequest(http.MethodGet, "/docs/oauth2-redirect.html", nil))
	assert.Contains(t, rec.Body.String(), "swaggerUIRedirectCallback")
}
