package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIOperation struct {
	Security *[]map[string][]string `yaml:"security"`
}

// openAPIDoc is the minimal structure we need from the document.
type openAPIDoc struct {
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

func loadOpenAPI(t *testing.T) map[string]openAPIOperation {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "parsing openapi.yaml")

	ops := make(map[string]openAPIOperation)
	for path, methods := range doc.Paths {
		for method, node := range methods {
			method = strings.ToUpper(method)
			// Skip OpenAPI extension keys (x-...) and parameters.
			if strings.HasPrefix(method, "X-") || method == "PARAMETERS" {
				continue
			}
			var op openAPIOperation
			require.NoError(t, node.Decode(&op), "decoding %s %s", method, path)
			ops[method+" "+path] = op
		}
	}
	return ops
}

// routerRoutes walks a zero-value API's router. Router() only registers
// routes, so nil dependencies are fine.
func routerRoutes(t *testing.T) map[string]bool {
	t.Helper()
	a := &API{}
	routes := make(map[string]bool)
	err := chi.Walk(a.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "" {
			route = "/"
		}
		if route == "/openapi.yaml" ||
			strings.HasPrefix(route, "/docs") ||
			strings.HasPrefix(route, "/redoc") {
			return nil
		}
		routes[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)
	return routes
}

// TestOpenAPIDrift fails if a registered route is undocumented or the
// document lists a route the router does not serve.
func TestOpenAPIDrift(t *testing.T) {
	documented := loadOpenAPI(t)
	registered := routerRoutes(t)

	var undocumented, stale []string
	for route := range registered {
		if _, ok := documented[route]; !ok {
			undocumented = append(undocumented, route)
		}
	}
	for route := range documented {
		if !registered[route] {
			stale = append(stale, route)
		}
	}
	sort.Strings(undocumented)
	sort.Strings(stale)

	assert.Empty(t, undocumented, "routes registered in Router() but missing from openapi.yaml:\n%s", formatRouteList(undocumented))
	assert.Empty(t, stale, "routes in openapi.yaml but not registered in Router():\n%s", formatRouteList(stale))
}

// TestOpenAPIPublicRoutes checks that exactly the routes reachable without
// a bearer token are documented with an empty security requirement.
func TestOpenAPIPublicRoutes(t *testing.T) {
	documented := loadOpenAPI(t)
	a := &API{jwtSecret: []byte(strings.Repeat("s", minSecretLength)), audit: newAuditLogger(discardLogger())}
	router := a.Router()

	for route, op := range documented {
		method, path, _ := strings.Cut(route, " ")
		// Fill path parameters with a placeholder id.
		target := path
		for strings.Contains(target, "{") {
			start := strings.Index(target, "{")
			end := strings.Index(target, "}")
			target = target[:start] + "x" + target[end+1:]
		}

		// A request without credentials is rejected by AuthMiddleware
		// before any handler touches the nil service.
		public := op.Security != nil && len(*op.Security) == 0
		if public {
			continue
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s should require a bearer token", route)
	}

	for _, route := range []string{"GET /crl/{authorityID}", "GET /downloads/{requestID}"} {
		op, ok := documented[route]
		require.True(t, ok, route)
		require.NotNil(t, op.Security, "%s must declare security: []", route)
		assert.Empty(t, *op.Security, route)
	}
}

func formatRouteList(routes []string) string {
	var b strings.Builder
	for _, r := range routes {
		fmt.Fprintf(&b, "  - %s\n", r)
	}
	return b.String()
}
