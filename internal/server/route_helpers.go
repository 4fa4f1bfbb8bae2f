package server

import (
	"net/http"
	"strings"
)

// RouteHandler is a function type for HTTP handlers.
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers.
type MethodRouter map[string]RouteHandler

// RouteByMethod routes requests based on HTTP method with standardized error handling.
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	handler, ok := routes[r.Method]
	if !ok {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handler(w, r)
}

// RouteCRUD is a convenience function for standard CRUD operations (GET, POST, PUT, DELETE).
func RouteCRUD(w http.ResponseWriter, r *http.Request, get, post, put, delete RouteHandler) {
	routes := make(MethodRouter)
	if get != nil {
		routes["GET"] = get
	}
	if post != nil {
		routes["POST"] = post
	}
	if put != nil {
		routes["PUT"] = put
	}
	if delete != nil {
		routes["DELETE"] = delete
	}
	RouteByMethod(w, r, routes)
}

// pathTail returns everything in path after prefix, with any leading slash
// trimmed. Used to pull a resource ID (or nothing, for the collection route)
// out of a ServeMux catch-all registration like "/tasks/".
func pathTail(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	return strings.TrimPrefix(path[len(prefix):], "/")
}
