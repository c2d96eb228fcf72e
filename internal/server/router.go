package server

import (
	"fmt"
	"net/http"
	"strings"
)

// CoordinatorHTTP defines the minimal surface the lifecycle router needs from
// the runtime coordinator to serve HTTP requests.
type CoordinatorHTTP interface {
	ServeMetadataEvent(http.ResponseWriter, *http.Request)
	ServeStatusEvent(http.ResponseWriter, *http.Request)
	ServeTaskFire(http.ResponseWriter, *http.Request)
	ServeRenderHook(http.ResponseWriter, *http.Request)
	ServeAPIHook(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewCoordinatorHandler wires the HTTP routing facade to the runtime
// coordinator so the lifecycle server owns URL dispatch without embedding
// routing logic into the coordinator itself.
func NewCoordinatorHandler(c CoordinatorHTTP) http.Handler {
	if c == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			// Unknown leaves under known groups get the JSON error shape the
			// rest of the surface speaks; everything else stays a plain 404.
			if groupKnown(r.URL.Path) {
				c.WriteError(w, http.StatusNotFound, fmt.Sprintf("route %q not found", strings.Trim(r.URL.Path, "/")))
				return
			}
			http.NotFound(w, r)
			return
		}

		switch route {
		case "events/metadata":
			c.ServeMetadataEvent(w, r)
		case "events/status":
			c.ServeStatusEvent(w, r)
		case "tasks/fire":
			c.ServeTaskFire(w, r)
		case "hooks/render":
			c.ServeRenderHook(w, r)
		case "hooks/api":
			c.ServeAPIHook(w, r)
		case "healthz":
			c.ServeHealth(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		switch strings.ToLower(parts[0]) {
		case "health", "healthz":
			return "healthz", true
		}
	case 2:
		route := strings.ToLower(parts[0]) + "/" + strings.ToLower(parts[1])
		switch route {
		case "events/metadata", "events/status", "tasks/fire", "hooks/render", "hooks/api":
			return route, true
		}
	}
	return "", false
}

func groupKnown(path string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return false
	}
	switch strings.ToLower(parts[0]) {
	case "events", "tasks", "hooks":
		return true
	}
	return false
}
