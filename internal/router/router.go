// Package router dispatches requests to handlers built from the configured
// routes.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"example.com/h1core/internal/config"
	"example.com/h1core/internal/http1"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/server"
)

// Router holds the routing table. Exact matches win over prefix matches and
// the longest prefix wins among prefixes.
type Router struct {
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]*entry

	// prefixRoutes is sorted longest PathPattern first.
	prefixRoutes []*entry

	handlerRegistry *server.HandlerRegistry
	log             *logger.Logger
}

// entry caches the handler instantiated for one route. A failed creation
// is not cached, so a later request retries it.
type entry struct {
	route config.Route

	mu      sync.Mutex
	handler http1.Handler
}

// NewRouter builds a Router from already validated routes.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}

	exactMap := make(map[string]*entry)
	var prefixList []*entry

	for _, route := range routes {
		if _, ok := registry.GetFactory(route.HandlerType); !ok {
			return nil, fmt.Errorf("route '%s' references unknown handler_type '%s'", route.PathPattern, route.HandlerType)
		}
		e := &entry{route: route}
		switch route.MatchType {
		case config.MatchTypeExact:
			exactMap[route.PathPattern] = e
		case config.MatchTypePrefix:
			prefixList = append(prefixList, e)
		default:
			return nil, fmt.Errorf("route '%s' has invalid match_type '%s'", route.PathPattern, route.MatchType)
		}
	}

	sort.SliceStable(prefixList, func(i, j int) bool {
		return len(prefixList[i].route.PathPattern) > len(prefixList[j].route.PathPattern)
	})

	return &Router{
		exactRoutes:     exactMap,
		prefixRoutes:    prefixList,
		handlerRegistry: registry,
		log:             lg,
	}, nil
}

// MatchedRouteInfo is the handler chosen for a path and the route that
// produced it.
type MatchedRouteInfo struct {
	Handler http1.Handler
	Route   config.Route
}

// FindRoute matches path against the routing table. It returns nil, nil when
// nothing matches, and an error when the matched route's handler could not
// be created.
func (r *Router) FindRoute(path string) (*MatchedRouteInfo, error) {
	e := r.match(path)
	if e == nil {
		return nil, nil
	}
	h, err := r.handlerFor(e)
	if err != nil {
		r.log.Error("Failed to create handler for route", logger.LogFields{
			"path":        path,
			"pattern":     e.route.PathPattern,
			"matchType":   string(e.route.MatchType),
			"handlerType": e.route.HandlerType,
			"error":       err.Error(),
		})
		return nil, err
	}
	return &MatchedRouteInfo{Handler: h, Route: e.route}, nil
}

func (r *Router) match(path string) *entry {
	if e, ok := r.exactRoutes[path]; ok {
		return e
	}
	for _, e := range r.prefixRoutes {
		if strings.HasPrefix(path, e.route.PathPattern) {
			return e
		}
	}
	return nil
}

func (r *Router) handlerFor(e *entry) (http1.Handler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handler != nil {
		return e.handler, nil
	}
	raw, err := e.route.RawHandlerConfig()
	if err != nil {
		return nil, err
	}
	h, err := r.handlerRegistry.CreateHandler(e.route.HandlerType, raw, r.log)
	if err != nil {
		return nil, err
	}
	e.handler = h
	return h, nil
}

// ServeHTTP1 implements http1.Handler. Unmatched paths get 404 and handler
// creation failures get 500.
func (r *Router) ServeHTTP1(w http1.ResponseWriter, req *http.Request) {
	requestPath := req.URL.Path

	matched, err := r.FindRoute(requestPath)
	if err != nil {
		http1.WriteErrorResponse(w, req, http.StatusInternalServerError, "Failed to initialize request handler.", r.log)
		return
	}
	if matched == nil {
		r.log.Info("No route matched for request", logger.LogFields{
			"path":       requestPath,
			"connection": w.ConnectionID(),
		})
		http1.WriteErrorResponse(w, req, http.StatusNotFound, "The requested resource was not found.", r.log)
		return
	}
	matched.Handler.ServeHTTP1(w, req)
}

var _ http1.Handler = (*Router)(nil)
