package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty" yaml:"routes,omitempty"`
}

// Route maps a path pattern to a registered handler type. HandlerConfig is
// opaque here and decoded by the handler's factory.
type Route struct {
	PathPattern   string                 `json:"path_pattern" toml:"path_pattern" yaml:"path_pattern"`
	MatchType     MatchType              `json:"match_type" toml:"match_type" yaml:"match_type"`
	HandlerType   string                 `json:"handler_type" toml:"handler_type" yaml:"handler_type"`
	HandlerConfig map[string]interface{} `json:"handler_config,omitempty" toml:"handler_config,omitempty" yaml:"handler_config,omitempty"`
}

// RawHandlerConfig returns the handler configuration as JSON, whatever
// format the file was written in. A missing section yields nil.
func (r Route) RawHandlerConfig() (json.RawMessage, error) {
	if r.HandlerConfig == nil {
		return nil, nil
	}
	b, err := json.Marshal(r.HandlerConfig)
	if err != nil {
		return nil, fmt.Errorf("handler_config for path_pattern '%s': %w", r.PathPattern, err)
	}
	return b, nil
}

// Handler types the binary registers.
const (
	HandlerTypeEcho        = "Echo"
	HandlerTypeUpgradeEcho = "UpgradeEcho"
)

func defaultRoutes() []Route {
	return []Route{
		{PathPattern: "/upgrade", MatchType: MatchTypeExact, HandlerType: HandlerTypeUpgradeEcho},
		{PathPattern: "/", MatchType: MatchTypePrefix, HandlerType: HandlerTypeEcho},
	}
}

func validateRouting(rc *RoutingConfig) error {
	if rc == nil {
		return fmt.Errorf("routing configuration section is missing")
	}
	seen := make(map[string]bool)
	for i, route := range rc.Routes {
		field := fmt.Sprintf("routing.routes[%d]", i)
		if route.PathPattern == "" {
			return fmt.Errorf("%s.path_pattern cannot be empty", field)
		}
		if !strings.HasPrefix(route.PathPattern, "/") {
			return fmt.Errorf("%s.path_pattern '%s' must start with '/'", field, route.PathPattern)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("%s.handler_type cannot be empty for path_pattern '%s'", field, route.PathPattern)
		}
		switch route.MatchType {
		case MatchTypeExact:
			if route.PathPattern != "/" && strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("path_pattern '%s' with MatchType 'Exact' must not end with '/' unless it is the root path '/'", route.PathPattern)
			}
		case MatchTypePrefix:
			if !strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("path_pattern '%s' with MatchType 'Prefix' must end with '/'", route.PathPattern)
			}
		case "":
			return fmt.Errorf("%s.match_type is missing for path_pattern '%s'; must be 'Exact' or 'Prefix'", field, route.PathPattern)
		default:
			return fmt.Errorf("%s.match_type '%s' is invalid for path_pattern '%s'; must be 'Exact' or 'Prefix'", field, route.MatchType, route.PathPattern)
		}
		key := string(route.MatchType) + " " + route.PathPattern
		if seen[key] {
			return fmt.Errorf("ambiguous route: duplicate PathPattern '%s' and MatchType '%s' found", route.PathPattern, route.MatchType)
		}
		seen[key] = true
	}
	return nil
}
