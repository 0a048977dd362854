// Package service ties a gin engine together with the dependencies the
// MasStock web services need: configuration, logging, the database pool and
// any extra components injected by name.
//
// Each resource of the API can be developed as its own service sharing one
// router. Route groups and sub-groups let services apply their own middleware
// per group.
package service

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/masstock/masstock/config"
)

// Dependencies is a map to hold arbitrary dependencies.
type Dependencies map[string]any

// Service is the core struct for a web service, holding essential components
// and optional dependencies. The Dependencies map allows injection of any
// additional components a service might need.
// Note: Assert the type of the dependency before using it because the value is
// of type any.
//
// Example:
//
//	redisClient := // create Redis client
//	s := NewService(router).WithDependency("redis", redisClient)
//	value, ok := s.Dependencies["redis"]
//	if !ok {
//		// Handle missing Redis client
//	}
//
// The Service struct also provides a set of With... methods to inject specific
// dependencies:
//
//	s := NewService(router).WithLogger(logger).WithDatabase(db)
type Service struct {
	Config       config.Config
	Router       *gin.Engine
	Logger       *logharbour.Logger
	Database     any
	Dependencies Dependencies
}

// NewService constructs a new Service with the given router.
func NewService(r *gin.Engine) *Service {
	s := &Service{
		Router: r,
	}
	return s
}

// WithDependency is a method to inject an arbitrary dependency into the Service.
func (s *Service) WithDependency(key string, value any) *Service {
	if s.Dependencies == nil {
		s.Dependencies = make(Dependencies)
	}
	s.Dependencies[key] = value
	return s
}

// WithConfig is a method to inject a config dependency into the Service.
func (s *Service) WithConfig(cfg config.Config) *Service {
	s.Config = cfg
	return s
}

// WithLogger is a method to inject a logger dependency into the Service.
func (s *Service) WithLogger(l *logharbour.Logger) *Service {
	s.Logger = l
	return s
}

// WithDatabase is a method to inject a database dependency into the Service.
func (s *Service) WithDatabase(db any) *Service {
	s.Database = db
	return s
}

// HandlerFunc is a function that handles a request.
// It takes a *gin.Context and a *Service as parameters.
type HandlerFunc func(*gin.Context, *Service)

// RegisterRoute allows for the registration of a single route directly on the service's engine.
func (s *Service) RegisterRoute(method, path string, handler HandlerFunc) {
	wrappedHandler := func(c *gin.Context) {
		handler(c, s)
	}
	switch method {
	case http.MethodGet:
		s.Router.GET(path, wrappedHandler)
	case http.MethodPost:
		s.Router.POST(path, wrappedHandler)
	case http.MethodPut:
		s.Router.PUT(path, wrappedHandler)
	case http.MethodDelete:
		s.Router.DELETE(path, wrappedHandler)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}

// RouteGroup represents a group of routes.
type RouteGroup struct {
	Group *gin.RouterGroup
}

// CreateGroup creates a new route group with the given path.
func (s *Service) CreateGroup(path string) *RouteGroup {
	return &RouteGroup{
		Group: s.Router.Group(path),
	}
}

// RegisterRoute allows for the registration of a single route to the route group.
func (g *RouteGroup) RegisterRoute(method, path string, handler gin.HandlerFunc) {
	switch method {
	case http.MethodGet:
		g.Group.GET(path, handler)
	case http.MethodPost:
		g.Group.POST(path, handler)
	case http.MethodPut:
		g.Group.PUT(path, handler)
	case http.MethodDelete:
		g.Group.DELETE(path, handler)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}

// CreateSubGroup creates a new sub-group within the current group.
func (g *RouteGroup) CreateSubGroup(path string) *RouteGroup {
	return &RouteGroup{
		Group: g.Group.Group(path),
	}
}
