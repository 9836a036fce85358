// Package http serves the graph-embedding substrate REST API consumed by
// vectorstore.RESTStore.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxTopK bounds a single search.
const maxTopK = 200

// Resolver opens the store for a collection.
type Resolver interface {
	Collection(name string) (vectorstore.Store, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (vectorstore.Store, error)

// Collection calls f.
func (f ResolverFunc) Collection(name string) (vectorstore.Store, error) { return f(name) }

// Server provides the substrate endpoints.
type Server struct {
	echo     *echo.Echo
	resolver Resolver
	logger   *zap.Logger
	config   *Config
	metrics  *serverMetrics

	mu     sync.Mutex
	stores map[string]vectorstore.Store
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// DefaultCollection is used when a request names none.
	DefaultCollection string
}

// NewServer creates a new HTTP server.
func NewServer(resolver Resolver, logger *zap.Logger, cfg *Config) (*Server, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 6334,
		}
	}
	if cfg.DefaultCollection == "" {
		cfg.DefaultCollection = "mogul_memory"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		resolver: resolver,
		logger:   logger,
		config:   cfg,
		metrics:  newServerMetrics(nil, logger),
		stores:   make(map[string]vectorstore.Store),
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/search", s.handleSearch)
	s.echo.POST("/documents", s.handleUpsert)
	s.echo.GET("/documents/:id", s.handleGet)
	s.echo.GET("/graph/neighbors/:id", s.handleNeighbors)
}

// store returns the store for name, opening it on first use.
func (s *Server) store(name string) (vectorstore.Store, error) {
	if name == "" {
		name = s.config.DefaultCollection
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st, err := s.resolver.Collection(name)
	if err != nil {
		return nil, err
	}
	s.stores[name] = st
	return st, nil
}

func (s *Server) storeFor(c echo.Context, name string) (vectorstore.Store, error) {
	if name == "" {
		name = s.config.DefaultCollection
	}
	c.Set(collectionKey, name)
	st, err := s.store(name)
	if err != nil {
		if errors.Is(err, vectorstore.ErrInvalidCollectionName) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("opening collection failed", zap.String("collection", name), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "collection unavailable")
	}
	return st, nil
}

// handleHealth reports liveness and the size of every opened collection.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Collections: s.counts(),
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req vectorstore.SearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Embedding) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "embedding field is required")
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	st, err := s.storeFor(c, req.Collection)
	if err != nil {
		return err
	}
	hits, err := st.Search(c.Request().Context(), req.Embedding, req.TopK)
	if err != nil {
		s.logger.Warn("search failed", zap.String("collection", req.Collection), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	if hits == nil {
		hits = []vectorstore.Hit{}
	}
	collection, _ := c.Get(collectionKey).(string)
	s.metrics.recordHits(c.Request().Context(), collection, len(hits))
	return c.JSON(http.StatusOK, vectorstore.SearchResponse{Results: hits})
}

func (s *Server) handleUpsert(c echo.Context) error {
	var req vectorstore.UpsertRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid upsert request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if vectorstore.IsZero(req.Embedding, 0) {
		return echo.NewHTTPError(http.StatusBadRequest, "embedding must be non-empty and non-zero")
	}

	st, err := s.storeFor(c, req.Collection)
	if err != nil {
		return err
	}
	id, err := st.Upsert(c.Request().Context(), vectorstore.Document{
		ID:       req.ID,
		Text:     req.Text,
		Vector:   req.Embedding,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.logger.Warn("upsert failed", zap.String("collection", req.Collection), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "upsert failed")
	}
	return c.JSON(http.StatusOK, vectorstore.UpsertResponse{ID: id})
}

func (s *Server) handleGet(c echo.Context) error {
	st, err := s.storeFor(c, c.QueryParam("collection"))
	if err != nil {
		return err
	}
	doc, err := st.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, vectorstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "get failed")
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleNeighbors(c echo.Context) error {
	st, err := s.storeFor(c, c.QueryParam("collection"))
	if err != nil {
		return err
	}
	neighbors, err := st.Neighbors(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, vectorstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	case errors.Is(err, vectorstore.ErrNeighborsUnsupported):
		return echo.NewHTTPError(http.StatusNotFound, "graph neighbors not supported")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "neighbors failed")
	}
	if neighbors == nil {
		neighbors = []vectorstore.Neighbor{}
	}
	return c.JSON(http.StatusOK, vectorstore.NeighborsResponse{Neighbors: neighbors})
}

// Handler exposes the routes for mounting in another server or httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting substrate server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server and closes opened stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down substrate server")
	err := s.echo.Shutdown(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range s.stores {
		if cerr := st.Close(); cerr != nil {
			s.logger.Warn("closing collection failed", zap.String("collection", name), zap.Error(cerr))
		}
	}
	return err
}
