// Package api exposes the upload, batch, repair and search operations
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/variant-annotator-server/internal/config"
	"github.com/variant-annotator-server/internal/domain"
	"github.com/variant-annotator-server/internal/middleware"
	"github.com/variant-annotator-server/internal/parser"
	"github.com/variant-annotator-server/internal/pipeline"
	"github.com/variant-annotator-server/internal/search"
)

// Server is the HTTP server for the variant annotation service.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	search   *search.Service
	log      *logrus.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server instance.
func NewServer(cfg *config.Config, pl *pipeline.Pipeline, searchSvc *search.Service, logger *logrus.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware())

	server := &Server{
		cfg:      cfg,
		pipeline: pl,
		search:   searchSvc,
		log:      logger,
		router:   router,
	}

	server.setupRoutes()

	return server
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until the context is canceled, then shuts
// it down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/uploads", s.handleUpload)
		v1.GET("/batches", s.handleListBatches)
		v1.GET("/batches/:id", s.handleGetBatch)
		v1.POST("/batches/:id/repair", s.handleRepair)
		v1.GET("/search", s.handleSearch)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleUpload accepts a variant file, queues it for processing and
// acknowledges with the batch ID. Annotation continues after the
// response is sent.
func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.respondError(c, domain.NewRequestError("file", "multipart field 'file' is required"))
		return
	}

	patientID := c.PostForm("patient_id")
	if patientID == "" {
		patientID = parser.PatientIDFromFilename(fileHeader.Filename)
	}
	if patientID == "" {
		s.respondError(c, domain.NewRequestError("patient_id", "patient identifier could not be derived from the filename"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.respondError(c, fmt.Errorf("opening upload: %w", err))
		return
	}
	defer file.Close()

	batchID, err := s.pipeline.Enqueue(file, patientID, fileHeader.Filename)
	if err != nil {
		var malformedErr *domain.MalformedRecordError
		if errors.As(err, &malformedErr) {
			s.respondError(c, domain.NewRequestError("file", malformedErr.Error()))
			return
		}
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":   batchID,
		"patient_id": patientID,
		"state":      domain.BatchQueued,
	})
}

func (s *Server) handleListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"batches": s.pipeline.Tracker().Summaries()})
}

func (s *Server) handleGetBatch(c *gin.Context) {
	batch, ok := s.pipeline.Tracker().Get(c.Param("id"))
	if !ok {
		s.respondError(c, fmt.Errorf("batch %s: %w", c.Param("id"), domain.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, batch.Summary())
}

func (s *Server) handleRepair(c *gin.Context) {
	summary, err := s.pipeline.Repair(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSearch(c *gin.Context) {
	mode, err := domain.ParseSearchMode(c.Query("mode"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	result, err := s.search.Search(c.Request.Context(), domain.SearchQuery{
		Mode:  mode,
		Value: c.Query("value"),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// respondError maps domain errors onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsRequestError(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case domain.IsServiceUnavailable(err):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"error": err,
		}).Error("Request failed")
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware adds a unique request ID to each request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}
