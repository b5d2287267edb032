// Package server exposes the ingestion and query pipelines over HTTP,
// WebSocket and MCP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/internal/types"
	"github.com/xhad/formulary/pkg/pipeline"
	"github.com/xhad/formulary/pkg/retry"
)

type Config struct {
	UploadDir      string
	MaxUploadBytes int64
	QueryRateLimit float64
	QueryBurst     int
	Auth           AuthConfig
	Retry          retry.Policy
}

type Server struct {
	config    Config
	ingestion *pipeline.Ingestion
	query     *pipeline.Query
	records   types.RecordStore
	logger    zerolog.Logger
	echo      *echo.Echo

	// queries is shared by HTTP queries and WebSocket messages.
	queries *callerLimiter
}

// New builds the HTTP server. records may be nil.
func New(config Config, ingestion *pipeline.Ingestion, query *pipeline.Query, records types.RecordStore, logger zerolog.Logger) (*Server, error) {
	if ingestion == nil || query == nil {
		return nil, errors.New("server: ingestion and query pipelines are required")
	}
	if config.UploadDir == "" {
		return nil, errors.New("server: upload directory is required")
	}
	if len(config.Auth.Secret) == 0 && !config.Auth.Dev {
		return nil, errors.New("server: jwt secret is required outside development")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 64 << 20
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy
	}

	s := &Server{
		config:    config,
		ingestion: ingestion,
		query:     query,
		records:   records,
		logger:    logger,
		queries:   newCallerLimiter(config.QueryRateLimit, config.QueryBurst),
	}
	s.echo = s.routes()
	return s, nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(Recovery(s.logger))
	e.Use(RequestID())
	e.Use(Logger(s.logger))

	e.GET("/health", s.handleHealth)

	api := e.Group("/api", Authenticate(s.config.Auth))
	api.POST("/upload-knmf/", s.handleUpload,
		RequireRole(models.RoleSuperAdmin),
		echomw.BodyLimit(strconv.FormatInt(s.config.MaxUploadBytes, 10)))
	api.GET("/ingestion/status", s.handleStatus, RequireRole(models.RoleSuperAdmin))
	api.GET("/answers/recent", s.handleRecentAnswers, RequireRole(models.RoleSuperAdmin))

	doctor := RequireRole(models.RoleDoctor)
	api.POST("/query-dosage/", s.handleQuery, doctor, rateLimit(s.queries))
	// The upgrade is free; handleWebSocket charges every query message.
	api.GET("/ws/query-dosage", s.handleWebSocket, doctor)

	return e
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// httpError translates a pipeline error into a response status. Retryable
// failures carry a Retry-After hint.
func (s *Server) httpError(c echo.Context, err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	kind := models.KindOf(err)
	switch {
	case errors.Is(kind, models.ErrIndexNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no formulary has been ingested yet")
	case errors.Is(kind, models.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(kind, models.ErrDocumentUnreadable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "document could not be read: "+err.Error())
	case errors.Is(kind, models.ErrIngestionBusy):
		c.Response().Header().Set("Retry-After", retryAfter(s.config.Retry))
		return echo.NewHTTPError(http.StatusConflict, "an ingestion is already in progress")
	case errors.Is(kind, models.ErrModelMismatch):
		return echo.NewHTTPError(http.StatusConflict, "the index was built with a different embedding model; re-ingest the formulary")
	case models.IsRetryable(err):
		c.Response().Header().Set("Retry-After", retryAfter(s.config.Retry))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "model service unavailable, try again later")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	}

	s.logger.Error().Err(err).Str("request_id", requestID(c)).Msg("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func retryAfter(p retry.Policy) string {
	return strconv.Itoa(max(1, int(p.Delay(1).Round(time.Second)/time.Second)))
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
