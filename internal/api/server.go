// Package api exposes the HTTP surface: recorder ingestion, the realtime
// websocket endpoint, and prometheus metrics.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/errors"
	"github.com/trunkfeed/trunkfeed/internal/ingest"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/realtime"
)

// Server wires the echo router to the pipeline components.
type Server struct {
	Echo      *echo.Echo
	validator *ingest.Validator
	hub       *realtime.Hub
	settings  *conf.Settings
	logger    *slog.Logger
}

// New builds the router. The caller owns startup and shutdown.
func New(settings *conf.Settings, validator *ingest.Validator, hub *realtime.Hub) *Server {
	s := &Server{
		Echo:      echo.New(),
		validator: validator,
		hub:       hub,
		settings:  settings,
		logger:    logging.ForService("api"),
	}

	s.Echo.HideBanner = true
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(s.requestLogger)

	v1 := s.Echo.Group("/api/v1")
	v1.POST("/transmission", s.handleIngest)
	v1.GET("/ws", s.hub.HandleConnection)
	s.Echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Start runs the listener until the process shuts it down.
func (s *Server) Start() error {
	return s.Echo.Start(s.settings.Web.Address)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Debug("http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", c.RealIP(),
		)
		return err
	}
}

type ingestResponse struct {
	TransmissionID uint `json:"transmissionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleIngest accepts a multipart recorder submission: a "key" credential
// field, a "meta" JSON payload field, and an optional "audio" file part.
func (s *Server) handleIngest(c echo.Context) error {
	apiKey := c.FormValue("key")

	meta := c.FormValue("meta")
	if meta == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing meta field"})
	}
	var payload ingest.Payload
	if err := json.Unmarshal([]byte(meta), &payload); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unparseable meta field"})
	}

	var audio []byte
	fileName := ""
	if header, err := c.FormFile("audio"); err == nil {
		file, err := header.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable audio part"})
		}
		defer file.Close()
		if audio, err = io.ReadAll(file); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable audio part"})
		}
		fileName = header.Filename
	}

	id, err := s.validator.Ingest(c.Request().Context(), apiKey, &payload, audio, fileName)
	if err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, ingestResponse{TransmissionID: id})
}

// statusFor maps ingestion error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
