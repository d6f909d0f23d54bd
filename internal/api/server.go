// Package api serves read-only views of the scheduler and the result store
// and accepts scan requests.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/CZERTAINLY/Lookout/internal/annotation"
	"github.com/CZERTAINLY/Lookout/internal/service"
	"github.com/CZERTAINLY/Lookout/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Results is the result store as seen by the API.
type Results interface {
	Exists(image string) (bool, error)
	IsFailure(image string) (bool, error)
	Read(image string) (store.Record, error)
	Delete(image string) error
}

// Queue is the scheduler as seen by the API.
type Queue interface {
	Enqueue(ctx context.Context, images []string) []string
	Snapshot() service.Snapshot
	Pending(image string) bool
}

// Version is served on /version.
type Version struct {
	Lookout string `json:"lookout"`
	Scanner string `json:"scanner,omitempty"`
}

// Deps are the components behind the API. Lister and History may be nil.
type Deps struct {
	Results   Results
	Queue     Queue
	Lister    service.Lister
	Annotator *annotation.Annotator
	History   *sql.DB
	Version   Version
}

// CustomValidator wraps the validator
type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	return cv.validator.Struct(i)
}

type Server struct {
	e    *echo.Echo
	deps Deps
}

func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Error != nil {
				level = slog.LevelWarn
			}
			slog.Log(c.Request().Context(), level, "request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.String(),
				"error", v.Error,
			)
			return nil
		},
	}))

	s := &Server{e: e, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/", s.index)
	s.e.GET("/health", s.health)
	s.e.GET("/version", s.version)
	s.e.GET("/images", s.images)
	s.e.GET("/results", s.results)
	s.e.GET("/scan", s.scanQuery)
	s.e.POST("/scan", s.scanBody)
	s.e.GET("/queue", s.queue)
	s.e.GET("/history", s.history)
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// Run serves on listen until ctx is canceled.
func (s *Server) Run(ctx context.Context, listen string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "listen", listen)
		errCh <- s.e.Start(listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := s.e.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	return err
}
