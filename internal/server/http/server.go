// Package httpserver serves uploaded blobs over plain HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
)

// BlobReader loads stored blobs.
type BlobReader interface {
	Get(ctx context.Context, path string) (*model.Blob, error)
}

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// New builds the echo instance serving GET /blobs/* and GET /healthz.
func New(blobs BlobReader, health HealthFunc, log *zap.Logger) *echo.Echo {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("http",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("dur", v.Latency),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	h := &handlers{blobs: blobs, health: health, log: log}
	e.GET("/blobs/*", h.blob)
	e.GET("/healthz", h.healthz)
	return e
}

type handlers struct {
	blobs  BlobReader
	health HealthFunc
	log    *zap.Logger
}

func (h *handlers) blob(c echo.Context) error {
	p, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad path")
	}
	b, err := h.blobs.Get(c.Request().Context(), p)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "bad path")
	case err != nil:
		h.log.Error("blob read failed", zap.String("path", p), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal")
	}

	resp := c.Response().Header()
	resp.Set("Cache-Control", "public, max-age=300")
	resp.Set("Content-Length", strconv.Itoa(len(b.Data)))
	if !b.UpdatedAt.IsZero() {
		resp.Set("Last-Modified", b.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	return c.Blob(http.StatusOK, b.ContentType, b.Data)
}

func (h *handlers) healthz(c echo.Context) error {
	if h.health == nil {
		return c.String(http.StatusOK, "ok")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.health(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		return c.String(http.StatusServiceUnavailable, "unavailable")
	}
	return c.String(http.StatusOK, "ok")
}
