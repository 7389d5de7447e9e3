package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/db"
)

// fieldErrors collects per-field validation messages.
type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return validationError{fields: f}
}

type validationError struct {
	fields fieldErrors
}

func (v validationError) Error() string { return "validation failed" }

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// fail maps an error to a response. Validation errors carry their fields;
// db.ErrNotFound is a 404; anything else is logged and hidden.
func (s *Server) fail(c echo.Context, err error) error {
	var v validationError
	switch {
	case errors.As(err, &v):
		return c.JSON(http.StatusBadRequest, map[string]any{"error": v.Error(), "fields": v.fields})
	case errors.Is(err, db.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}
