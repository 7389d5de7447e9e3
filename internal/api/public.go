package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/david/fundingfinder/internal/auth"
	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/models"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// parseListParams validates the listing query string.
func parseListParams(c echo.Context) (db.ListParams, error) {
	p := db.ListParams{
		Query:  strings.TrimSpace(c.QueryParam("q")),
		Source: strings.TrimSpace(c.QueryParam("source")),
		Mode:   strings.ToLower(strings.TrimSpace(c.QueryParam("mode"))),
		Limit:  defaultLimit,
	}
	errs := fieldErrors{}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			errs.add("limit", "must be an integer between 1 and 200")
		} else {
			p.Limit = n
		}
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs.add("offset", "must be a non-negative integer")
		} else {
			p.Offset = n
		}
	}
	if raw := c.QueryParam("min_score"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			errs.add("min_score", "must be an integer between 0 and 100")
		} else {
			p.MinScore = n
		}
	}
	if !db.ValidMode(p.Mode) {
		errs.add("mode", "must be one of smart, exact, any")
	}
	return p, errs.err()
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	params, err := parseListParams(c)
	if err != nil {
		return s.fail(c, err)
	}
	result, err := s.store.ListOpportunities(c.Request().Context(), params)
	if err != nil {
		return s.fail(c, err)
	}
	if result == nil {
		result = []models.ListedOpportunity{}
	}
	return c.JSON(http.StatusOK, result)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fieldErrors{"id": "must be a UUID"}.err()
	}
	return id, nil
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.fail(c, err)
	}
	opp, err := s.store.GetOpportunity(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleListVersions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.fail(c, err)
	}
	versions, err := s.store.ListVersions(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	if len(versions) == 0 {
		return s.fail(c, db.ErrNotFound)
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) handleSourceHealth(c echo.Context) error {
	window := 20
	if raw := c.QueryParam("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return s.fail(c, fieldErrors{"window": "must be an integer between 1 and 500"}.err())
		}
		window = n
	}
	health, err := s.store.SourceHealth(c.Request().Context(), window)
	if err != nil {
		return s.fail(c, err)
	}
	if health == nil {
		health = []models.SourceHealth{}
	}
	return c.JSON(http.StatusOK, health)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if req.Password == "" {
		return s.fail(c, fieldErrors{"password": "is required"}.err())
	}

	resp, err := s.auth.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCreds):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
	case errors.Is(err, auth.ErrLoginDisabled):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case err != nil:
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
