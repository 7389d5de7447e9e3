package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/orchestrator"
)

type syncRequest struct {
	SourceID    string `json:"source_id"`
	URLOverride string `json:"url_override"`
	MaxNotices  int    `json:"max_notices"`
}

func (r *syncRequest) validate(errs fieldErrors) {
	r.SourceID = strings.TrimSpace(r.SourceID)
	r.URLOverride = strings.TrimSpace(r.URLOverride)
	if r.URLOverride != "" && !isHTTPURL(r.URLOverride) {
		errs.add("url_override", "must be an absolute http(s) URL")
	}
	if r.URLOverride != "" && r.SourceID == "" {
		errs.add("url_override", "requires source_id")
	}
	if r.MaxNotices < 0 {
		errs.add("max_notices", "must not be negative")
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// checkSource turns an unknown source id into a 404 before any work starts.
func (s *Server) checkSource(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if src.ID == id {
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *Server) handleStartSync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	errs := fieldErrors{}
	req.validate(errs)
	if err := errs.err(); err != nil {
		return s.fail(c, err)
	}
	ctx := c.Request().Context()
	if err := s.checkSource(ctx, req.SourceID); err != nil {
		return s.fail(c, err)
	}

	corrID := uuid.NewString()
	s.runBackground(ctx, corrID, func(ctx context.Context) (any, error) {
		report, err := s.cycles.RunCycle(ctx, orchestrator.CycleOptions{
			SourceID:      req.SourceID,
			URLOverride:   req.URLOverride,
			MaxNotices:    req.MaxNotices,
			CorrelationID: corrID,
		})
		return report, err
	})

	return c.JSON(http.StatusAccepted, map[string]string{
		"status":         "started",
		"correlation_id": corrID,
		"poll":           "/api/v1/admin/sync/" + corrID,
	})
}

func (s *Server) handleSyncStatus(c echo.Context) error {
	job, ok := s.job(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleListShortlist(c echo.Context) error {
	entries, err := s.store.ListShortlist(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if entries == nil {
		entries = []models.ShortlistEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

type shortlistRequest struct {
	OpportunityID string `json:"opportunity_id" query:"opportunity_id"`
	Note          string `json:"note"`
}

func (r shortlistRequest) id() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.OpportunityID))
	if err != nil {
		return uuid.Nil, fieldErrors{"opportunity_id": "must be a UUID"}.err()
	}
	return id, nil
}

func (s *Server) handleAddShortlist(c echo.Context) error {
	var req shortlistRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	id, err := req.id()
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.store.AddShortlist(c.Request().Context(), id, strings.TrimSpace(req.Note)); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"opportunity_id": id.String()})
}

func (s *Server) handleRemoveShortlist(c echo.Context) error {
	var req shortlistRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	id, err := req.id()
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.store.RemoveShortlist(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type analyzeRequest struct {
	IDs []string `json:"ids"`
}

// handleAnalyzeShortlist queues document jobs for the given ids, or for the
// whole shortlist when none are given.
func (s *Server) handleAnalyzeShortlist(c echo.Context) error {
	if s.dispatcher == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "document jobs are not configured"})
	}
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return s.fail(c, fieldErrors{"ids": "must contain only UUIDs"}.err())
		}
		ids = append(ids, id)
	}

	ctx := c.Request().Context()
	opps, err := s.store.ShortlistedOpportunities(ctx, ids)
	if err != nil {
		return s.fail(c, err)
	}

	corrID := uuid.NewString()
	jobs := make([]models.PdfJob, 0, len(opps))
	for _, o := range opps {
		jobs = append(jobs, orchestrator.NewJob(o, corrID))
	}
	created, published := s.dispatcher.Dispatch(ctx, jobs)

	return c.JSON(http.StatusAccepted, map[string]any{
		"status":         "queued",
		"correlation_id": corrID,
		"jobs_created":   created,
		"jobs_published": published,
	})
}

func (s *Server) handleListRules(c echo.Context) error {
	rules, err := s.store.ListExclusionRules(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if rules == nil {
		rules = []models.ExclusionRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

type ruleRequest struct {
	RuleType string `json:"rule_type"`
	Value    string `json:"value"`
}

func (s *Server) handleCreateRule(c echo.Context) error {
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	errs := fieldErrors{}
	switch req.RuleType {
	case models.RuleExcludedBureau, models.RulePriorityAgency:
	default:
		errs.add("rule_type", "must be excluded_bureau or priority_agency")
	}
	req.Value = strings.TrimSpace(req.Value)
	if req.Value == "" {
		errs.add("value", "is required")
	}
	if err := errs.err(); err != nil {
		return s.fail(c, err)
	}

	rule, err := s.store.CreateExclusionRule(c.Request().Context(), req.RuleType, req.Value)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleDisableRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.store.DisableExclusionRule(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListSources(c echo.Context) error {
	sources, err := s.store.ListSources(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if sources == nil {
		sources = []models.FundingSource{}
	}
	return c.JSON(http.StatusOK, sources)
}

func (s *Server) handlePatchSource(c echo.Context) error {
	var patch db.SourcePatch
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "Invalid request")
	}
	errs := fieldErrors{}
	if patch.Empty() {
		errs.add("body", "no editable field given")
	}
	if patch.AutoURL != nil && strings.TrimSpace(*patch.AutoURL) != "" && !isHTTPURL(strings.TrimSpace(*patch.AutoURL)) {
		errs.add("auto_url", "must be an absolute http(s) URL")
	}
	if patch.MaxNotices != nil && *patch.MaxNotices < 0 {
		errs.add("max_notices", "must not be negative")
	}
	if err := errs.err(); err != nil {
		return s.fail(c, err)
	}

	src, err := s.store.UpdateSource(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, src)
}

type toggleRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleToggleSources(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if req.Active == nil {
		return s.fail(c, fieldErrors{"active": "is required"}.err())
	}
	n, err := s.store.SetAllSourcesActive(c.Request().Context(), *req.Active)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"active": *req.Active, "updated": n})
}

type taskRequest struct {
	Type string `json:"type"`
	syncRequest
}

func (s *Server) handleEnqueueTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	errs := fieldErrors{}
	if req.Type == "" {
		req.Type = models.TaskSyncSource
	}
	if req.Type != models.TaskSyncSource {
		errs.add("type", "must be sync_source")
	}
	req.validate(errs)
	if err := errs.err(); err != nil {
		return s.fail(c, err)
	}
	ctx := c.Request().Context()
	if err := s.checkSource(ctx, req.SourceID); err != nil {
		return s.fail(c, err)
	}

	task, err := s.store.EnqueueTask(ctx, req.Type, models.SyncTaskPayload{
		SourceID:    req.SourceID,
		URLOverride: req.URLOverride,
		MaxNotices:  req.MaxNotices,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, task)
}
