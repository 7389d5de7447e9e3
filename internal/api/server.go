package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/auth"
	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/orchestrator"
)

// Store is the part of *db.Store the API reads and edits.
type Store interface {
	ListOpportunities(ctx context.Context, p db.ListParams) ([]models.ListedOpportunity, error)
	GetOpportunity(ctx context.Context, id uuid.UUID) (*models.OpportunityDetail, error)
	ListVersions(ctx context.Context, id uuid.UUID) ([]models.OpportunityVersion, error)
	SourceHealth(ctx context.Context, window int) ([]models.SourceHealth, error)

	ListShortlist(ctx context.Context) ([]models.ShortlistEntry, error)
	AddShortlist(ctx context.Context, oppID uuid.UUID, note string) error
	RemoveShortlist(ctx context.Context, oppID uuid.UUID) error
	ShortlistedOpportunities(ctx context.Context, ids []uuid.UUID) ([]models.Opportunity, error)

	ListExclusionRules(ctx context.Context) ([]models.ExclusionRule, error)
	CreateExclusionRule(ctx context.Context, ruleType, value string) (models.ExclusionRule, error)
	DisableExclusionRule(ctx context.Context, id uuid.UUID) error

	ListSources(ctx context.Context) ([]models.FundingSource, error)
	UpdateSource(ctx context.Context, id string, p db.SourcePatch) (*models.FundingSource, error)
	SetAllSourcesActive(ctx context.Context, active bool) (int64, error)

	EnqueueTask(ctx context.Context, taskType string, payload any) (models.Task, error)
}

// Dispatcher persists and publishes document jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []models.PdfJob) (created, published int)
}

type Deps struct {
	Store       Store
	Auth        *auth.Service
	Cycles      orchestrator.CycleRunner
	Dispatcher  Dispatcher
	CORSOrigins []string
	// SyncTimeout bounds a sync started from the admin API.
	SyncTimeout time.Duration
	Logger      *zap.Logger
}

type Server struct {
	Echo *echo.Echo

	store      Store
	auth       *auth.Service
	cycles     orchestrator.CycleRunner
	dispatcher Dispatcher
	syncTTL    time.Duration
	log        *zap.Logger

	// Background sync tracking, keyed by correlation id.
	jobMu sync.Mutex
	jobs  map[string]*backgroundJob
	wg    sync.WaitGroup
}

type backgroundJob struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // running, completed, failed
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

const maxTrackedJobs = 50

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.SyncTimeout <= 0 {
		deps.SyncTimeout = 30 * time.Minute
	}
	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:4200"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.AdminSecretHeader},
	}))

	s := &Server{
		Echo:       e,
		store:      deps.Store,
		auth:       deps.Auth,
		cycles:     deps.Cycles,
		dispatcher: deps.Dispatcher,
		syncTTL:    deps.SyncTimeout,
		log:        deps.Logger.Named("api"),
		jobs:       make(map[string]*backgroundJob),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/opportunities/:id/versions", s.handleListVersions)
	api.GET("/sources/health", s.handleSourceHealth)
	api.POST("/auth/login", s.handleLogin)

	admin := api.Group("/admin")
	admin.Use(s.auth.Middleware)
	admin.POST("/sync", s.handleStartSync)
	admin.GET("/sync/:id", s.handleSyncStatus)

	admin.GET("/shortlist", s.handleListShortlist)
	admin.POST("/shortlist", s.handleAddShortlist)
	admin.DELETE("/shortlist", s.handleRemoveShortlist)
	admin.POST("/shortlist/analyze", s.handleAnalyzeShortlist)

	admin.GET("/exclusion-rules", s.handleListRules)
	admin.POST("/exclusion-rules", s.handleCreateRule)
	admin.DELETE("/exclusion-rules/:id", s.handleDisableRule)

	admin.GET("/sources", s.handleListSources)
	admin.PATCH("/sources/:id", s.handlePatchSource)
	admin.POST("/sources/toggle-all", s.handleToggleSources)

	admin.POST("/tasks", s.handleEnqueueTask)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// runBackground starts fn detached from the request and records its
// outcome under id.
func (s *Server) runBackground(parent context.Context, id string, fn func(ctx context.Context) (any, error)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.syncTTL)
	job := &backgroundJob{ID: id, Status: "running", StartedAt: time.Now()}

	s.jobMu.Lock()
	s.pruneJobsLocked()
	s.jobs[id] = job
	s.jobMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		result, err := fn(ctx)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		job.Result = result
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			s.log.Warn("background sync failed", zap.String("correlation_id", id), zap.Error(err))
			return
		}
		job.Status = "completed"
		s.log.Info("background sync completed", zap.String("correlation_id", id))
	}()
}

// pruneJobsLocked drops the oldest finished jobs once the table is full.
func (s *Server) pruneJobsLocked() {
	for len(s.jobs) >= maxTrackedJobs {
		var oldest *backgroundJob
		for _, j := range s.jobs {
			if j.Status == "running" {
				continue
			}
			if oldest == nil || j.StartedAt.Before(oldest.StartedAt) {
				oldest = j
			}
		}
		if oldest == nil {
			return
		}
		delete(s.jobs, oldest.ID)
	}
}

func (s *Server) job(id string) (backgroundJob, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return backgroundJob{}, false
	}
	return *j, true
}

// Wait blocks until background syncs have finished.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) Start(addr string) error {
	err := s.Echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running syncs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
