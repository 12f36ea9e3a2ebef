package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/drape/internal/inference"
	"github.com/samcharles93/drape/internal/logger"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/webui"
)

type Server struct {
	store   *JobStore
	service *GenerationService
	models  interface{ ListModels() ([]string, error) }
	clock   func() time.Time
	wg      sync.WaitGroup
}

func NewServer(store *JobStore, service *GenerationService) *Server {
	if store == nil {
		store = NewJobStore()
	}
	s := &Server{
		store:   store,
		service: service,
		clock:   time.Now,
	}
	if service != nil {
		if lister, ok := service.provider.(interface{ ListModels() ([]string, error) }); ok {
			s.models = lister
		}
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/schedulers", s.handleSchedulers)
	e.GET("/v1/models", s.handleModels)

	e.POST("/v1/images/generations", s.handleCreateGeneration)
	e.GET("/v1/images/generations/:id", s.handleGetGeneration)
	e.POST("/v1/images/generations/:id/cancel", s.handleCancelGeneration)
	e.DELETE("/v1/images/generations/:id", s.handleDeleteGeneration)
}

// Wait blocks until every background generation has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleIndex(c *echo.Context) error {
	return c.HTML(http.StatusOK, webui.IndexHTML())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedulers(c *echo.Context) error {
	entries := schedule.Entries()
	out := ListResponse[SchedulerInfo]{Object: "list", Data: make([]SchedulerInfo, 0, len(entries))}
	for _, e := range entries {
		out.Data = append(out.Data, SchedulerInfo{
			ID:          string(e.Variant),
			Object:      "scheduler",
			Description: e.Description,
			Eta:         e.Caps.Eta,
			Generator:   e.Caps.Generator,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleModels(c *echo.Context) error {
	out := ListResponse[string]{Object: "list", Data: []string{}}
	if s.models != nil {
		models, err := s.models.ListModels()
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
		}
		out.Data = append(out.Data, models...)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateGeneration(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generation service not configured", "", "")
	}
	req, err := decodeJSON[GenerationRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.ReferenceImage == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "reference_image is required", "reference_image", "")
	}

	now := s.clock()
	resp := GenerationResponse{
		ID:         newGenerationID(),
		Object:     "image.generation",
		CreatedAt:  now.Unix(),
		Status:     StatusInProgress,
		Background: req.Background != nil && *req.Background,
		Model:      req.Model,
		Data:       []ImageData{},
	}

	if resp.Background {
		// The job outlives the request but keeps its logger.
		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
		resp.Status = StatusQueued
		s.store.Create(resp, cancel)
		s.wg.Go(func() {
			defer cancel()
			s.runJob(ctx, resp.ID, &req)
		})
		return c.JSON(http.StatusOK, resp)
	}

	out, err := s.service.Generate(c.Request().Context(), &req, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeInvalid(c, err)
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	complete(&resp, out, s.clock())
	s.store.Create(resp, nil)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) runJob(ctx context.Context, id string, req *GenerationRequest) {
	log := logger.FromContext(ctx).With("generation", id)
	s.store.Update(id, func(r *GenerationResponse) { r.Status = StatusInProgress })

	out, err := s.service.Generate(ctx, req, func(p inference.Progress) {
		s.store.Update(id, func(r *GenerationResponse) {
			r.Progress = &GenerationProgress{Step: p.Step, Total: p.Total, Timestep: p.Timestep}
		})
	})
	now := s.clock()
	if err != nil {
		if ctx.Err() != nil {
			log.Info("generation cancelled")
			return
		}
		log.Warn("generation failed", "error", err)
		s.store.Update(id, func(r *GenerationResponse) {
			completedAt := now.Unix()
			r.Status = StatusFailed
			r.CompletedAt = &completedAt
			errType := "server_error"
			if errors.Is(err, ErrInvalidRequest) {
				errType = "invalid_request_error"
			}
			r.Error = &ResponseError{Message: err.Error(), Type: errType, Param: errorParam(err)}
		})
		return
	}
	s.store.Update(id, func(r *GenerationResponse) { complete(r, out, now) })
	log.Info("generation completed", "images", len(out.Data))
}

func complete(r *GenerationResponse, out *generationOutcome, now time.Time) {
	completedAt := now.Unix()
	r.Status = StatusCompleted
	r.CompletedAt = &completedAt
	r.Data = out.Data
	r.Seed = out.Seed
	r.Usage = out.Usage
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	if streamParam(c) {
		return s.streamProgress(c, id)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancelGeneration(c *echo.Context) error {
	resp, ok := s.store.Cancel(c.Param("id"), s.clock())
	if !ok || resp == nil {
		return writeNotFound(c, "generation not found")
	}
	if !resp.Background {
		return writeBadRequest(c, "only background generations can be cancelled")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, DeleteGenerationResp{
		ID:      id,
		Object:  "image.generation",
		Deleted: true,
	})
}
