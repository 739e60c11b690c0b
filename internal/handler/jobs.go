package handler

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/repository"
	"github.com/lexibooks/api/internal/service"
	"github.com/lexibooks/api/pkg/response"
)

type JobsHandler struct {
	service   *service.QueueService
	validator *validator.Validate
}

func NewJobsHandler(svc *service.QueueService, v *validator.Validate) *JobsHandler {
	return &JobsHandler{
		service:   svc,
		validator: v,
	}
}

// Enqueue handles POST /api/jobs
func (h *JobsHandler) Enqueue(c *fiber.Ctx) error {
	var req model.EnqueueJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.EnqueueJob(c.Context(), &req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.Accepted(c, job)
}

// Status handles GET /api/jobs/:jobId
func (h *JobsHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetJobStatus(c.Context(), jobID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, job)
}

// Result handles GET /api/jobs/:jobId/result
func (h *JobsHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetJobResult(c.Context(), jobID)
	if err != nil {
		return mapServiceError(c, err)
	}
	if !job.Status.IsTerminal() {
		return response.ValidationError(c, "Job not finished yet", nil)
	}
	if len(job.Result) == 0 {
		return response.OK(c, fiber.Map{"jobId": job.ID, "status": job.Status})
	}

	var result map[string]any
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return response.ServiceError(c, "Failed to decode job result")
	}
	return response.OK(c, fiber.Map{
		"jobId":  job.ID,
		"status": job.Status,
		"result": result,
	})
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.CancelJob(c.Context(), jobID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, job)
}

// Retry handles POST /api/jobs/:jobId/retry
func (h *JobsHandler) Retry(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	var req model.RetryJobRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
		if err := h.validator.Struct(&req); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	job, err := h.service.RetryJob(c.Context(), jobID, req.Priority)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.Accepted(c, job)
}

// List handles GET /api/jobs
func (h *JobsHandler) List(c *fiber.Ctx) error {
	var query model.ListJobsQuery
	if err := c.QueryParser(&query); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}

	jobs, err := h.service.ListJobs(c.Context(), &query)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, fiber.Map{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Stats handles GET /api/jobs/stats
func (h *JobsHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.GetQueueStats(c.Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, stats)
}

// mapServiceError maps repository sentinels to HTTP conditions; everything
// else passes through unchanged as a service error.
func mapServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, repository.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, repository.ErrJobAlreadyExists):
		return response.Conflict(c, err.Error())
	case errors.Is(err, repository.ErrInvalidTransition):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, repository.ErrQueueConnection):
		return response.Unavailable(c, "Queue store unreachable")
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
