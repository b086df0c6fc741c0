package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/sheetarchiver/api/internal/service"
	"github.com/sheetarchiver/api/pkg/response"
)

type JobHandler struct {
	service *service.JobService
}

func NewJobHandler(svc *service.JobService) *JobHandler {
	return &JobHandler{service: svc}
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"jobs": h.service.List(c.UserContext())})
}
