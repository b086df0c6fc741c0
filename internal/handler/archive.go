package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/service"
	"github.com/sheetarchiver/api/pkg/response"
)

type ArchiveHandler struct {
	batch     *service.BatchService
	remote    *service.RemoteService
	validator *validator.Validate
}

func NewArchiveHandler(batch *service.BatchService, remote *service.RemoteService, v *validator.Validate) *ArchiveHandler {
	return &ArchiveHandler{
		batch:     batch,
		remote:    remote,
		validator: v,
	}
}

// Batch handles POST /api/archive/batch
func (h *ArchiveHandler) Batch(c *fiber.Ctx) error {
	var req model.BatchStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.batch.StartBatch(c.UserContext(), &req)
	if err != nil {
		return startError(c, err)
	}

	return response.Accepted(c, result)
}

// Remote handles POST /api/archive/remote
func (h *ArchiveHandler) Remote(c *fiber.Ctx) error {
	var req model.RemoteStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.remote.StartRemote(c.UserContext(), &req)
	if err != nil {
		return startError(c, err)
	}

	return response.Accepted(c, result)
}

func startError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidSheetURL):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrEstimateTooLarge):
		return response.EstimateTooLarge(c, err.Error())
	case errors.Is(err, service.ErrRemoteNotConfigured):
		return response.Unavailable(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
