package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vanpelt/catterm/internal/models"
	"github.com/vanpelt/catterm/internal/naming"
	"github.com/vanpelt/catterm/internal/services"
	"github.com/vanpelt/catterm/internal/tmux"
)

var (
	errMalformedRequest = errors.New("malformed request")
	errUnknownIntent    = errors.New("unknown intent")
	errRateLimited      = errors.New("rate limit exceeded")
)

// classify maps a failure to a short client-facing message and HTTP status
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, errMalformedRequest), errors.Is(err, errUnknownIntent):
		return "bad request", fiber.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return "rate limit exceeded", fiber.StatusTooManyRequests
	case errors.Is(err, services.ErrInvalidSessionName),
		errors.Is(err, naming.ErrInvalidName),
		errors.Is(err, naming.ErrReservedSession):
		return "invalid session name", fiber.StatusBadRequest
	case errors.Is(err, services.ErrSessionNotFound):
		return "session not found", fiber.StatusNotFound
	case errors.Is(err, services.ErrTerminalNotActive):
		return "terminal not active", fiber.StatusConflict
	case errors.Is(err, services.ErrSystemOverload):
		return "too many sessions", fiber.StatusServiceUnavailable
	case errors.Is(err, services.ErrSessionCreateFailed):
		return "failed to create session", fiber.StatusInternalServerError
	case errors.Is(err, tmux.ErrCommandFailed):
		return "multiplexer command failed", fiber.StatusInternalServerError
	default:
		return "request failed", fiber.StatusInternalServerError
	}
}

func errorPayload(err error) models.ErrorPayload {
	msg, _ := classify(err)
	return models.ErrorPayload{Message: msg, Details: err.Error()}
}

// jsonError writes err as a REST error body
func jsonError(c *fiber.Ctx, err error) error {
	msg, status := classify(err)
	return c.Status(status).JSON(fiber.Map{
		"error":   msg,
		"details": err.Error(),
	})
}
