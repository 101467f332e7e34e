package mgmt

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/tracker"
)

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return writeProblem(c, ProblemDetail{Type: errType, Title: title, Status: status, Detail: detail})
}

func writeProblem(c *fiber.Ctx, p ProblemDetail) error {
	p.Instance = c.Path()
	return c.Status(p.Status).JSON(p, "application/problem+json")
}

// errorResponse maps a pipeline error onto a problem response.
func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	var (
		mErr  *perrors.ModelError
		vErr  *perrors.VCSError
		rbErr *tracker.RollbackError
	)
	switch {
	case errors.As(err, &rbErr):
		return writeProblem(c, ProblemDetail{
			Type:      "vcs_failure",
			Title:     "Bad Gateway",
			Status:    fiber.StatusBadGateway,
			Detail:    perrors.Reason(err),
			RevertSHA: rbErr.RevertSHA,
		})
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case perrors.IsConflict(err):
		return problemResponse(c, fiber.StatusConflict, "conflict", "Conflict", perrors.Reason(err))
	case errors.As(err, &mErr):
		return problemResponse(c, fiber.StatusBadGateway, "model_failure", "Bad Gateway", perrors.Reason(err))
	case errors.As(err, &vErr):
		return problemResponse(c, fiber.StatusBadGateway, "vcs_failure", "Bad Gateway", perrors.Reason(err))
	case errors.Is(err, perrors.ErrUnavailable), errors.Is(err, perrors.ErrTimeout):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", perrors.Reason(err))
	}
	s.logger.Error().Err(err).Str("path", c.Path()).Str("method", c.Method()).Msg("request failed")
	return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error",
		"An internal error occurred")
}

func badBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}
