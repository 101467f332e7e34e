package mgmt

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/incept/internal/automode"
	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/store"
)

// project resolves the :id route parameter, which may be an id or a slug.
func (s *Server) project(c *fiber.Ctx) (*store.Project, error) {
	return s.deps.Store.GetProject(c.UserContext(), c.Params("id"))
}

// --- Projects ---

func (s *Server) createProject(c *fiber.Ctx) error {
	var in store.CreateProjectInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c, err)
	}
	if strings.TrimSpace(in.Name) == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_name", "Bad Request", "Project name is required")
	}
	p, err := s.deps.Store.CreateProject(c.UserContext(), in)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) listProjects(c *fiber.Ctx) error {
	projects, err := s.deps.Store.ListProjects(c.UserContext(), c.Query("status"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(ProjectListResponse{Projects: nonNil(projects)})
}

func (s *Server) getProject(c *fiber.Ctx) error {
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(p)
}

func (s *Server) updateProject(c *fiber.Ctx) error {
	var in store.UpdateProjectInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c, err)
	}
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	p, err = s.deps.Store.UpdateProject(c.UserContext(), p.ID, in)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(p)
}

// --- Requests ---

func (s *Server) createRequest(c *fiber.Ctx) error {
	var body CreateRequestBody
	if err := c.BodyParser(&body); err != nil {
		return badBody(c, err)
	}
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	r, err := s.deps.Store.CreateRequest(c.UserContext(), store.NewRequest{
		ProjectID: p.ID,
		Text:      body.Text,
		AutoPush:  boolOr(body.AutoPush, true),
	})
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(r)
}

func (s *Server) listRequests(c *fiber.Ctx) error {
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	reqs, err := s.deps.Store.ListRequests(c.UserContext(), store.RequestFilter{
		ProjectID: p.ID,
		Status:    store.RequestStatus(c.Query("status")),
		Limit:     c.QueryInt("limit", 50),
	})
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(RequestListResponse{Requests: nonNil(reqs)})
}

func (s *Server) getRequest(c *fiber.Ctx) error {
	r, err := s.deps.Store.GetRequest(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(r)
}

func (s *Server) requestLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.deps.Store.GetRequest(c.UserContext(), id); err != nil {
		return s.errorResponse(c, err)
	}
	logs, err := s.deps.Store.ListRequestLogs(c.UserContext(), id, c.QueryInt("limit", 200))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(RequestLogsResponse{RequestID: id, Logs: nonNil(logs)})
}

func (s *Server) resubmitRequest(c *fiber.Ctx) error {
	r, err := s.deps.Store.ResubmitRequest(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(r)
}

func (s *Server) cancelRequest(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if err := s.deps.Store.CancelRequest(ctx, id); err != nil {
		return s.errorResponse(c, err)
	}
	r, err := s.deps.Store.GetRequest(ctx, id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(r)
}

// --- Suggestions ---

func (s *Server) generateSuggestions(c *fiber.Ctx) error {
	var body GenerateSuggestionsBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return badBody(c, err)
		}
	}
	if body.Count == 0 {
		body.Count = automode.BatchSize
	}
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	if s.deps.Suggester == nil {
		return s.errorResponse(c, fmt.Errorf("%w: no suggester configured", perrors.ErrUnavailable))
	}
	out, err := s.deps.Suggester.Generate(c.UserContext(), p, body.Direction, body.Count, "")
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SuggestionListResponse{Suggestions: nonNil(out)})
}

func (s *Server) listSuggestions(c *fiber.Ctx) error {
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	out, err := s.deps.Store.ListSuggestions(c.UserContext(), store.SuggestionFilter{
		ProjectID:     p.ID,
		AutoSessionID: c.Query("session"),
		Status:        store.SuggestionStatus(c.Query("status")),
	})
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(SuggestionListResponse{Suggestions: nonNil(out)})
}

func (s *Server) getSuggestion(c *fiber.Ctx) error {
	sg, err := s.deps.Store.GetSuggestion(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sg)
}

func (s *Server) approveSuggestion(c *fiber.Ctx) error {
	return s.transitionSuggestion(c, s.deps.Store.ApproveSuggestion)
}

func (s *Server) rejectSuggestion(c *fiber.Ctx) error {
	return s.transitionSuggestion(c, s.deps.Store.RejectSuggestion)
}

func (s *Server) transitionSuggestion(c *fiber.Ctx, fn func(ctx context.Context, id string) error) error {
	id := c.Params("id")
	if err := fn(c.UserContext(), id); err != nil {
		return s.errorResponse(c, err)
	}
	return s.getSuggestion(c)
}

// implementSuggestion queues a request for an accepted suggestion.
func (s *Server) implementSuggestion(c *fiber.Ctx) error {
	var body ImplementSuggestionBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return badBody(c, err)
		}
	}
	ctx := c.UserContext()
	sg, err := s.deps.Store.GetSuggestion(ctx, c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	r, err := s.deps.Store.SubmitSuggestion(ctx, sg.ID, automode.RequestText(sg), boolOr(body.AutoPush, true))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(r)
}

// --- Improvements ---

func (s *Server) listImprovements(c *fiber.Ctx) error {
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	imps, err := s.deps.Store.ListImprovements(c.UserContext(), p.ID)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(ImprovementListResponse{Improvements: nonNil(imps)})
}

func (s *Server) improvementSummary(c *fiber.Ctx) error {
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	sum, err := s.deps.Store.SummarizeImprovements(c.UserContext(), p.ID)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sum)
}

// getImprovement returns an improvement; ?verify=true also checks its
// commit against the project's history.
func (s *Server) getImprovement(c *fiber.Ctx) error {
	ctx := c.UserContext()
	imp, err := s.deps.Store.GetImprovement(ctx, c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	resp := ImprovementResponse{Improvement: imp}
	if c.QueryBool("verify") && s.deps.Tracker != nil {
		ok, err := s.deps.Tracker.Verify(ctx, imp.ID)
		if err != nil {
			return s.errorResponse(c, err)
		}
		resp.InHistory = &ok
	}
	return c.JSON(resp)
}

func (s *Server) rollbackImprovement(c *fiber.Ctx) error {
	if s.deps.Tracker == nil {
		return s.errorResponse(c, fmt.Errorf("%w: no tracker configured", perrors.ErrUnavailable))
	}
	res, err := s.deps.Tracker.Rollback(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(res)
}

// --- Auto sessions ---

func (s *Server) startAutoSession(c *fiber.Ctx) error {
	var body StartAutoSessionBody
	if err := c.BodyParser(&body); err != nil {
		return badBody(c, err)
	}
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	sess, err := s.deps.AutoMode.Start(c.UserContext(), p.ID, body.Direction, body.MaxSuggestions)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

func (s *Server) listAutoSessions(c *fiber.Ctx) error {
	p, err := s.project(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	out, err := s.deps.Store.ListAutoSessions(c.UserContext(), p.ID, store.AutoSessionStatus(c.Query("status")))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(AutoSessionListResponse{Sessions: nonNil(out)})
}

func (s *Server) getAutoSession(c *fiber.Ctx) error {
	sess, err := s.deps.Store.GetAutoSession(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess)
}

func (s *Server) pauseAutoSession(c *fiber.Ctx) error {
	var body PauseAutoSessionBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return badBody(c, err)
		}
	}
	sess, err := s.deps.AutoMode.Pause(c.UserContext(), c.Params("id"), body.Note)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess)
}

func (s *Server) resumeAutoSession(c *fiber.Ctx) error {
	sess, err := s.deps.AutoMode.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
