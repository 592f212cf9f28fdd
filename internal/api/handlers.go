package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/archive"
	"github.com/p-blackswan/calendar-archiver/internal/audit"
	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/escalation"
	"github.com/p-blackswan/calendar-archiver/internal/health"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

const maxListLimit = 500

// RunService starts, inspects and cancels archive runs.
type RunService interface {
	Run(ctx context.Context, req archive.Request) (*archive.Result, error)
	RunNamed(ctx context.Context, user, name string, w schedule.Window) (*archive.Result, error)
	State(user, sourceCalendar string, w schedule.Window) (*archive.RunStatus, error)
	Runs(f store.RunFilter) ([]*store.ArchiveRun, error)
	Cancel(ctx context.Context, user, sourceCalendar string, w schedule.Window) error
}

// TrailService queries the audit trail.
type TrailService interface {
	RunTrail(ctx context.Context, correlationID string) ([]audit.Entry, error)
	UserActivity(ctx context.Context, user string, from, to time.Time) ([]audit.Entry, error)
}

// EscalationService lists queued manual-resolution tasks.
type EscalationService interface {
	Pending(user string, limit int) ([]escalation.Task, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	runs        RunService
	trails      TrailService
	escalations EscalationService
	checker     *health.Checker
	logger      zerolog.Logger
	startTime   time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(runs RunService, trails TrailService, escalations EscalationService, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		runs:        runs,
		trails:      trails,
		escalations: escalations,
		checker:     checker,
		logger:      logger.With().Str("component", "handlers").Logger(),
		startTime:   time.Now(),
	}
}

// StartRun handles POST /api/v1/runs. The run executes synchronously.
func (h *Handlers) StartRun(c *fiber.Ctx) error {
	var req RunRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.User == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_user", "Bad Request",
			"user is required")
	}
	w := schedule.Window{Start: req.WindowStart, End: req.WindowEnd}

	var (
		res *archive.Result
		err error
	)
	switch {
	case req.Archive != "":
		res, err = h.runs.RunNamed(c.UserContext(), req.User, req.Archive, w)
	case req.SourceCalendar != "":
		areq := archive.Request{
			User:                req.User,
			SourceCalendar:      req.SourceCalendar,
			DestinationCalendar: req.DestinationCalendar,
			Window:              w,
			Mode:                archive.Mode(req.Mode),
			AllowOverlaps:       req.AllowOverlaps,
		}
		if req.MergeTolerance != "" {
			tol, perr := time.ParseDuration(req.MergeTolerance)
			if perr != nil || tol < 0 {
				return problemResponse(c, fiber.StatusBadRequest,
					"invalid_merge_tolerance", "Bad Request",
					"merge_tolerance must be a non-negative duration such as 15m")
			}
			areq.MergeTolerance = tol
		}
		res, err = h.runs.Run(c.UserContext(), areq)
	default:
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_source", "Bad Request",
			"either archive or source_calendar is required")
	}

	if res == nil {
		return errorResponse(c, err)
	}
	if err == nil {
		return c.JSON(RunResponse{Result: res})
	}

	status, errType, title := classify(err)
	return c.Status(status).JSON(RunResponse{
		Result: res,
		Problem: &ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   status,
			Detail:   err.Error(),
			Instance: c.Path(),
		},
	})
}

// RunState handles GET /api/v1/runs/state?user=&source_calendar=&start=&end=.
func (h *Handlers) RunState(c *fiber.Ctx) error {
	user := c.Query("user")
	src := c.Query("source_calendar")
	if user == "" || src == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_parameter", "Bad Request",
			"user and source_calendar are required")
	}
	w, err := queryWindow(c)
	if err != nil {
		return errorResponse(c, err)
	}

	st, err := h.runs.State(user, src, w)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toRunView(st.ArchiveRun, st.Result))
}

// ListRuns handles GET /api/v1/runs?user=&state=&limit=.
func (h *Handlers) ListRuns(c *fiber.Ctx) error {
	f := store.RunFilter{
		User:  c.Query("user"),
		State: store.RunState(c.Query("state")),
		Limit: clampLimit(c.QueryInt("limit", 50)),
	}
	rows, err := h.runs.Runs(f)
	if err != nil {
		return errorResponse(c, err)
	}

	views := make([]RunView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toRunView(row, nil))
	}
	return c.JSON(RunListResponse{Runs: views, Count: len(views)})
}

// CancelRun handles POST /api/v1/runs/cancel.
func (h *Handlers) CancelRun(c *fiber.Ctx) error {
	var req CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.User == "" || req.SourceCalendar == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_parameter", "Bad Request",
			"user and source_calendar are required")
	}
	w := schedule.Window{Start: req.WindowStart, End: req.WindowEnd}
	if err := w.Validate(); err != nil {
		return errorResponse(c, fmt.Errorf("%w: %w", err, perrors.ErrInvalidInput))
	}

	if err := h.runs.Cancel(c.UserContext(), req.User, req.SourceCalendar, w); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "cancel_requested",
		"run_key": archive.RunKey(req.User, req.SourceCalendar, w.UTC()),
	})
}

// RunTrail handles GET /api/v1/trails/:correlationId.
func (h *Handlers) RunTrail(c *fiber.Ctx) error {
	entries, err := h.trails.RunTrail(c.UserContext(), c.Params("correlationId"))
	if err != nil {
		return errorResponse(c, err)
	}
	if len(entries) == 0 {
		return problemResponse(c, fiber.StatusNotFound,
			"trail_not_found", "Not Found",
			"No audit entries for correlation id: "+c.Params("correlationId"))
	}
	return c.JSON(TrailResponse{Entries: entries, Count: len(entries)})
}

// UserActivity handles GET /api/v1/users/:user/activity?from=&to=.
func (h *Handlers) UserActivity(c *fiber.Ctx) error {
	from, err := queryTime(c, "from")
	if err != nil {
		return errorResponse(c, err)
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return errorResponse(c, err)
	}

	entries, err := h.trails.UserActivity(c.UserContext(), c.Params("user"), from, to)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(TrailResponse{Entries: entries, Count: len(entries)})
}

// ListEscalations handles GET /api/v1/escalations?user=&limit=.
func (h *Handlers) ListEscalations(c *fiber.Ctx) error {
	tasks, err := h.escalations.Pending(c.Query("user"), clampLimit(c.QueryInt("limit", 100)))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(EscalationListResponse{Tasks: tasks, Count: len(tasks)})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{Status: "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(HealthResponse{Status: "ready"})
	}
	ready, results := h.checker.Report(c.UserContext())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(HealthResponse{
			Status:     "not_ready",
			Components: results,
		})
	}
	return c.JSON(HealthResponse{Status: "ready", Components: results})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}
	if h.checker != nil {
		ready, results := h.checker.Report(c.UserContext())
		resp.Components = results
		if !ready {
			resp.Status = "degraded"
		}
	}
	return c.JSON(resp)
}

func errorResponse(c *fiber.Ctx, err error) error {
	status, errType, title := classify(err)
	return problemResponse(c, status, errType, title, err.Error())
}

// classify maps a domain error onto an HTTP status and problem type.
func classify(err error) (int, string, string) {
	switch {
	case perrors.IsLockContention(err):
		return fiber.StatusConflict, "run_in_progress", "Conflict"
	case errors.Is(err, perrors.ErrInvalidInput):
		return fiber.StatusBadRequest, "invalid_input", "Bad Request"
	case errors.Is(err, perrors.ErrNotFound):
		return fiber.StatusNotFound, "not_found", "Not Found"
	case errors.Is(err, perrors.ErrCancelled):
		return fiber.StatusConflict, "run_cancelled", "Conflict"
	case perrors.IsExternal(err):
		return fiber.StatusBadGateway, "calendar_unavailable", "Bad Gateway"
	default:
		return fiber.StatusInternalServerError, "run_failed", "Internal Server Error"
	}
}

func queryWindow(c *fiber.Ctx) (schedule.Window, error) {
	start, err := queryTime(c, "start")
	if err != nil {
		return schedule.Window{}, err
	}
	end, err := queryTime(c, "end")
	if err != nil {
		return schedule.Window{}, err
	}
	w := schedule.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return schedule.Window{}, fmt.Errorf("%w: %w", err, perrors.ErrInvalidInput)
	}
	return w, nil
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(c *fiber.Ctx, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339: %w", name, perrors.ErrInvalidInput)
	}
	return t, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return maxListLimit
	}
	return min(n, maxListLimit)
}
