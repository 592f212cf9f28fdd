package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/calendar-archiver/internal/archive"
	"github.com/p-blackswan/calendar-archiver/internal/audit"
	"github.com/p-blackswan/calendar-archiver/internal/escalation"
	"github.com/p-blackswan/calendar-archiver/internal/health"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// RunRequest is the body of POST /api/v1/runs. Either Archive names a configured
// archive definition or SourceCalendar spells the run out explicitly.
type RunRequest struct {
	User                string        `json:"user"`
	Archive             string        `json:"archive,omitempty"`
	SourceCalendar      string        `json:"source_calendar,omitempty"`
	DestinationCalendar string        `json:"destination_calendar,omitempty"`
	WindowStart         time.Time     `json:"window_start"`
	WindowEnd           time.Time     `json:"window_end"`
	Mode                string        `json:"mode,omitempty"`
	AllowOverlaps       bool          `json:"allow_overlaps,omitempty"`
	MergeTolerance      string        `json:"merge_tolerance,omitempty"` // Go duration, e.g. "15m"
}

// CancelRequest is the body of POST /api/v1/runs/cancel.
type CancelRequest struct {
	User           string    `json:"user"`
	SourceCalendar string    `json:"source_calendar"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

// RunResponse wraps a run outcome. Problem is set when the run did not complete.
type RunResponse struct {
	Result  *archive.Result `json:"result"`
	Problem *ProblemDetail  `json:"problem,omitempty"`
}

// RunView is the external shape of a run record.
type RunView struct {
	RunKey              string          `json:"run_key"`
	User                string          `json:"user"`
	SourceCalendar      string          `json:"source_calendar"`
	DestinationCalendar string          `json:"destination_calendar"`
	WindowStart         time.Time       `json:"window_start"`
	WindowEnd           time.Time       `json:"window_end"`
	Mode                string          `json:"mode"`
	State               store.RunState  `json:"state"`
	Detail              string          `json:"detail,omitempty"`
	CorrelationID       string          `json:"correlation_id"`
	Attempts            int             `json:"attempts"`
	CancelRequested     bool            `json:"cancel_requested,omitempty"`
	Error               string          `json:"error,omitempty"`
	StartedAt           time.Time       `json:"started_at"`
	HeartbeatAt         time.Time       `json:"heartbeat_at"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
	Result              *archive.Result `json:"result,omitempty"`
}

// RunListResponse is returned by GET /api/v1/runs.
type RunListResponse struct {
	Runs  []RunView `json:"runs"`
	Count int       `json:"count"`
}

// TrailResponse is returned by the audit query endpoints.
type TrailResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// EscalationListResponse is returned by GET /api/v1/escalations.
type EscalationListResponse struct {
	Tasks []escalation.Task `json:"tasks"`
	Count int               `json:"count"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status     string                   `json:"status"`
	Components map[string]health.Status `json:"components,omitempty"`
	Uptime     string                   `json:"uptime,omitempty"`
}

func toRunView(run *store.ArchiveRun, res *archive.Result) RunView {
	v := RunView{
		RunKey:              run.Key,
		User:                run.User,
		SourceCalendar:      run.SourceCalendar,
		DestinationCalendar: run.DestinationCalendar,
		WindowStart:         time.UnixMilli(run.WindowStart).UTC(),
		WindowEnd:           time.UnixMilli(run.WindowEnd).UTC(),
		Mode:                run.Mode,
		State:               run.State,
		Detail:              run.Detail,
		CorrelationID:       run.CorrelationID,
		Attempts:            run.Attempts,
		CancelRequested:     run.CancelRequested,
		Error:               run.Error,
		StartedAt:           time.UnixMilli(run.StartedAt).UTC(),
		HeartbeatAt:         time.UnixMilli(run.HeartbeatAt).UTC(),
		Result:              res,
	}
	if run.FinishedAt > 0 {
		t := time.UnixMilli(run.FinishedAt).UTC()
		v.FinishedAt = &t
	}
	return v
}

// problemResponse sends an RFC 7807 problem detail response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
