package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-blackswan/calendar-archiver/internal/audit"
	"github.com/p-blackswan/calendar-archiver/internal/escalation"
	"github.com/p-blackswan/calendar-archiver/internal/resolve"
)

// escalate hands an unresolved group to the sink. A sink failure is audited as
// partial and never fails the run.
func (x *execution) escalate(ctx context.Context, span *audit.Span, out resolve.Outcome) error {
	g := out.Group
	task := escalation.Task{
		RunKey:        x.key,
		Fingerprint:   g.Fingerprint(),
		CorrelationID: x.corr,
		Scope:         g.Scope,
		Span:          g.Span,
		Members:       g.Members,
		Reason:        conflictReason(out),
	}

	var err error
	if x.runner.escalations == nil {
		err = fmt.Errorf("no escalation sink configured")
	} else {
		err = x.runner.escalations.Enqueue(context.WithoutCancel(ctx), task)
	}

	entry := audit.Entry{
		Operation:    "resolve.escalate",
		ResourceType: "overlap_group",
		ResourceID:   task.Fingerprint,
		Status:       audit.StatusSuccess,
		Details: map[string]any{
			"members": g.Keys(),
			"span":    g.Span.Start.UTC().Format("2006-01-02T15:04:05Z") + "/" + g.Span.End.UTC().Format("2006-01-02T15:04:05Z"),
			"reason":  task.Reason,
			"trace":   out.Trace,
		},
	}
	if err != nil {
		entry.Status = audit.StatusPartial
		entry.Details["error"] = err.Error()
		x.logger.Warn().Err(err).Str("fingerprint", task.Fingerprint).Msg("Escalation sink failed")
	} else if x.runner.metrics != nil {
		x.runner.metrics.RecordEscalation()
	}
	x.audited(span.Child(ctx, entry))
	return err
}

func conflictReason(out resolve.Outcome) string {
	if len(out.Trace) == 0 {
		return "no automatic winner"
	}
	last := out.Trace[len(out.Trace)-1]
	return fmt.Sprintf("%d items still tied after %s: %s",
		len(last.Remaining), last.Stage, strings.Join(last.Remaining, ", "))
}
