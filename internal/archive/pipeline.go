package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/audit"
	"github.com/p-blackswan/calendar-archiver/internal/calendar"
	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/merge"
	"github.com/p-blackswan/calendar-archiver/internal/overlap"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// execution is the state of one run between lock and finish. Phases run strictly in
// order; each hands its output to the next through these fields.
type execution struct {
	runner *Runner
	req    Request
	src    calendar.Source
	key    string
	corr   string
	logger zerolog.Logger

	resumed        bool
	replaceDeleted bool
	failedPhase    string

	// recorded holds item keys written by this or an earlier attempt of the run.
	recorded map[string]bool

	fetched  []schedule.ScheduledItem
	occs     []schedule.Occurrence
	groups   []overlap.Group
	singles  []schedule.Occurrence
	resolved []schedule.Occurrence
	writeSet []schedule.ScheduledItem

	res *Result
}

type phaseFunc func(ctx context.Context, span *audit.Span) (map[string]any, audit.Status, error)

func (x *execution) execute(ctx context.Context) error {
	recorded, err := x.runner.store.WrittenKeys(x.key)
	if err != nil {
		x.failedPhase = "lock"
		return err
	}
	x.recorded = recorded

	phases := []struct {
		name string
		fn   phaseFunc
		skip bool
	}{
		{"fetch", x.fetch, false},
		{"expand", x.expand, false},
		{"merge", x.merge, false},
		{"detect", x.detect, false},
		{"resolve", x.resolve, x.req.AllowOverlaps},
		{"plan", x.plan, false},
		{"delete", x.deleteWindow, x.req.Mode != ModeReplace},
		{"write", x.write, false},
	}
	for _, p := range phases {
		if p.skip {
			continue
		}
		if err := x.runPhase(ctx, p.name, p.fn); err != nil {
			return err
		}
	}
	return nil
}

// runPhase checks for cancellation, refreshes the lock and runs fn inside an audit span.
func (x *execution) runPhase(ctx context.Context, name string, fn phaseFunc) error {
	if err := x.checkpoint(ctx); err != nil {
		x.failedPhase = name
		x.audited(x.runner.audit.Record(ctx, audit.Entry{
			User:         x.req.User,
			ActionType:   actionType,
			Operation:    name,
			ResourceType: "archive_run",
			ResourceID:   x.key,
			Status:       audit.StatusFailure,
			Details:      map[string]any{"error": err.Error(), "stage": "checkpoint"},
		}))
		return err
	}

	span := x.runner.audit.Start(ctx, x.req.User, actionType, name).Resource("archive_run", x.key)
	start := time.Now()
	details, status, err := fn(ctx, span)
	if x.runner.metrics != nil {
		x.runner.metrics.ObservePhase(name, time.Since(start).Seconds())
	}
	if details == nil {
		details = map[string]any{}
	}
	if err != nil {
		status = audit.StatusFailure
		details["error"] = err.Error()
		x.failedPhase = name
	}
	x.audited(span.End(ctx, status, details))
	if err != nil {
		x.logger.Warn().Err(err).Str("phase", name).Msg("Archive phase failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	x.logger.Debug().Str("phase", name).Str("status", string(status)).Msg("Archive phase done")
	return nil
}

// audited counts a failed audit write against the run.
func (x *execution) audited(e audit.Entry, err error) {
	if x.runner.audited(e, err) {
		x.res.AuditFailures++
	}
}

func (x *execution) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", perrors.ErrCancelled, err)
	}
	cancel, err := x.runner.store.CancelRequested(x.key, x.corr)
	if err != nil {
		return err
	}
	if cancel {
		return perrors.ErrCancelled
	}
	return x.runner.store.Heartbeat(x.key, x.corr)
}

// external runs fn through guard without the caller's cancellation: an in-flight
// call always completes and cancellation takes effect at the next phase boundary.
func (x *execution) external(ctx context.Context, g *calendar.Guard, op string, fn func(ctx context.Context) error) error {
	return g.Do(context.WithoutCancel(ctx), op, fn)
}

func (x *execution) hasWrites() bool {
	return len(x.recorded) > 0
}

func (x *execution) fetch(ctx context.Context, _ *audit.Span) (map[string]any, audit.Status, error) {
	var items []schedule.ScheduledItem
	err := x.external(ctx, x.runner.srcGuard, "fetch_items", func(ctx context.Context) error {
		var err error
		items, err = x.src.FetchItems(ctx, x.req.SourceScope(), x.req.Window)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	valid := items[:0]
	var invalid []string
	for _, it := range items {
		it = it.Normalize()
		it.Scope = x.req.SourceScope()
		if err := it.Validate(); err != nil {
			invalid = append(invalid, err.Error())
			continue
		}
		valid = append(valid, it)
	}
	x.fetched = valid
	x.res.Fetched = len(valid)

	details := map[string]any{"fetched": len(valid)}
	if len(invalid) > 0 {
		details["invalid"] = invalid
		return details, audit.StatusPartial, nil
	}
	return details, audit.StatusSuccess, nil
}

func (x *execution) expand(ctx context.Context, span *audit.Span) (map[string]any, audit.Status, error) {
	out, err := x.runner.expander.ExpandAll(x.fetched, x.req.Window)
	if err != nil {
		return nil, "", err
	}
	x.occs = out.Occurrences
	x.res.Templates = out.Templates
	x.res.TemplateErrors = len(out.Failures)
	x.res.Expanded = len(out.Occurrences)

	for _, f := range out.Failures {
		x.logger.Warn().Err(f.Err).Str("template_id", f.TemplateID).Str("rule", f.Rule).Msg("Skipping recurring item with malformed rule")
		x.audited(span.Child(ctx, audit.Entry{
			Operation:    "expand.template",
			ResourceType: "recurring_item",
			ResourceID:   f.TemplateID,
			Status:       audit.StatusFailure,
			Details: map[string]any{
				"subject": f.Subject,
				"rule":    f.Rule,
				"error":   f.Err.Error(),
			},
		}))
	}
	if x.runner.metrics != nil {
		x.runner.metrics.AddRecurrenceErrors(len(out.Failures))
	}

	details := map[string]any{
		"templates":   out.Templates,
		"occurrences": len(out.Occurrences),
	}
	if len(out.Truncated) > 0 {
		details["truncated"] = out.Truncated
	}
	if len(out.Failures) > 0 {
		details["template_errors"] = len(out.Failures)
		return details, audit.StatusPartial, nil
	}
	return details, audit.StatusSuccess, nil
}

func (x *execution) merge(ctx context.Context, span *audit.Span) (map[string]any, audit.Status, error) {
	tol := x.req.MergeTolerance
	if tol == 0 {
		tol = x.runner.cfg.MergeTolerance
	}
	m := merge.New(merge.Options{Tolerance: tol})
	out := m.Merge(x.occs)
	x.occs = out.Items
	x.res.Merged = len(out.Applied)
	x.res.MergeSkipped = len(out.Skipped)

	for _, s := range out.Skipped {
		x.audited(span.Child(ctx, audit.Entry{
			Operation:    "merge.skip",
			ResourceType: "modification_delta",
			ResourceID:   s.Delta.Key(),
			Status:       audit.StatusPartial,
			Details: map[string]any{
				"kind":       string(s.Kind),
				"subject":    s.Delta.Subject,
				"reason":     s.Reason,
				"candidates": s.Candidates,
			},
		}))
	}

	applied := make([]map[string]any, 0, len(out.Applied))
	for _, a := range out.Applied {
		applied = append(applied, map[string]any{
			"kind":   string(a.Kind),
			"target": a.TargetKey,
			"delta":  a.Delta.Key(),
			"before": a.Before.Start.Format(time.RFC3339) + "/" + a.Before.End.Format(time.RFC3339),
			"after":  a.After.Start.Format(time.RFC3339) + "/" + a.After.End.Format(time.RFC3339),
		})
	}
	return map[string]any{
		"tolerance": m.Tolerance().String(),
		"applied":   applied,
		"skipped":   len(out.Skipped),
	}, audit.StatusSuccess, nil
}

func (x *execution) detect(_ context.Context, _ *audit.Span) (map[string]any, audit.Status, error) {
	occs, dups := collapseDuplicates(x.occs)
	x.res.Duplicates = dups

	if x.req.AllowOverlaps {
		x.singles = occs
		return map[string]any{"allow_overlaps": true, "duplicates": dups}, audit.StatusSuccess, nil
	}

	x.groups, x.singles = overlap.Partition(occs)
	x.res.Groups = len(x.groups)

	members := 0
	for _, g := range x.groups {
		members += len(g.Members)
	}
	return map[string]any{
		"groups":        len(x.groups),
		"group_members": members,
		"singles":       len(x.singles),
		"duplicates":    dups,
	}, audit.StatusSuccess, nil
}

func (x *execution) resolve(ctx context.Context, span *audit.Span) (map[string]any, audit.Status, error) {
	status := audit.StatusSuccess
	for _, out := range x.runner.resolver.ResolveAll(x.groups) {
		x.resolved = append(x.resolved, out.Winners...)
		x.resolved = append(x.resolved, out.Unaffected...)
		x.res.Superseded += len(out.Superseded)

		if !out.Conflict {
			continue
		}
		x.res.Escalated++
		if err := x.escalate(ctx, span, out); err != nil {
			x.res.EscalationFails++
			status = audit.StatusPartial
		}
	}
	return map[string]any{
		"groups":     len(x.groups),
		"superseded": x.res.Superseded,
		"escalated":  x.res.Escalated,
		"stages":     x.runner.resolver.Stages(),
	}, status, nil
}

func (x *execution) plan(ctx context.Context, _ *audit.Span) (map[string]any, audit.Status, error) {
	candidates := append(schedule.CloneAll(x.singles), x.resolved...)
	schedule.Sort(candidates)

	dst := x.req.DestinationScope()
	var existing *archivedIndex
	if x.req.Mode == ModeAppend {
		var items []schedule.ScheduledItem
		err := x.external(ctx, x.runner.dstGuard, "fetch_items", func(ctx context.Context) error {
			var err error
			items, err = x.runner.destination.FetchItems(ctx, dst, x.req.Window)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		existing = indexArchived(items)
	}

	x.writeSet = x.writeSet[:0]
	skippedRecorded := 0
	for _, o := range candidates {
		it := toArchived(o, dst)
		key := o.Key()
		switch {
		case x.recorded[key]:
			skippedRecorded++
		case existing != nil && existing.has(it):
			x.res.AlreadyArchived++
		default:
			x.writeSet = append(x.writeSet, it)
		}
	}
	x.res.Planned = len(x.writeSet)

	return map[string]any{
		"candidates":       len(candidates),
		"planned":          len(x.writeSet),
		"already_archived": x.res.AlreadyArchived,
		"resumed_skipped":  skippedRecorded,
	}, audit.StatusSuccess, nil
}

func (x *execution) deleteWindow(ctx context.Context, _ *audit.Span) (map[string]any, audit.Status, error) {
	if x.resumed && x.replaceDeleted {
		return map[string]any{"skipped": "already cleared by an earlier attempt"}, audit.StatusSuccess, nil
	}
	var deleted int
	err := x.external(ctx, x.runner.dstGuard, "delete_items", func(ctx context.Context) error {
		var err error
		deleted, err = x.runner.destination.DeleteItems(ctx, x.req.DestinationScope(), x.req.Window)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if err := x.runner.store.MarkReplaceDeleted(x.key, x.corr); err != nil {
		return nil, "", err
	}
	x.replaceDeleted = true
	x.res.Deleted = deleted
	return map[string]any{"deleted": deleted}, audit.StatusSuccess, nil
}

func (x *execution) write(ctx context.Context, span *audit.Span) (map[string]any, audit.Status, error) {
	batchSize := x.runner.cfg.WriteBatchSize
	dst := x.req.DestinationScope()
	batches := 0
	processed := 0

	for start := 0; start < len(x.writeSet); start += batchSize {
		end := min(start+batchSize, len(x.writeSet))
		batch := x.writeSet[start:end]
		batches++

		// A retried attempt continues after the items the failed attempt got through.
		done, present := 0, 0
		err := x.external(ctx, x.runner.dstGuard, "write_items", func(ctx context.Context) error {
			res, err := x.runner.destination.WriteItems(ctx, dst, batch[done:])
			n := min(max(res.Written, 0), len(batch)-done)
			if recErr := x.recordWritten(batch[done : done+n]); recErr != nil {
				return errors.Join(err, recErr)
			}
			done += n
			present += min(max(res.Present, 0), n)
			return err
		})
		processed += done
		x.res.Archived += done - present
		x.res.AlreadyArchived += present

		if err != nil {
			x.res.Failed = len(x.writeSet) - processed
			x.audited(span.Child(ctx, audit.Entry{
				Operation:    "write.batch",
				ResourceType: "calendar",
				ResourceID:   dst.Key(),
				Status:       audit.StatusFailure,
				Details: map[string]any{
					"batch":   batches,
					"written": done,
					"present": present,
					"size":    len(batch),
					"error":   err.Error(),
				},
			}))
			return map[string]any{
				"planned":   len(x.writeSet),
				"written":   x.res.Archived,
				"remaining": x.res.Failed,
			}, "", err
		}
		if err := x.runner.store.Heartbeat(x.key, x.corr); err != nil {
			return nil, "", err
		}
	}

	return map[string]any{
		"planned":         len(x.writeSet),
		"written":         x.res.Archived,
		"already_present": processed - x.res.Archived,
		"batches":         batches,
	}, audit.StatusSuccess, nil
}

func (x *execution) recordWritten(items []schedule.ScheduledItem) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = itemKey(it, x.req.SourceScope())
	}
	if err := x.runner.store.RecordWrites(x.key, keys); err != nil {
		return err
	}
	for _, k := range keys {
		x.recorded[k] = true
	}
	return nil
}
