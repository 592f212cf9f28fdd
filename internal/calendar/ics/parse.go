package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

const (
	propCategories = ical.ComponentProperty("CATEGORIES")
	propTransp     = ical.ComponentProperty("TRANSP")
	propStatus     = ical.ComponentProperty("STATUS")
	propPriority   = ical.ComponentProperty("PRIORITY")
	propClass      = ical.ComponentProperty("CLASS")
	propRecurID    = ical.ComponentProperty("RECURRENCE-ID")
	propBusyStatus = ical.ComponentProperty("X-MICROSOFT-CDO-BUSYSTATUS")
)

// Skipped describes a VEVENT that could not be mapped.
type Skipped struct {
	UID string
	Err error
}

// Parse maps the VEVENTs of an ICS payload onto scheduled items of scope.
// RECURRENCE-ID events become exceptions of their master's recurrence, EXDATEs
// become cancelled exceptions and CANCELLED events are dropped. An empty payload
// is no data, not an error. Events that cannot be mapped are reported in skipped.
func Parse(body []byte, scope schedule.Scope) (items []schedule.ScheduledItem, skipped []Skipped, err error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil, nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse ics: %w", err)
	}

	type override struct {
		uid string
		ex  schedule.Exception
		it  schedule.ScheduledItem
	}
	masters := make(map[string]int)
	var overrides []override

	for _, ve := range cal.Events() {
		uid := propValue(ve, ical.ComponentPropertyUniqueId)
		if uid == "" {
			skipped = append(skipped, Skipped{Err: errors.New("missing UID")})
			continue
		}

		it, perr := mapEvent(ve, scope)
		if perr != nil {
			skipped = append(skipped, Skipped{UID: uid, Err: perr})
			continue
		}
		cancelled := strings.EqualFold(propValue(ve, propStatus), "CANCELLED")

		if rid := ve.GetProperty(propRecurID); rid != nil {
			orig, perr := parseTime(rid.Value, rid.ICalParameters)
			if perr != nil {
				skipped = append(skipped, Skipped{UID: uid, Err: fmt.Errorf("bad RECURRENCE-ID: %w", perr)})
				continue
			}
			ex := schedule.Exception{OriginalStart: orig.UTC(), Cancelled: cancelled}
			if !cancelled {
				ex.Start, ex.End, ex.Subject = it.Start, it.End, it.Subject
				if ve.GetProperty(propCategories) != nil {
					ex.Categories = it.Categories
				}
			}
			overrides = append(overrides, override{uid: uid, ex: ex, it: it})
			continue
		}
		if cancelled {
			continue
		}

		if rule := propValue(ve, ical.ComponentPropertyRrule); rule != "" {
			it.Recurrence = &schedule.Recurrence{Rule: rule, TZID: startZone(ve)}
			for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
				for _, part := range strings.Split(p.Value, ",") {
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					if t, err := parseTime(part, p.ICalParameters); err == nil {
						it.Recurrence.Exceptions = append(it.Recurrence.Exceptions,
							schedule.Exception{OriginalStart: t.UTC(), Cancelled: true})
					}
				}
			}
		}
		masters[uid] = len(items)
		items = append(items, it)
	}

	for _, o := range overrides {
		idx, ok := masters[o.uid]
		if ok && items[idx].Recurrence != nil {
			items[idx].Recurrence.Exceptions = append(items[idx].Recurrence.Exceptions, o.ex)
			continue
		}
		if o.ex.Cancelled {
			continue
		}
		// orphan override: keep it as a standalone instance
		it := o.it
		it.SourceID = schedule.InstanceID(o.uid, o.ex.OriginalStart)
		items = append(items, it)
	}
	return items, skipped, nil
}

func mapEvent(ve *ical.VEvent, scope schedule.Scope) (schedule.ScheduledItem, error) {
	it := schedule.ScheduledItem{
		SourceID: propValue(ve, ical.ComponentPropertyUniqueId),
		Scope:    scope,
		Subject:  propValue(ve, ical.ComponentPropertySummary),
	}

	start, allDay, err := eventTime(ve, ical.ComponentPropertyDtStart)
	if err != nil {
		return it, fmt.Errorf("bad DTSTART: %w", err)
	}
	end, _, err := eventTime(ve, ical.ComponentPropertyDtEnd)
	switch {
	case err == nil:
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start
	}
	it.Start, it.End = start.UTC(), end.UTC()

	for _, p := range ve.GetProperties(propCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				it.Categories = append(it.Categories, c)
			}
		}
	}

	it.Availability = availability(ve)
	it.Priority = priority(propValue(ve, propPriority))
	switch strings.ToUpper(propValue(ve, propClass)) {
	case "PRIVATE":
		it.Sensitivity = schedule.SensitivityPrivate
		it.IsPrivate = true
	case "CONFIDENTIAL":
		it.Sensitivity = schedule.SensitivityConfidential
		it.IsPrivate = true
	default:
		it.Sensitivity = schedule.SensitivityNormal
	}

	it = it.Normalize()
	return it, it.Validate()
}

func availability(ve *ical.VEvent) schedule.Availability {
	switch strings.ToUpper(propValue(ve, propBusyStatus)) {
	case "FREE":
		return schedule.AvailabilityFree
	case "TENTATIVE":
		return schedule.AvailabilityTentative
	case "OOF":
		return schedule.AvailabilityOutOfOffice
	case "BUSY", "WORKINGELSEWHERE":
		return schedule.AvailabilityBusy
	}
	if strings.EqualFold(propValue(ve, propTransp), "TRANSPARENT") {
		return schedule.AvailabilityFree
	}
	if strings.EqualFold(propValue(ve, propStatus), "TENTATIVE") {
		return schedule.AvailabilityTentative
	}
	return schedule.AvailabilityBusy
}

// priority maps RFC 5545 PRIORITY: 1-4 high, 5 and 0 (undefined) normal, 6-9 low.
func priority(v string) schedule.Priority {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return schedule.PriorityNormal
	}
	switch {
	case n >= 1 && n <= 4:
		return schedule.PriorityHigh
	case n >= 6 && n <= 9:
		return schedule.PriorityLow
	default:
		return schedule.PriorityNormal
	}
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func eventTime(ve *ical.VEvent, prop ical.ComponentProperty) (time.Time, bool, error) {
	p := ve.GetProperty(prop)
	if p == nil {
		return time.Time{}, false, errors.New("missing")
	}
	allDay := !strings.Contains(p.Value, "T")
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}
	t, err := parseTime(p.Value, p.ICalParameters)
	return t, allDay, err
}

// startZone returns the DTSTART TZID when it names a zone this host can load.
// UTC values and unknown zones yield "".
func startZone(ve *ical.VEvent) string {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil || strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		return ""
	}
	tz, ok := p.ICalParameters["TZID"]
	if !ok || len(tz) == 0 {
		return ""
	}
	name := strings.Trim(tz[0], `"`)
	if _, err := time.LoadLocation(name); err != nil {
		return ""
	}
	return name
}

// parseTime parses DATE / DATE-TIME values, honoring a TZID parameter. Floating
// times without TZID are taken as UTC.
func parseTime(v string, params map[string][]string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := time.UTC
	if tz, ok := params["TZID"]; ok && len(tz) > 0 {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
