package calendar

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"planbot/internal/suggest"
)

// maxOccurrences caps recurrence expansion per event.
const maxOccurrences = 500

// LoadBusy reads .ics files and returns the busy intervals overlapping
// [from, until), sorted by start. All-day and transparent events are not
// busy. A file that fails to load is reported in the joined error while
// the others still contribute.
func LoadBusy(paths []string, from, until time.Time) ([]suggest.Busy, error) {
	var (
		out  []suggest.Busy
		errs []error
	)
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		busy, err := loadFile(p, from, until)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		out = append(out, busy...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, errors.Join(errs...)
}

func loadFile(path string, from, until time.Time) ([]suggest.Busy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cal, err := ical.ParseCalendar(f)
	if err != nil {
		return nil, err
	}
	var out []suggest.Busy
	for _, ev := range cal.Events() {
		if skipEvent(ev) {
			continue
		}
		start, err := ev.GetStartAt()
		if err != nil {
			continue
		}
		end, err := ev.GetEndAt()
		if err != nil || !end.After(start) {
			end = start.Add(time.Hour)
		}
		summary := ""
		if p := ev.GetProperty(ical.ComponentPropertySummary); p != nil {
			summary = p.Value
		}
		out = append(out, expand(summary, start, end, ev, from, until)...)
	}
	return out, nil
}

func skipEvent(ev *ical.VEvent) bool {
	if p := ev.GetProperty(ical.ComponentPropertyTransp); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
		return true
	}
	if p := ev.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return true
	}
	p := ev.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return true
	}
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func expand(summary string, start, end time.Time, ev *ical.VEvent, from, until time.Time) []suggest.Busy {
	p := ev.GetProperty(ical.ComponentPropertyRrule)
	if p == nil || p.Value == "" {
		b := suggest.Busy{Summary: summary, Start: start, End: end}
		if b.Overlaps(from, until) {
			return []suggest.Busy{b}
		}
		return nil
	}
	rule, err := rrule.StrToRRule(p.Value)
	if err != nil {
		return nil
	}
	rule.DTStart(start)
	dur := end.Sub(start)
	var out []suggest.Busy
	for _, occ := range rule.Between(from.Add(-dur), until, true) {
		b := suggest.Busy{Summary: summary, Start: occ, End: occ.Add(dur)}
		if b.Overlaps(from, until) {
			out = append(out, b)
		}
		if len(out) >= maxOccurrences {
			break
		}
	}
	return out
}
