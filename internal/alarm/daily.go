package alarm

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"planbot/internal/suggest"
)

var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Daily computes the next HH:MM occurrence in a fixed location.
type Daily struct {
	spec  string
	loc   *time.Location
	sched cron.Schedule
}

func NewDaily(hhmm string, loc *time.Location) (*Daily, error) {
	h, m, err := suggest.ParseHHMM(hhmm)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)
	sched, err := dailyParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("daily schedule %q: %w", spec, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	return &Daily{spec: spec, loc: loc, sched: sched}, nil
}

// Next returns the first fire time strictly after t.
func (d *Daily) Next(t time.Time) time.Time {
	return d.sched.Next(t.In(d.loc))
}

func (d *Daily) Location() *time.Location { return d.loc }

func (d *Daily) String() string { return d.spec + " " + d.loc.String() }
