package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	logx "planbot/pkg/logx"
)

const uidDomain = "@planbot"

// ICSFile appends accepted suggestions as VEVENTs to a local .ics file that
// other calendar apps can subscribe to.
type ICSFile struct {
	path string
	log  logx.Logger
	mu   sync.Mutex
	now  func() time.Time
}

func NewICSFile(path string, log logx.Logger) (*ICSFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("calendar.ics_path is required for ics commit")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &ICSFile{path: path, log: log.With(logx.String("calendar", "ics")), now: time.Now}, nil
}

func (f *ICSFile) Name() string { return "ics" }

func (f *ICSFile) Commit(ctx context.Context, e Entry) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cal, err := f.load()
	if err != nil {
		return "", err
	}
	uid := e.SuggestionID + uidDomain
	for _, ev := range cal.Events() {
		if p := ev.GetProperty(ical.ComponentPropertyUniqueId); p != nil && p.Value == uid {
			f.log.Debug("entry already in calendar file", logx.String("uid", uid))
			return uid, nil
		}
	}

	now := f.now().UTC()
	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(now)
	ev.SetCreatedTime(now)
	ev.SetStartAt(e.Start.UTC())
	ev.SetEndAt(e.End.UTC())
	ev.SetSummary(e.Title)
	if d := strings.TrimSpace(e.Description); d != "" {
		ev.SetDescription(d)
	}
	if err := f.write(cal); err != nil {
		return "", err
	}
	f.log.Info("calendar entry written", logx.String("uid", uid), logx.Time("start", e.Start))
	return uid, nil
}

func (f *ICSFile) load() (*ical.Calendar, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(bytes.TrimSpace(raw)) == 0) {
		cal := ical.NewCalendar()
		cal.SetMethod(ical.MethodPublish)
		cal.SetProductId("-//planbot//suggestions//EN")
		return cal, nil
	}
	if err != nil {
		return nil, err
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return cal, nil
}

func (f *ICSFile) write(cal *ical.Calendar) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cal.Serialize()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
