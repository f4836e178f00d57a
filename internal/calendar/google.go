package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	logx "planbot/pkg/logx"
)

type GoogleConfig struct {
	CalendarID string
	// TokenFile holds an oauth2 token as JSON (access + refresh token).
	TokenFile    string
	ClientID     string
	ClientSecret string
	// Endpoint overrides the API base URL (tests).
	Endpoint string
}

var googleOAuth = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Google inserts events through the Calendar v3 API. Event ids are derived
// from the suggestion id, so a repeated insert hits 409 and is treated as
// already committed.
type Google struct {
	svc        *gcal.Service
	calendarID string
	log        logx.Logger
}

func NewGoogle(ctx context.Context, cfg GoogleConfig, log logx.Logger) (*Google, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar: %w", err)
	}
	return &Google{svc: svc, calendarID: cfg.CalendarID, log: log.With(logx.String("calendar", "google"))}, nil
}

func tokenSource(ctx context.Context, cfg GoogleConfig) (oauth2.TokenSource, error) {
	path := strings.TrimSpace(cfg.TokenFile)
	if path == "" {
		return nil, errors.New("calendar.google.token_file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no access or refresh token", path)
	}
	if cfg.ClientID == "" || tok.RefreshToken == "" {
		return oauth2.StaticTokenSource(&tok), nil
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     googleOAuth,
		Scopes:       []string{gcal.CalendarEventsScope},
	}
	return oc.TokenSource(ctx, &tok), nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Commit(ctx context.Context, e Entry) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	id := EventID(e.SuggestionID)
	ev := &gcal.Event{
		Id:          id,
		Summary:     e.Title,
		Description: e.Description,
		Start:       &gcal.EventDateTime{DateTime: e.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: e.End.Format(time.RFC3339)},
	}
	created, err := g.svc.Events.Insert(g.calendarID, ev).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			g.log.Info("calendar event already exists", logx.String("event_id", id))
			return id, nil
		}
		return "", fmt.Errorf("insert event: %w", err)
	}
	g.log.Info("calendar event created",
		logx.String("event_id", created.Id), logx.String("link", created.HtmlLink))
	return created.Id, nil
}

// EventID maps a suggestion id to a valid Calendar event id: lowercase
// base32hex characters, 5 to 1024 long.
func EventID(suggestionID string) string {
	var b strings.Builder
	b.WriteString("pb")
	for _, r := range strings.ToLower(suggestionID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'v') {
			b.WriteRune(r)
		}
	}
	id := b.String()
	for len(id) < 5 {
		id += "0"
	}
	return id[:min(len(id), 1024)]
}
