package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

const (
	defaultEndpoint = "https://api.groq.com/openai"
	defaultModel    = "llama3-70b-8192"
	perGoal         = 3
	maxResponseBody = 1 << 20
)

const systemPrompt = "You are a smart scheduling assistant. Analyze the user's goals and existing calendar " +
	"to suggest optimal time slots. Reply with JSON only."

type RemoteConfig struct {
	// Endpoint is the API base URL; "/v1/chat/completions" is appended
	// unless already present.
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Remote asks an OpenAI-compatible chat completions API for suggestions,
// one request per active goal.
type Remote struct {
	cfg    RemoteConfig
	url    string
	client *http.Client
	log    logx.Logger
}

func NewRemote(cfg RemoteConfig, log logx.Logger) (*Remote, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if base == "" {
		base = defaultEndpoint
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("engine endpoint %q: must be an http(s) URL", cfg.Endpoint)
	}
	url := base
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	client := cfg.HTTPClient
	if client == nil {
		// Deadlines come from the caller's context.
		client = &http.Client{}
	}
	return &Remote{cfg: cfg, url: url, client: client, log: log.With(logx.String("engine", "remote"))}, nil
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Generate(ctx context.Context, req Request) ([]suggest.Candidate, error) {
	goals := req.ActiveGoals()
	byGoal := make([][]suggest.Candidate, 0, len(goals))
	for _, g := range goals {
		content, err := r.complete(ctx, buildPrompt(g, req))
		if err != nil {
			return nil, fmt.Errorf("goal %s: %w", g.ID, err)
		}
		list, err := parseSuggestions(content, g, req.loc())
		if err != nil {
			return nil, fmt.Errorf("goal %s: %w", g.ID, err)
		}
		byGoal = append(byGoal, r.usable(list, req))
	}
	return capCandidates(byGoal, req.MaxSuggestions), nil
}

// usable drops candidates that are invalid, already past, or outside the
// horizon. Each drop is logged.
func (r *Remote) usable(list []suggest.Candidate, req Request) []suggest.Candidate {
	out := list[:0]
	until := req.Until()
	for _, c := range list {
		if err := c.Validate(); err != nil {
			r.log.Warn("engine candidate dropped", logx.Err(err))
			continue
		}
		if !c.Start.After(req.From) || c.Start.After(until) {
			r.log.Debug("engine candidate outside horizon",
				logx.String("goal", c.GoalID), logx.Time("start", c.Start))
			continue
		}
		out = append(out, c)
	}
	return out
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (r *Remote) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	r.log.Debug("engine response",
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("api error (%s): %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

type wireSuggestion struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Confidence  *float64 `json:"confidence_score"`
	Reasoning   string   `json:"reasoning"`
}

// parseSuggestions extracts the JSON object from model output, which may be
// wrapped in prose or code fences.
func parseSuggestions(content string, g suggest.Goal, loc *time.Location) ([]suggest.Candidate, error) {
	i := strings.Index(content, "{")
	j := strings.LastIndex(content, "}")
	if i < 0 || j < i {
		return nil, fmt.Errorf("no JSON object in model output: %q", truncate(content, 120))
	}
	var payload struct {
		Suggestions *[]wireSuggestion `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(content[i:j+1]), &payload); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if payload.Suggestions == nil {
		return nil, errors.New(`model output has no "suggestions" field`)
	}

	out := make([]suggest.Candidate, 0, len(*payload.Suggestions))
	for _, w := range *payload.Suggestions {
		start, err := parseInstant(w.StartTime, loc)
		if err != nil {
			return nil, fmt.Errorf("suggestion %q: start_time: %w", w.Title, err)
		}
		end := start.Add(goalDuration(g))
		if strings.TrimSpace(w.EndTime) != "" {
			if end, err = parseInstant(w.EndTime, loc); err != nil {
				return nil, fmt.Errorf("suggestion %q: end_time: %w", w.Title, err)
			}
		}
		title := strings.TrimSpace(w.Title)
		if title == "" {
			title = g.Title
		}
		conf := 0.5
		if w.Confidence != nil {
			conf = min(max(*w.Confidence, 0), 1)
		}
		out = append(out, suggest.Candidate{
			GoalID:      g.ID,
			Title:       title,
			Description: strings.TrimSpace(w.Description),
			Start:       start,
			End:         end,
			Confidence:  conf,
			Reasoning:   strings.TrimSpace(w.Reasoning),
		})
	}
	return out, nil
}

var instantLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseInstant accepts RFC 3339, or a zone-less local time in loc.
func parseInstant(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func buildPrompt(g suggest.Goal, req Request) string {
	loc := req.loc()
	until := req.Until()
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following information, suggest %d optimal time slots for the user's goal.\n\n", perGoal)
	fmt.Fprintf(&b, "Goal: %s\n", g.Title)
	if d := strings.TrimSpace(g.Description); d != "" {
		fmt.Fprintf(&b, "Details: %s\n", d)
	}
	fmt.Fprintf(&b, "Duration: %d minutes\n", int(goalDuration(g)/time.Minute))
	fmt.Fprintf(&b, "Timezone: %s\n", loc)
	fmt.Fprintf(&b, "Current time: %s\n", req.From.In(loc).Format(time.RFC3339))

	b.WriteString("Existing events:\n")
	busy := req.BusyBetween(req.From, until)
	if len(busy) == 0 {
		b.WriteString("- none\n")
	}
	for _, e := range busy {
		fmt.Fprintf(&b, "- %s: %s to %s\n", e.Summary,
			e.Start.In(loc).Format(time.RFC3339), e.End.In(loc).Format(time.RFC3339))
	}

	b.WriteString("Time preferences:\n")
	if len(g.Preferred) == 0 && g.RRule == "" {
		b.WriteString("- none\n")
	}
	for _, w := range g.Preferred {
		day := w.Weekday
		if day == "" {
			day = "any day"
		}
		fmt.Fprintf(&b, "- %s %s-%s\n", day, w.Start, w.End)
	}
	if g.RRule != "" {
		fmt.Fprintf(&b, "- recurrence: %s\n", g.RRule)
	}

	fmt.Fprintf(&b, "\nSuggest time slots between %s and %s that don't conflict with existing events "+
		"and match the user's preferences.\n\n", req.From.In(loc).Format(time.DateOnly), until.In(loc).Format(time.DateOnly))
	b.WriteString(`Return the response in this exact JSON format:
{
  "suggestions": [
    {
      "title": "Event title",
      "description": "Detailed description",
      "start_time": "2025-01-20T10:00:00Z",
      "end_time": "2025-01-20T11:00:00Z",
      "confidence_score": 0.85,
      "reasoning": "Why this time slot is optimal"
    }
  ]
}`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
