package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	kit "planbot/internal/transport"
	logx "planbot/pkg/logx"
)

// TelegramSurface shows notifications as chat messages with inline buttons.
// Handles have the form "<chat_id>:<message_id>".
type TelegramSurface struct {
	adapter kit.Adapter
	target  kit.ChatTarget
}

func NewTelegramSurface(adapter kit.Adapter, target kit.ChatTarget) *TelegramSurface {
	return &TelegramSurface{adapter: adapter, target: target}
}

func (s *TelegramSurface) Name() string { return "telegram" }

func (s *TelegramSurface) Show(ctx context.Context, n Notification) (string, error) {
	ref, err := s.adapter.SendText(ctx, s.target, MessageText(n), MessageOptions(n))
	if err != nil {
		return "", err
	}
	return formatHandle(ref), nil
}

func (s *TelegramSurface) Update(ctx context.Context, handle string, n Notification) error {
	ref, err := parseHandle(handle, s.target.ThreadID)
	if err != nil {
		return err
	}
	return s.adapter.EditText(ctx, ref, MessageText(n), MessageOptions(n))
}

func (s *TelegramSurface) Retract(ctx context.Context, handle string) error {
	ref, err := parseHandle(handle, s.target.ThreadID)
	if err != nil {
		return err
	}
	return s.adapter.Delete(ctx, ref)
}

// MessageText renders n as plain chat text.
func MessageText(n Notification) string {
	return n.Title + "\n\n" + n.Body
}

// MessageOptions renders n's actions as one row of inline buttons.
func MessageOptions(n Notification) *kit.SendOptions {
	opt := &kit.SendOptions{DisablePreview: true}
	if len(n.Actions) > 0 {
		row := make([]kit.Button, 0, len(n.Actions))
		for _, a := range n.Actions {
			row = append(row, kit.Button{Text: a.Label, Data: a.Data})
		}
		opt.Buttons = [][]kit.Button{row}
	}
	return opt
}

func formatHandle(ref kit.MessageRef) string {
	return strconv.FormatInt(ref.ChatID, 10) + ":" + strconv.Itoa(ref.MessageID)
}

func parseHandle(h string, threadID int) (kit.MessageRef, error) {
	chat, msg, ok := strings.Cut(h, ":")
	if !ok {
		return kit.MessageRef{}, fmt.Errorf("bad telegram handle %q", h)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("bad telegram handle %q: %w", h, err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("bad telegram handle %q: %w", h, err)
	}
	return kit.MessageRef{ChatID: chatID, ThreadID: threadID, MessageID: msgID}, nil
}

// LogSurface writes notifications to the log. It serves headless
// deployments; actions are then taken through the command surface.
type LogSurface struct {
	log logx.Logger
}

func NewLogSurface(log logx.Logger) *LogSurface {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSurface{log: log}
}

func (s *LogSurface) Name() string { return "log" }

func (s *LogSurface) Show(_ context.Context, n Notification) (string, error) {
	s.log.Info("notification shown",
		logx.String("id", n.ID), logx.String("title", n.Title), logx.String("body", n.Body),
		logx.Strings("covers", n.Covers))
	return n.ID, nil
}

func (s *LogSurface) Update(_ context.Context, handle string, n Notification) error {
	s.log.Info("notification updated", logx.String("id", handle), logx.String("body", n.Body))
	return nil
}

func (s *LogSurface) Retract(_ context.Context, handle string) error {
	s.log.Info("notification retracted", logx.String("id", handle))
	return nil
}
