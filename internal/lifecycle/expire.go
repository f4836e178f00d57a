package lifecycle

import (
	"context"
	"time"

	"planbot/internal/notifier"
	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// ExpireStale moves PENDING suggestions that are too old, or whose slot has
// begun, to EXPIRED. It then deletes terminal records older than the purge
// window whose notification is gone. Per-record failures are logged and
// skipped.
func (s *Scheduler) ExpireStale(ctx context.Context, now time.Time) (expired, purged int) {
	pol := s.policy()
	pending, err := s.store.ListByStatus(ctx, suggest.StatusPending)
	if err != nil {
		s.log.Warn("expiry skipped; pending list unavailable", logx.Err(err))
		return 0, 0
	}
	for _, sg := range pending {
		tooOld := now.Sub(sg.CreatedAt) > pol.cfg.Retention
		started := !sg.Start.After(now)
		if !tooOld && !started {
			continue
		}
		if s.expireOne(ctx, sg.ID, now) {
			expired++
		}
	}

	resolved, err := s.store.ListResolvedBefore(ctx, now.Add(-pol.cfg.PurgeAfter))
	if err != nil {
		s.log.Warn("purge skipped", logx.Err(err))
		return expired, 0
	}
	if len(resolved) == 0 {
		return expired, 0
	}
	visible := map[string]bool{}
	if shown, err := s.store.ListShown(ctx); err == nil {
		for _, n := range shown {
			visible[n.NotificationID] = true
			if n.SuggestionID != "" {
				visible[n.SuggestionID] = true
			}
		}
	} else {
		s.log.Warn("purge skipped; notification ledger unavailable", logx.Err(err))
		return expired, 0
	}
	for _, sg := range resolved {
		if visible[sg.ID] || visible[notifier.NotificationID(sg.ID)] {
			continue
		}
		unlock := s.locks.Lock("id:" + sg.ID)
		err := s.store.Delete(ctx, sg.ID)
		unlock()
		if err != nil {
			s.log.Warn("purge failed", logx.String("id", sg.ID), logx.Err(err))
			continue
		}
		purged++
	}
	if expired > 0 || purged > 0 {
		s.log.Info("stale suggestions handled", logx.Int("expired", expired), logx.Int("purged", purged))
	}
	return expired, purged
}

func (s *Scheduler) expireOne(ctx context.Context, id string, now time.Time) bool {
	unlock := s.locks.Lock("id:" + id)
	defer unlock()
	_, changed, err := s.store.Transition(ctx, id, suggest.StatusPending, suggest.StatusExpired, now)
	if err != nil {
		s.log.Warn("expire failed", logx.String("id", id), logx.Err(err))
		return false
	}
	if changed {
		s.audit(ctx, "expire", id, 0, suggest.StatusPending, suggest.StatusExpired, nil, "")
	}
	return changed
}
