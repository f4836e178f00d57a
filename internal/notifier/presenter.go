package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"planbot/internal/eventbus"
	"planbot/internal/storage"
	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// Ledger persists which notifications are visible. storage.Store satisfies it.
type Ledger interface {
	ListShown(ctx context.Context) ([]storage.Shown, error)
	PutShown(ctx context.Context, n storage.Shown) error
	DeleteShown(ctx context.Context, notificationID string) error
}

// Presenter reconciles visible notifications with the pending set.
// Reconcile and Retract are serialized so concurrent callers never race on
// the ledger.
type Presenter struct {
	log     logx.Logger
	bus     eventbus.Bus
	ledger  Ledger
	surface Surface
	now     func() time.Time

	cmu     sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	mu sync.Mutex
}

func NewPresenter(cfg Config, surface Surface, ledger Ledger, log logx.Logger, bus eventbus.Bus) *Presenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Presenter{
		log:     log.With(logx.String("surface", surface.Name())),
		bus:     bus,
		ledger:  ledger,
		surface: surface,
		now:     time.Now,
	}
	p.Apply(cfg)
	return p
}

// Apply swaps delivery knobs at runtime.
func (p *Presenter) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	p.cmu.Lock()
	p.cfg = cfg
	p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	p.cmu.Unlock()
}

func (p *Presenter) config() (Config, *rate.Limiter) {
	p.cmu.Lock()
	defer p.cmu.Unlock()
	return p.cfg, p.limiter
}

// Reconcile makes the visible set match pending: extras are retracted,
// missing ones shown, changed ones updated in place.
func (p *Presenter) Reconcile(ctx context.Context, pending []suggest.Suggestion) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, _ := p.config()
	want, skipped := Desired(pending, cfg.Location, cfg.MaxListed)
	var res Result
	for _, err := range skipped {
		p.log.Warn("suggestion not rendered", logx.Err(err))
		res.Skipped = append(res.Skipped, err.Error())
	}

	shown, err := p.ledger.ListShown(ctx)
	if err != nil {
		return res, err
	}
	have := make(map[string]storage.Shown, len(shown))
	for _, s := range shown {
		have[s.NotificationID] = s
	}
	wanted := make(map[string]bool, len(want))
	for _, n := range want {
		wanted[n.ID] = true
	}

	for _, s := range shown {
		if wanted[s.NotificationID] {
			continue
		}
		if err := p.retractLocked(ctx, s); err != nil {
			res.Failed++
			continue
		}
		res.Retracted = append(res.Retracted, s.NotificationID)
	}

	for _, n := range want {
		digest := n.Digest()
		cur, visible := have[n.ID]
		if visible && cur.Digest == digest {
			continue
		}
		var handle string
		if visible {
			err = p.deliver(ctx, "update", func(c context.Context) error {
				return p.surface.Update(c, cur.Handle, n)
			})
			handle = cur.Handle
		} else {
			err = p.deliver(ctx, "show", func(c context.Context) error {
				h, err := p.surface.Show(c, n)
				handle = h
				return err
			})
		}
		if err != nil {
			res.Failed++
			p.log.Warn("notification delivery failed", logx.String("id", n.ID), logx.Err(err))
			p.publish(eventbus.TypeNotifyFailed, n, err)
			continue
		}
		row := storage.Shown{
			NotificationID: n.ID,
			SuggestionID:   n.SuggestionID(),
			Handle:         handle,
			Digest:         digest,
			ShownAt:        p.now(),
		}
		if err := p.ledger.PutShown(ctx, row); err != nil {
			// Visible but unrecorded: the next pass shows it again.
			p.log.Error("ledger write failed", logx.String("id", n.ID), logx.Err(err))
			res.Failed++
		}
		if visible {
			res.Updated = append(res.Updated, n.ID)
		} else {
			res.Shown = append(res.Shown, n.ID)
		}
		res.Notified = append(res.Notified, n.Covers...)
		p.publish(eventbus.TypeNotifyShown, n, nil)
	}

	p.log.Debug("reconciled notifications",
		logx.Int("pending", len(pending)),
		logx.Int("shown", len(res.Shown)),
		logx.Int("updated", len(res.Updated)),
		logx.Int("retracted", len(res.Retracted)),
		logx.Int("failed", res.Failed))
	return res, nil
}

// Retract removes the detailed notification of one suggestion, if visible.
func (p *Presenter) Retract(ctx context.Context, suggestionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	shown, err := p.ledger.ListShown(ctx)
	if err != nil {
		return err
	}
	id := NotificationID(suggestionID)
	for _, s := range shown {
		if s.NotificationID == id || (s.SuggestionID != "" && s.SuggestionID == suggestionID) {
			return p.retractLocked(ctx, s)
		}
	}
	return nil
}

// Visible returns the current ledger.
func (p *Presenter) Visible(ctx context.Context) ([]storage.Shown, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.ListShown(ctx)
}

func (p *Presenter) retractLocked(ctx context.Context, s storage.Shown) error {
	err := p.deliver(ctx, "retract", func(c context.Context) error {
		return p.surface.Retract(c, s.Handle)
	})
	if err != nil {
		p.log.Warn("retract failed", logx.String("id", s.NotificationID), logx.Err(err))
		return err
	}
	if err := p.ledger.DeleteShown(ctx, s.NotificationID); err != nil {
		p.log.Error("ledger delete failed", logx.String("id", s.NotificationID), logx.Err(err))
		return err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyRetracted, Data: Event{
		NotificationID: s.NotificationID, Surface: p.surface.Name(), At: p.now(),
	}})
	return nil
}

// deliver runs one surface call under the rate limiter, retrying with
// jittered exponential backoff.
func (p *Presenter) deliver(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg, lim := p.config()
	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := fn(sctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= cfg.RetryMax || ctx.Err() != nil || errors.Is(err, suggest.ErrMalformedNotificationPayload) {
			return err
		}
		delay := retryDelay(cfg, attempt)
		p.log.Debug("surface call failed; retrying",
			logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *Presenter) publish(typ string, n Notification, err error) {
	ev := Event{NotificationID: n.ID, Surface: p.surface.Name(), Covers: n.Covers, At: p.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt && d < maxD; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), maxD)
}
