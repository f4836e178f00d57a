package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps status compare-and-set serialized at the database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const suggestionCols = `id, biz_key, goal_id, title, description, start_at, end_at, confidence,
	reasoning, status, created_at, notified_at, resolved_at, commit_ref`

func (s *sqliteStore) Insert(ctx context.Context, sg suggest.Suggestion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestions(`+suggestionCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		sg.ID, sg.Key, sg.GoalID, sg.Title, sg.Description, toMS(sg.Start), toMS(sg.End), sg.Confidence,
		sg.Reasoning, string(sg.Status), toMS(sg.CreatedAt), toMS(sg.NotifiedAt), toMS(sg.ResolvedAt), sg.CommitRef,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (suggest.Suggestion, bool, error) {
	return s.queryOne(ctx, `SELECT `+suggestionCols+` FROM suggestions WHERE id = ?`, id)
}

func (s *sqliteStore) FindByKey(ctx context.Context, key string) (suggest.Suggestion, bool, error) {
	return s.queryOne(ctx, `SELECT `+suggestionCols+` FROM suggestions WHERE biz_key = ?`, key)
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status suggest.Status) ([]suggest.Suggestion, error) {
	return s.queryMany(ctx,
		`SELECT `+suggestionCols+` FROM suggestions WHERE status = ? ORDER BY start_at, id`, string(status))
}

func (s *sqliteStore) ListResolvedBefore(ctx context.Context, t time.Time) ([]suggest.Suggestion, error) {
	return s.queryMany(ctx,
		`SELECT `+suggestionCols+` FROM suggestions
		 WHERE status <> 'PENDING' AND resolved_at > 0 AND resolved_at < ?
		 ORDER BY resolved_at, id`, toMS(t))
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from, to suggest.Status, at time.Time) (suggest.Suggestion, bool, error) {
	if !suggest.CanTransition(from, to) {
		return suggest.Suggestion{}, false, fmt.Errorf("%w: %s -> %s", suggest.ErrInvalidTransition, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(to), toMS(at), id, string(from))
	if err != nil {
		return suggest.Suggestion{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return suggest.Suggestion{}, false, err
	}
	cur, ok, err := s.Get(ctx, id)
	if err != nil {
		return suggest.Suggestion{}, false, err
	}
	if !ok {
		return suggest.Suggestion{}, false, ErrNotFound
	}
	return cur, n == 1, nil
}

func (s *sqliteStore) SetNotified(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE suggestions SET notified_at = ? WHERE id = ?`, toMS(at), id)
}

func (s *sqliteStore) SetCommitRef(ctx context.Context, id, ref string) error {
	return s.execOne(ctx, `UPDATE suggestions SET commit_ref = ? WHERE id = ?`, ref, id)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suggestions WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *sqliteStore) PutShown(ctx context.Context, n Shown) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(notification_id, suggestion_id, handle, digest, shown_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(notification_id) DO UPDATE SET
		   suggestion_id = excluded.suggestion_id, handle = excluded.handle,
		   digest = excluded.digest, shown_at = excluded.shown_at`,
		n.NotificationID, n.SuggestionID, n.Handle, n.Digest, toMS(n.ShownAt))
	return err
}

func (s *sqliteStore) DeleteShown(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE notification_id = ?`, notificationID)
	return err
}

func (s *sqliteStore) ListShown(ctx context.Context) ([]Shown, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notification_id, suggestion_id, handle, digest, shown_at FROM notifications ORDER BY notification_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shown
	for rows.Next() {
		var (
			n  Shown
			ms int64
		)
		if err := rows.Scan(&n.NotificationID, &n.SuggestionID, &n.Handle, &n.Digest, &ms); err != nil {
			return nil, err
		}
		n.ShownAt = fromMS(ms)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, suggestion_id, actor_id, from_status, to_status, ok, err, detail)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Action, nullStr(e.SuggestionID), e.ActorID,
		nullStr(e.From), nullStr(e.To), e.OK, nullStr(e.Error), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(r rowScanner) (suggest.Suggestion, error) {
	var (
		sg                                   suggest.Suggestion
		status                               string
		start, end, created, notified, resol int64
	)
	err := r.Scan(&sg.ID, &sg.Key, &sg.GoalID, &sg.Title, &sg.Description, &start, &end, &sg.Confidence,
		&sg.Reasoning, &status, &created, &notified, &resol, &sg.CommitRef)
	if err != nil {
		return suggest.Suggestion{}, err
	}
	sg.Status = suggest.Status(status)
	sg.Start = fromMS(start)
	sg.End = fromMS(end)
	sg.CreatedAt = fromMS(created)
	sg.NotifiedAt = fromMS(notified)
	sg.ResolvedAt = fromMS(resol)
	return sg, nil
}

func (s *sqliteStore) queryOne(ctx context.Context, q string, args ...any) (suggest.Suggestion, bool, error) {
	sg, err := scanSuggestion(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return suggest.Suggestion{}, false, nil
	}
	if err != nil {
		return suggest.Suggestion{}, false, err
	}
	return sg, true, nil
}

func (s *sqliteStore) queryMany(ctx context.Context, q string, args ...any) ([]suggest.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []suggest.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
