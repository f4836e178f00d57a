package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// fileStore keeps the full state in memory and makes every mutation
// durable by appending it to a journal before applying it.
//
// Files:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (mutations since the snapshot)
//   - <prefix>.audit.jsonl   (append-only)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	audit        *os.File
	writes       int

	st    fileState
	byKey map[string]string
}

type fileState struct {
	Suggestions map[string]suggest.Suggestion `json:"suggestions"`
	Shown       map[string]Shown              `json:"shown"`
	Meta        map[string]string             `json:"meta"`
}

type journalRecord struct {
	Op         string              `json:"op"`
	Suggestion *suggest.Suggestion `json:"suggestion,omitempty"`
	ID         string              `json:"id,omitempty"`
	Key        string              `json:"key,omitempty"`
	Value      string              `json:"value,omitempty"`
	Shown      *Shown              `json:"shown,omitempty"`
}

const (
	opPut     = "put"
	opDel     = "del"
	opMeta    = "meta"
	opShow    = "show"
	opUnshow  = "unshow"
	compactAt = 500
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		st:           newFileState(),
	}
	if err := loadSnapshot(s.snapshotPath, &s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := replayJournal(journalPath, &s.st, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.reindex()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.audit = af

	if err := s.compactLocked(); err != nil {
		log.Warn("initial compaction failed", logx.Err(err))
	}
	return s, nil
}

func newFileState() fileState {
	return fileState{
		Suggestions: map[string]suggest.Suggestion{},
		Shown:       map[string]Shown{},
		Meta:        map[string]string{},
	}
}

func (s *fileStore) reindex() {
	s.byKey = make(map[string]string, len(s.st.Suggestions))
	for id, sg := range s.st.Suggestions {
		s.byKey[sg.Key] = id
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Insert(_ context.Context, sg suggest.Suggestion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Suggestions[sg.ID]; ok {
		return false, nil
	}
	if _, ok := s.byKey[sg.Key]; ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: opPut, Suggestion: &sg}); err != nil {
		return false, err
	}
	s.st.Suggestions[sg.ID] = sg
	s.byKey[sg.Key] = sg.ID
	return true, nil
}

func (s *fileStore) Get(_ context.Context, id string) (suggest.Suggestion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.st.Suggestions[id]
	return sg, ok, nil
}

func (s *fileStore) FindByKey(_ context.Context, key string) (suggest.Suggestion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return suggest.Suggestion{}, false, nil
	}
	return s.st.Suggestions[id], true, nil
}

func (s *fileStore) ListByStatus(_ context.Context, status suggest.Status) ([]suggest.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(sg suggest.Suggestion) bool { return sg.Status == status }), nil
}

func (s *fileStore) ListResolvedBefore(_ context.Context, t time.Time) ([]suggest.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(sg suggest.Suggestion) bool {
		return sg.Status.Terminal() && !sg.ResolvedAt.IsZero() && sg.ResolvedAt.Before(t)
	}), nil
}

func (s *fileStore) filterLocked(keep func(suggest.Suggestion) bool) []suggest.Suggestion {
	var out []suggest.Suggestion
	for _, sg := range s.st.Suggestions {
		if keep(sg) {
			out = append(out, sg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *fileStore) Transition(_ context.Context, id string, from, to suggest.Status, at time.Time) (suggest.Suggestion, bool, error) {
	if !suggest.CanTransition(from, to) {
		return suggest.Suggestion{}, false, fmt.Errorf("%w: %s -> %s", suggest.ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.Suggestions[id]
	if !ok {
		return suggest.Suggestion{}, false, ErrNotFound
	}
	if cur.Status != from {
		return cur, false, nil
	}
	next := cur
	next.Status = to
	next.ResolvedAt = at
	if err := s.putLocked(next); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

func (s *fileStore) SetNotified(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(sg *suggest.Suggestion) { sg.NotifiedAt = at })
}

func (s *fileStore) SetCommitRef(_ context.Context, id, ref string) error {
	return s.update(id, func(sg *suggest.Suggestion) { sg.CommitRef = ref })
}

func (s *fileStore) update(id string, fn func(*suggest.Suggestion)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.Suggestions[id]
	if !ok {
		return ErrNotFound
	}
	fn(&cur)
	return s.putLocked(cur)
}

func (s *fileStore) putLocked(sg suggest.Suggestion) error {
	if err := s.appendLocked(journalRecord{Op: opPut, Suggestion: &sg}); err != nil {
		return err
	}
	s.st.Suggestions[sg.ID] = sg
	return nil
}

func (s *fileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.Suggestions[id]
	if !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDel, ID: id}); err != nil {
		return err
	}
	delete(s.st.Suggestions, id)
	delete(s.byKey, cur.Key)
	return nil
}

func (s *fileStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.Meta[key]
	return v, ok, nil
}

func (s *fileStore) PutMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opMeta, Key: key, Value: value}); err != nil {
		return err
	}
	s.st.Meta[key] = value
	return nil
}

func (s *fileStore) PutShown(_ context.Context, n Shown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opShow, Shown: &n}); err != nil {
		return err
	}
	s.st.Shown[n.NotificationID] = n
	return nil
}

func (s *fileStore) DeleteShown(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Shown[notificationID]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opUnshow, ID: notificationID}); err != nil {
		return err
	}
	delete(s.st.Shown, notificationID)
	return nil
}

func (s *fileStore) ListShown(_ context.Context) ([]Shown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Shown, 0, len(s.st.Shown))
	for _, n := range s.st.Shown {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotificationID < out[j].NotificationID })
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

// appendLocked writes and syncs one journal record. The caller applies the
// mutation to memory only after this succeeds.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactAt == 0 {
		// The record is already durable; compaction is best effort.
		defer func() {
			if err := s.compactLocked(); err != nil {
				s.log.Debug("journal compaction failed", logx.Err(err))
			}
		}()
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Suggestions {
		out.Suggestions[k] = v
	}
	for k, v := range st.Shown {
		out.Shown[k] = v
	}
	for k, v := range st.Meta {
		out.Meta[k] = v
	}
	return nil
}

func replayJournal(path string, st *fileState, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final write after a crash is expected; skip it.
			log.Warn("skipping unreadable journal record", logx.Int("line", line), logx.Err(err))
			continue
		}
		switch r.Op {
		case opPut:
			if r.Suggestion != nil {
				st.Suggestions[r.Suggestion.ID] = *r.Suggestion
			}
		case opDel:
			delete(st.Suggestions, r.ID)
		case opMeta:
			st.Meta[r.Key] = r.Value
		case opShow:
			if r.Shown != nil {
				st.Shown[r.Shown.NotificationID] = *r.Shown
			}
		case opUnshow:
			delete(st.Shown, r.ID)
		}
	}
	return sc.Err()
}
