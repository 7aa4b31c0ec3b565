package jobstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore keeps every job in memory and persists it as:
//   - <prefix>.jobs.snapshot.json (periodic snapshot, atomic rename)
//   - <prefix>.jobs.journal.jsonl (append-only, fsynced per write)
//
// The journal is compacted into the snapshot on open and every compactEvery
// writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	jobs         map[string]reminder.Job

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string        `json:"op"` // "put" or "del"
	Job *reminder.Job `json:"job,omitempty"`
	ID  string        `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	jobs := map[string]reminder.Job{}
	if err := loadSnapshot(snapPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, jobs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal lines", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		jobs:         jobs,
		compactEvery: 500,
	}
	s.mu.Lock()
	err = s.compactLocked()
	s.mu.Unlock()
	if err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("compact: %w", err)
	}
	log.Debug("file store opened", logx.Int("jobs", len(jobs)), logx.String("snapshot", snapPath))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Put(ctx context.Context, job reminder.Job) error {
	_ = ctx
	job, err := normalizeNew(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", reminder.ErrDuplicateID, job.ID)
	}
	if err := s.appendLocked(journalRecord{Op: "put", Job: &job}); err != nil {
		return err
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (reminder.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return reminder.Job{}, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return j, nil
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, status reminder.Status, attempts int, lastError string) (reminder.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return reminder.Job{}, ErrClosed
	}
	cur, ok := s.jobs[id]
	if !ok {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err := reminder.CheckTransition(cur, status, attempts); err != nil {
		return reminder.Job{}, err
	}
	next := cur.Apply(status, attempts, lastError, time.Now())
	if err := s.appendLocked(journalRecord{Op: "put", Job: &next}); err != nil {
		return reminder.Job{}, err
	}
	s.jobs[id] = next
	return next, nil
}

func (s *fileStore) ListPending(ctx context.Context) ([]reminder.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]reminder.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status == reminder.StatusPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fileStore) List(ctx context.Context, f Filter) ([]reminder.Job, error) {
	_ = ctx
	s.mu.Lock()
	if s.journal == nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]reminder.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.Unlock()
	return applyFilter(out, f), nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := 0
	for id, j := range s.jobs {
		if !prunable(j, before) {
			continue
		}
		if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
			return n, err
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

// appendLocked writes one journal record and fsyncs it before the in-memory
// map is updated.
func (s *fileStore) appendLocked(r journalRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
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
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]reminder.Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]reminder.Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records in order. A torn final line (crash
// mid-append) is skipped and counted.
func replayJournal(path string, out map[string]reminder.Job) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil && r.Job.ID != "" {
				out[r.Job.ID] = *r.Job
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return skipped, sc.Err()
}
