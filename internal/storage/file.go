package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/eapache/queue"

	logx "offload/pkg/logx"
)

// fileStore keeps outcomes in <prefix>.outcomes.jsonl (append-only JSON
// Lines) and the newest Retain outcomes in memory.
//
// The journal is compacted down to the in-memory tail once it holds twice
// the retained count.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path   string
	file   *os.File
	lines  int
	retain int
	tail   *queue.Queue // of Outcome, oldest first
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
	journal := filepath.Join(dir, base+".outcomes.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: journal, retain: cfg.retain(), tail: queue.New()}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("outcome journal replay failed", logx.String("path", journal), logx.Err(err))
	}
	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines++
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || o.TaskID == "" {
			continue
		}
		s.pushLocked(o)
	}
	return sc.Err()
}

func (s *fileStore) pushLocked(o Outcome) {
	s.tail.Add(o)
	for s.tail.Length() > s.retain {
		s.tail.Remove()
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("outcome journal closed")
	}
	if err := json.NewEncoder(s.file).Encode(o); err != nil {
		return err
	}
	s.lines++
	s.pushLocked(o)
	if s.lines >= 2*s.retain {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("outcome journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.tail.Length()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.tail.Get(i).(Outcome))
	}
	return out, nil
}

// compactLocked rewrites the journal from the in-memory tail.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := 0; i < s.tail.Length(); i++ {
		if err := enc.Encode(s.tail.Get(i)); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.file.Close()
	s.file = nf
	s.lines = s.tail.Length()
	return nil
}
