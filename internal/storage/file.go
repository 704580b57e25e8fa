package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"cruisectl/internal/cruise"
	logx "cruisectl/pkg/logx"
)

// fileStore is the memory backend persisted to plain files.
//
// Files:
//   - <prefix>.cruises.json  (snapshot of every cruise, rewritten on each mutation)
//   - <prefix>.status.jsonl  (append-only status journal)
//
// The snapshot is written to a temp file and renamed into place before the
// in-memory table changes, so a failed write leaves both sides unchanged.
type fileStore struct {
	*Memory

	log logx.Logger

	snapPath string

	jmu        sync.Mutex
	statusFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".cruises.json"
	statusPath := prefix + ".status.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem.cruises); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", snapPath, err)
	}
	skipped, err := replayStatus(statusPath, &mem.status)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", statusPath, err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable status records", logx.String("path", statusPath), logx.Int("count", skipped))
	}

	sf, err := os.OpenFile(statusPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{Memory: mem, log: log, snapPath: snapPath, statusFile: sf}
	mem.commit = s.writeSnapshot
	mem.commitStatus = s.appendStatus

	log.Debug("file store opened",
		logx.String("snapshot", snapPath),
		logx.Int("cruises", len(mem.cruises)),
		logx.Int("status", len(mem.status)),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	err1 := s.Memory.Close()

	s.jmu.Lock()
	defer s.jmu.Unlock()
	var err2 error
	if s.statusFile != nil {
		err2 = s.statusFile.Close()
		s.statusFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// writeSnapshot runs under the memory write lock.
func (s *fileStore) writeSnapshot(next map[string]*cruise.State) error {
	ids := make([]string, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	states := make([]*cruise.State, 0, len(ids))
	for _, id := range ids {
		states = append(states, next[id])
	}

	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(states); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapPath)
}

func (s *fileStore) appendStatus(rec StatusRecord) error {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.statusFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.statusFile).Encode(rec)
}

func loadSnapshot(path string, out map[string]*cruise.State) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var states []*cruise.State
	if err := json.NewDecoder(f).Decode(&states); err != nil {
		return err
	}
	for _, st := range states {
		if st == nil || st.ID == "" {
			continue
		}
		st.Normalize()
		out[st.ID] = st
	}
	return nil
}

// replayStatus appends every readable journal line to out and reports how
// many lines it had to skip.
func replayStatus(path string, out *[]StatusRecord) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r StatusRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		*out = append(*out, r)
	}
	return skipped, sc.Err()
}
