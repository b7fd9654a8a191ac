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
	"time"

	logx "chatgate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.dispatch.jsonl       (append-only JSON Lines ledger)
//   - <prefix>.idem.snapshot.json   (periodic snapshot of idempotency keys)
//   - <prefix>.idem.journal.jsonl   (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	ledgerFile *os.File

	idemSnapshotPath string
	idemJournalFile  *os.File
	idem             map[string]int64 // unix milli

	idemWrites int
}

type idemRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
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

	ledgerPath := prefix + ".dispatch.jsonl"
	snapPath := prefix + ".idem.snapshot.json"
	journalPath := prefix + ".idem.journal.jsonl"

	lf, err := os.OpenFile(ledgerPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load idempotency keys from snapshot + journal.
	idem := map[string]int64{}
	_ = loadIdemSnapshot(snapPath, idem)
	_ = replayIdemJournal(journalPath, idem)
	pruneExpiredIdem(idem)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = lf.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		ledgerFile:       lf,
		idemSnapshotPath: snapPath,
		idemJournalFile:  jf,
		idem:             idem,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.ledgerFile != nil {
		err1 = s.ledgerFile.Close()
		s.ledgerFile = nil
	}
	if s.idemJournalFile != nil {
		err2 = s.idemJournalFile.Close()
		s.idemJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDispatch(ctx context.Context, rec DispatchRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile == nil {
		return errors.New("dispatch ledger closed")
	}
	return json.NewEncoder(s.ledgerFile).Encode(rec)
}

func (s *fileStore) PutIdempotency(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idemJournalFile == nil {
		return errors.New("idempotency journal closed")
	}
	if s.idem == nil {
		s.idem = map[string]int64{}
	}
	s.idem[key] = ms

	if err := json.NewEncoder(s.idemJournalFile).Encode(idemRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.idemWrites++
	if s.idemWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("idempotency compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetIdempotency(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.idem[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if ms < time.Now().UnixMilli() {
		delete(s.idem, key)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PruneIdempotency(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.idem)
	pruneExpiredIdem(s.idem)
	return before - len(s.idem), nil
}

func (s *fileStore) compactLocked() error {
	if s.idem == nil {
		return nil
	}
	pruneExpiredIdem(s.idem)

	tmp := s.idemSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.idem); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.idemSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.idemJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.idemJournalFile.Seek(0, 2)
	return err
}

func loadIdemSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayIdemJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r idemRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredIdem(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
