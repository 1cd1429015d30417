package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StorageError is returned for any failure reading or persisting a ledger file.
type StorageError struct {
	Kind model.LedgerKind
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s (%s): %s", e.Kind, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

type addressSet struct {
	path    string
	order   []string
	members map[string]struct{}
}

func (s *addressSet) contains(addr string) bool {
	_, ok := s.members[model.LedgerKey(addr)]
	return ok
}

// Store holds the claimed and paid-commission address sets. Every access goes
// through one mutex; a mutation is only visible once its file rewrite succeeded.
type Store struct {
	lock      sync.Mutex
	sets      map[model.LedgerKind]*addressSet
	logger    *zap.Logger
	writeFile func(path string, data []byte) error
	onWrite   func(kind model.LedgerKind, err error)
}

// Open loads every ledger in paths. A missing or malformed file is fatal.
func Open(paths map[model.LedgerKind]string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		sets:      map[model.LedgerKind]*addressSet{},
		logger:    logger.Named("ledger"),
		writeFile: writeFileAtomic,
	}
	for kind, path := range paths {
		entries, err := Load(kind, path)
		if err != nil {
			return nil, err
		}
		set := &addressSet{path: path, members: map[string]struct{}{}}
		for _, e := range entries {
			key := model.LedgerKey(e)
			if _, dupe := set.members[key]; dupe {
				continue
			}
			set.members[key] = struct{}{}
			set.order = append(set.order, key)
		}
		s.sets[kind] = set
		s.logger.Info(fmt.Sprintf("loaded %d %s addresses", len(set.order), kind), zap.String("path", path))
	}
	return s, nil
}

// Load reads a ledger file: a JSON array of address strings.
func Load(kind model.LedgerKind, path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Kind: kind, Path: path, Err: err}
	}
	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &StorageError{Kind: kind, Path: path, Err: errors.Wrap(err, "malformed ledger file")}
	}
	return entries, nil
}

// Create writes an empty ledger at path unless a file already exists.
func Create(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return true, writeFileAtomic(path, []byte("[]"))
}

// OnWrite registers a hook invoked after every persisted mutation attempt.
func (s *Store) OnWrite(fn func(kind model.LedgerKind, err error)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onWrite = fn
}

func (s *Store) set(kind model.LedgerKind) *addressSet {
	set, ok := s.sets[kind]
	if !ok {
		panic(fmt.Sprintf("ledger %s was not opened", kind))
	}
	return set
}

func (s *Store) Contains(kind model.LedgerKind, address string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.set(kind).contains(address)
}

func (s *Store) Len(kind model.LedgerKind) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.set(kind).order)
}

// Snapshot returns a copy of the ledger in insertion order.
func (s *Store) Snapshot(kind model.LedgerKind) []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	set := s.set(kind)
	out := make([]string, len(set.order))
	copy(out, set.order)
	return out
}

// Record adds address to the ledger and rewrites the file before returning.
// On a write failure the in-memory set is left untouched.
func (s *Store) Record(kind model.LedgerKind, address string) error {
	_, err := s.RecordBatch(kind, func(func(string) bool) []string {
		return []string{address}
	})
	return err
}

// RecordBatch runs pick under the ledger lock, adds every address it returns
// and persists them with a single rewrite. All or nothing.
func (s *Store) RecordBatch(kind model.LedgerKind, pick func(contains func(string) bool) []string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	set := s.set(kind)

	var added []string
	seen := map[string]struct{}{}
	for _, addr := range pick(set.contains) {
		key := model.LedgerKey(addr)
		if set.contains(key) {
			continue
		}
		if _, dupe := seen[key]; dupe {
			continue
		}
		seen[key] = struct{}{}
		added = append(added, key)
	}
	if len(added) == 0 {
		return nil, nil
	}

	next := make([]string, 0, len(set.order)+len(added))
	next = append(next, set.order...)
	next = append(next, added...)
	err := s.persist(kind, set.path, next)
	if s.onWrite != nil {
		s.onWrite(kind, err)
	}
	if err != nil {
		return nil, err
	}

	set.order = next
	for _, key := range added {
		set.members[key] = struct{}{}
	}
	return added, nil
}

func (s *Store) persist(kind model.LedgerKind, path string, entries []string) error {
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return &StorageError{Kind: kind, Path: path, Err: err}
	}
	if err := s.writeFile(path, data); err != nil {
		s.logger.Error("failed persisting ledger", zap.String("kind", string(kind)), zap.Error(err))
		return &StorageError{Kind: kind, Path: path, Err: err}
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path, so readers see either the old or the new file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed creating temp ledger file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed writing temp ledger file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed syncing temp ledger file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed closing temp ledger file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrap(err, "failed replacing ledger file")
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
