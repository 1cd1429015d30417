package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.DebugLevel)

const (
	addrA = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000000000000000000000000000cc"
)

func openTestStore(t *testing.T, claimed, paid string) (*Store, map[model.LedgerKind]string) {
	t.Helper()
	dir := t.TempDir()
	paths := map[model.LedgerKind]string{
		model.LedgerClaimed:        filepath.Join(dir, "claimed.json"),
		model.LedgerPaidCommission: filepath.Join(dir, "paid_comission.json"),
	}
	if err := os.WriteFile(paths[model.LedgerClaimed], []byte(claimed), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths[model.LedgerPaidCommission], []byte(paid), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := Open(paths, logger)
	if err != nil {
		t.Fatalf("failed opening ledgers: %s", err)
	}
	return store, paths
}

func TestOpenNormalizes(t *testing.T) {
	store, _ := openTestStore(t, `["0xAA", "0x00aa", "0xbb"]`, `[]`)
	if diff := cmp.Diff([]string{addrA, addrB}, store.Snapshot(model.LedgerClaimed)); diff != "" {
		t.Fatalf("unexpected claimed ledger: %s", diff)
	}
	if !store.Contains(model.LedgerClaimed, "0xaA") {
		t.Fatalf("expected case-insensitive lookup to match")
	}
	if store.Contains(model.LedgerPaidCommission, addrA) {
		t.Fatalf("paid ledger should be empty")
	}
}

func TestOpenMissingOrMalformed(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(map[model.LedgerKind]string{
		model.LedgerClaimed: filepath.Join(dir, "nope.json"),
	}, logger)
	if !IsStorageError(err) {
		t.Fatalf("expected storage error for missing file, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"not": "a list"}`), 0644)
	_, err = Open(map[model.LedgerKind]string{model.LedgerClaimed: bad}, logger)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected storage error for malformed file, got %v", err)
	}
	if se.Kind != model.LedgerClaimed || se.Path != bad {
		t.Fatalf("unexpected storage error details: %+v", se)
	}
}

func TestRecordIsDurable(t *testing.T) {
	store, paths := openTestStore(t, `[]`, `[]`)
	if err := store.Record(model.LedgerClaimed, "0xBB"); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(model.LedgerClaimed, "0xbb"); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(model.LedgerClaimed, addrA); err != nil {
		t.Fatal(err)
	}

	onDisk, err := Load(model.LedgerClaimed, paths[model.LedgerClaimed])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{addrB, addrA}, onDisk); diff != "" {
		t.Fatalf("unexpected file contents: %s", diff)
	}

	reopened, err := Open(paths, logger)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Contains(model.LedgerClaimed, addrB) || !reopened.Contains(model.LedgerClaimed, addrA) {
		t.Fatalf("reopened ledger lost entries")
	}
}

func TestRecordRollsBackOnWriteFailure(t *testing.T) {
	store, paths := openTestStore(t, `["0xaa"]`, `[]`)
	var hooked error
	store.OnWrite(func(kind model.LedgerKind, err error) { hooked = err })
	store.writeFile = func(string, []byte) error { return errors.New("disk full") }

	err := store.Record(model.LedgerClaimed, addrB)
	if !IsStorageError(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if hooked == nil {
		t.Fatalf("write hook did not see the failure")
	}
	if store.Contains(model.LedgerClaimed, addrB) {
		t.Fatalf("failed record leaked into memory")
	}
	if diff := cmp.Diff([]string{addrA}, store.Snapshot(model.LedgerClaimed)); diff != "" {
		t.Fatalf("ledger changed after failed write: %s", diff)
	}
	onDisk, _ := Load(model.LedgerClaimed, paths[model.LedgerClaimed])
	if diff := cmp.Diff([]string{"0xaa"}, onDisk); diff != "" {
		t.Fatalf("file changed after failed write: %s", diff)
	}

	store.writeFile = writeFileAtomic
	if err := store.Record(model.LedgerClaimed, addrB); err != nil {
		t.Fatalf("record after recovery failed: %s", err)
	}
}

func TestRecordBatch(t *testing.T) {
	store, _ := openTestStore(t, `[]`, `["0xbb"]`)
	added, err := store.RecordBatch(model.LedgerPaidCommission, func(contains func(string) bool) []string {
		out := []string{}
		for _, a := range []string{addrA, addrB, addrC, addrA} {
			if !contains(a) {
				out = append(out, a)
			}
		}
		return out
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{addrA, addrC}, added); diff != "" {
		t.Fatalf("unexpected batch: %s", diff)
	}
	if diff := cmp.Diff([]string{addrB, addrA, addrC}, store.Snapshot(model.LedgerPaidCommission)); diff != "" {
		t.Fatalf("unexpected ledger: %s", diff)
	}

	added, err = store.RecordBatch(model.LedgerPaidCommission, func(func(string) bool) []string { return nil })
	if err != nil || len(added) != 0 {
		t.Fatalf("empty batch should be a no-op, got %v %v", added, err)
	}
}

func TestConcurrentRecords(t *testing.T) {
	store, paths := openTestStore(t, `[]`, `[]`)
	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr, _ := model.NormalizeAddress(fmt.Sprintf("0x%x", i+1))
			if err := store.Record(model.LedgerClaimed, addr); err != nil {
				t.Error(err)
			}
			store.Contains(model.LedgerPaidCommission, addr)
		}(i)
	}
	wg.Wait()
	onDisk, err := Load(model.LedgerClaimed, paths[model.LedgerClaimed])
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk) != 32 || store.Len(model.LedgerClaimed) != 32 {
		t.Fatalf("expected 32 entries, file has %d, memory has %d", len(onDisk), store.Len(model.LedgerClaimed))
	}
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimed.json")
	created, err := Create(path)
	if err != nil || !created {
		t.Fatalf("expected file to be created, got %v %v", created, err)
	}
	created, err = Create(path)
	if err != nil || created {
		t.Fatalf("existing file must be left alone, got %v %v", created, err)
	}
	entries, err := Load(model.LedgerClaimed, path)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty ledger, got %v %v", entries, err)
	}
}
