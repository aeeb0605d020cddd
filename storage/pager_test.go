package storage

import (
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestOpenCreatesFreshDatabase(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if p.PageCount() != 1 {
		t.Fatalf("fresh page_count = %d, want 1", p.PageCount())
	}
	if p.WAL() == nil {
		t.Fatalf("expected a WAL writer on a fresh read-write open")
	}
}

func TestAllocateWriteAndReadBackPage(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if id != 1 {
		t.Fatalf("first allocated page id = %d, want 1", id)
	}

	var img [PageSize]byte
	copy(img[:], "hello page")
	if err := p.WritePageToDisk(id, img); err != nil {
		t.Fatalf("WritePageToDisk: %v", err)
	}

	got, err := p.GetPage(id)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if string(got.Data[:10]) != "hello page" {
		t.Fatalf("round trip mismatch: got %q", got.Data[:10])
	}
}

func TestGetPageRejectsZeroAndOutOfRange(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if _, err := p.GetPage(0); err == nil {
		t.Fatalf("expected error fetching page 0")
	}
	if _, err := p.GetPage(999); err == nil {
		t.Fatalf("expected error fetching an unallocated page")
	}
}

func TestReopenPreservesPagesAfterCleanClose(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	var img [PageSize]byte
	copy(img[:], "durable")
	if err := p.WritePageToDisk(id, img); err != nil {
		t.Fatalf("WritePageToDisk: %v", err)
	}
	p.SetMeta(p.CatalogRoot(), p.PageCount(), p.FreelistHeadID(), p.Epoch())
	if err := p.FlushMeta(); err != nil {
		t.Fatalf("FlushMeta: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	got, err := p2.GetPage(id)
	if err != nil {
		t.Fatalf("GetPage after reopen: %v", err)
	}
	if string(got.Data[:7]) != "durable" {
		t.Fatalf("page not durable across reopen: got %q", got.Data[:7])
	}
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "correct-pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	var img [PageSize]byte
	copy(img[:], "secret")
	if err := p.WritePageToDisk(id, img); err != nil {
		t.Fatalf("WritePageToDisk: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Opening succeeds regardless of passphrase correctness (the header
	// and suite id are plaintext); the wrong key only surfaces as a
	// decrypt failure on the first read.
	p2, err := Open(path, "wrong-pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open with wrong passphrase unexpectedly failed outright: %v", err)
	}
	defer p2.Close()
	if _, err := p2.GetPage(id); err == nil {
		t.Fatalf("expected GetPage to fail to authenticate under the wrong passphrase")
	}
}

func TestOpenMemoryRoundTrip(t *testing.T) {
	p, err := OpenMemory("pw")
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	var img [PageSize]byte
	copy(img[:], "in memory")
	if err := p.WritePageToDisk(id, img); err != nil {
		t.Fatalf("WritePageToDisk: %v", err)
	}
	got, err := p.GetPage(id)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if string(got.Data[:9]) != "in memory" {
		t.Fatalf("round trip mismatch: got %q", got.Data[:9])
	}
}

func TestOpenReadOnlyRejectsMissingFile(t *testing.T) {
	path := tempDBPath(t)
	if _, err := Open(path, "pw", ReadOnly); err == nil {
		t.Fatalf("expected error opening a nonexistent database read-only")
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := Open(path, "pw", ReadOnly)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.AllocatePage(); err == nil {
		t.Fatalf("expected AllocatePage to be rejected on a read-only pager")
	}
	if err := ro.FlushMeta(); err == nil {
		t.Fatalf("expected FlushMeta to be rejected on a read-only pager")
	}
}

func TestFileLockPreventsSecondWriter(t *testing.T) {
	path := tempDBPath(t)
	p, err := Open(path, "pw", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if _, err := Open(path, "pw", ReadWrite); err == nil {
		t.Fatalf("expected second concurrent writer open to fail")
	}
}

