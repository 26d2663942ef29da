package lfs

import (
	"path/filepath"
	"testing"
)

func openTestDescMap(t *testing.T) *DescMap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "descmap.db")
	d, err := OpenDescMap(path)
	if err != nil {
		t.Fatalf("OpenDescMap: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDescMapAllocateAndGet(t *testing.T) {
	d := openTestDescMap(t)

	if err := d.Allocate(7, 1024); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	entry, found, err := d.Get(7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected descriptor entry to be found")
	}
	if entry.DiskAddr != 1024 || entry.Version != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestDescMapRelocateBumpsVersion(t *testing.T) {
	d := openTestDescMap(t)
	if err := d.Allocate(3, 100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := d.Relocate(3, 100, 200); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	entry, _, err := d.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.DiskAddr != 200 || entry.Version != 2 {
		t.Fatalf("unexpected entry after relocate: %+v", entry)
	}
}

func TestDescMapRelocateStaleRejected(t *testing.T) {
	d := openTestDescMap(t)
	if err := d.Allocate(3, 100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := d.Relocate(3, 100, 200); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	// A second relocator racing against the first still thinks the old
	// address is 100; it must be refused now that the entry points at 200.
	if err := d.Relocate(3, 100, 300); err != ErrDescriptorStale {
		t.Fatalf("expected ErrDescriptorStale, got %v", err)
	}
}
