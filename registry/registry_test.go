package registry_test

import (
	"bytes"
	"testing"

	"github.com/xrbridge/xrbridge/registry"
)

func TestSnapshotRoundTrip(t *testing.T) {
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	blob := []byte(`{"swapchains":3,"acquire_head":1}`)
	if err := reg.SnapshotSession("sess-1", blob); err != nil {
		t.Fatalf("SnapshotSession: %v", err)
	}

	got, err := reg.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, blob)
	}
}

func TestLoadMissingSessionReturnsNil(t *testing.T) {
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	got, err := reg.LoadSession("does-not-exist")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a missing session, got %q", got)
	}
}

func TestDeleteSession(t *testing.T) {
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	if err := reg.SnapshotSession("sess-2", []byte("x")); err != nil {
		t.Fatalf("SnapshotSession: %v", err)
	}
	if err := reg.DeleteSession("sess-2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, err := reg.LoadSession("sess-2")
	if err != nil {
		t.Fatalf("LoadSession after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %q", got)
	}

	// Deleting again must not error.
	if err := reg.DeleteSession("sess-2"); err != nil {
		t.Fatalf("DeleteSession (again): %v", err)
	}
}
