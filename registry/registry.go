// Package registry is an optional, off-the-hot-path debug store: it keeps
// compressed snapshots of session and swapchain state in a small embedded
// database so a developer can inspect live state without instrumenting
// the hot path itself. The core itself holds no persisted state; this
// package stays outside that boundary on purpose, a debug aid never
// consulted by Transport dispatch or the Swapchain Mirror's own
// operations.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package registry

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v3"
	"github.com/tidwall/buntdb"

	"github.com/xrbridge/xrbridge/cmn/cos"
	"github.com/xrbridge/xrbridge/cmn/nlog"
)

// snapshotTTL bounds how long a stale snapshot lingers once nothing
// refreshes it, so a developer inspecting the registry after a crashed
// process doesn't find entries from a session that no longer exists.
const snapshotTTL = 10 * time.Minute

// Registry wraps an embedded key/value database. The zero value is not
// usable; construct with Open.
type Registry struct {
	db *buntdb.DB
}

// Open opens path (use ":memory:" for a process-local, non-persistent
// registry, which is the expected mode outside of dedicated debugging).
func Open(path string) (*Registry, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %q failed: %w", path, err)
	}
	nlog.Infof("registry: opened debug snapshot store at %q", path)
	return &Registry{db: db}, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// SnapshotSession stores a compressed blob of a session's current state.
// blob's shape is left to the caller (a debug CLI dumping swapchain ring
// cursors, queue depths, etc.); the registry only ever sees bytes.
func (r *Registry) SnapshotSession(sessionID string, blob []byte) error {
	compressed, err := compress(blob)
	if err != nil {
		return fmt.Errorf("registry: compress snapshot for %s: %w", sessionID, err)
	}
	nlog.Infof("registry: snapshot session=%s checksum=%s bytes=%d", sessionID, cos.ShortChecksum(blob), len(blob))
	return r.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(sessionKey(sessionID), string(compressed), &buntdb.SetOptions{Expires: true, TTL: snapshotTTL})
		return err
	})
}

// LoadSession returns the most recent snapshot for sessionID, or nil if
// none exists (never stored, or expired).
func (r *Registry) LoadSession(sessionID string) ([]byte, error) {
	var compressed string
	err := r.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		compressed = v
		return nil
	})
	if err != nil {
		if err == buntdb.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: load snapshot for %s: %w", sessionID, err)
	}
	return decompress([]byte(compressed))
}

// DeleteSession removes sessionID's snapshot, if any. Callers invoke this
// from session teardown's debug-tooling path, not from the hot teardown
// itself.
func (r *Registry) DeleteSession(sessionID string) error {
	return r.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(sessionKey(sessionID))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

func sessionKey(id string) string { return "session:" + id }

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(b))
	return io.ReadAll(zr)
}
