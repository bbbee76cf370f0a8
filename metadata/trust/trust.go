// Package trust implements the verification step between untrusted
// downloaded bytes and metadata the update engine may act on. A
// Trusted value can only be produced by the verified constructors in
// this package: signature thresholds, role types, expiry, version
// monotonicity and file info consistency are all checked before the
// wrapper exists.
package trust

import (
	"fmt"
	"time"

	"github.com/secureindex/go-secureindex/metadata"
)

// Trusted wraps a role document that passed verification. The inner
// metadata is reachable only through accessors, so callers cannot
// forge one from untrusted input.
type Trusted[T metadata.Roles] struct {
	meta *metadata.Metadata[T]
}

// Signed returns the verified payload.
func (t *Trusted[T]) Signed() T {
	return t.meta.Signed
}

// Bytes re-serializes the verified document. Used when the verified
// form needs to be persisted.
func (t *Trusted[T]) Bytes() ([]byte, error) {
	return t.meta.ToBytes(false)
}

// LoadRoot verifies and wraps "data" as the bootstrap trust anchor: the
// document must satisfy the threshold of its own root role. Expiry is
// deliberately not checked here; an expired cached root is still a
// valid signer for the handover during root recovery, and the engine
// decides when to recover.
func LoadRoot(data []byte) (*Trusted[metadata.RootType], error) {
	newRoot, err := metadata.Root().FromBytes(data)
	if err != nil {
		return nil, err
	}
	if err := newRoot.VerifyRole(metadata.ROOT, newRoot); err != nil {
		return nil, err
	}
	return &Trusted[metadata.RootType]{meta: newRoot}, nil
}

// VerifyRoot verifies and wraps "data" as new root metadata. The new
// root must satisfy the root role threshold of the old trusted root
// (when one is given, even if that root is expired) and of its own
// payload, and its version must not fall behind the old one.
func VerifyRoot(data []byte, oldRoot *Trusted[metadata.RootType], now time.Time) (*Trusted[metadata.RootType], error) {
	newRoot, err := metadata.Root().FromBytes(data)
	if err != nil {
		return nil, err
	}
	// the new root must be signed by itself
	if err := newRoot.VerifyRole(metadata.ROOT, newRoot); err != nil {
		return nil, err
	}
	if oldRoot != nil {
		// and by the previous root: the handover rule
		if err := oldRoot.meta.VerifyRole(metadata.ROOT, newRoot); err != nil {
			return nil, err
		}
		if newRoot.Signed.Version < oldRoot.meta.Signed.Version {
			return nil, metadata.ErrRollback{
				Role:          metadata.ROOT,
				CachedVersion: oldRoot.meta.Signed.Version,
				NewVersion:    newRoot.Signed.Version,
			}
		}
	}
	if newRoot.Signed.IsExpired(now) {
		return nil, metadata.ErrExpiredMetadata{Role: metadata.ROOT}
	}
	return &Trusted[metadata.RootType]{meta: newRoot}, nil
}

// VerifyTimestamp verifies and wraps "data" as new timestamp metadata
// under the given trusted root. cachedVersion is the version of the
// last verified timestamp, or 0 when none is cached.
func VerifyTimestamp(data []byte, root *Trusted[metadata.RootType], now time.Time, cachedVersion int64) (*Trusted[metadata.TimestampType], error) {
	newTimestamp, err := metadata.Timestamp().FromBytes(data)
	if err != nil {
		return nil, err
	}
	if err := root.meta.VerifyRole(metadata.TIMESTAMP, newTimestamp); err != nil {
		return nil, err
	}
	if newTimestamp.Signed.Version < cachedVersion {
		return nil, metadata.ErrRollback{
			Role:          metadata.TIMESTAMP,
			CachedVersion: cachedVersion,
			NewVersion:    newTimestamp.Signed.Version,
		}
	}
	if newTimestamp.Signed.IsExpired(now) {
		return nil, metadata.ErrExpiredMetadata{Role: metadata.TIMESTAMP}
	}
	if SnapshotInfo(&Trusted[metadata.TimestampType]{meta: newTimestamp}) == nil {
		return nil, metadata.ErrValue{Msg: "timestamp carries no snapshot file info"}
	}
	return &Trusted[metadata.TimestampType]{meta: newTimestamp}, nil
}

// VerifySnapshot verifies and wraps "data" as new snapshot metadata:
// the bytes must match the file info the trusted timestamp published
// for snapshot.json before anything else is looked at.
func VerifySnapshot(data []byte, root *Trusted[metadata.RootType], info *metadata.MetaFiles, now time.Time, cachedVersion int64) (*Trusted[metadata.SnapshotType], error) {
	if err := info.VerifyLengthHashes(data); err != nil {
		return nil, err
	}
	newSnapshot, err := metadata.Snapshot().FromBytes(data)
	if err != nil {
		return nil, err
	}
	if err := root.meta.VerifyRole(metadata.SNAPSHOT, newSnapshot); err != nil {
		return nil, err
	}
	if newSnapshot.Signed.Version < cachedVersion {
		return nil, metadata.ErrRollback{
			Role:          metadata.SNAPSHOT,
			CachedVersion: cachedVersion,
			NewVersion:    newSnapshot.Signed.Version,
		}
	}
	if newSnapshot.Signed.IsExpired(now) {
		return nil, metadata.ErrExpiredMetadata{Role: metadata.SNAPSHOT}
	}
	if newSnapshot.Signed.Meta[fmt.Sprintf("%s.json", metadata.ROOT)] == nil {
		return nil, metadata.ErrValue{Msg: "snapshot carries no root file info"}
	}
	if newSnapshot.Signed.Meta[metadata.IndexTarGz] == nil {
		return nil, metadata.ErrValue{Msg: "snapshot carries no index file info"}
	}
	return &Trusted[metadata.SnapshotType]{meta: newSnapshot}, nil
}

// VerifyTargets verifies and wraps "data" as targets metadata under the
// given trusted root. info is the binding file info when the caller has
// one (from snapshot or from a higher-level claim); nil skips the
// length/hash check, which is sound when the bytes come out of the
// hash-protected index.
func VerifyTargets(data []byte, root *Trusted[metadata.RootType], info *metadata.MetaFiles, now time.Time) (*Trusted[metadata.TargetsType], error) {
	if info != nil {
		if err := info.VerifyLengthHashes(data); err != nil {
			return nil, err
		}
	}
	newTargets, err := metadata.Targets().FromBytes(data)
	if err != nil {
		return nil, err
	}
	if err := root.meta.VerifyRole(metadata.TARGETS, newTargets); err != nil {
		return nil, err
	}
	if newTargets.Signed.IsExpired(now) {
		return nil, metadata.ErrExpiredMetadata{Role: metadata.TARGETS}
	}
	return &Trusted[metadata.TargetsType]{meta: newTargets}, nil
}

// SnapshotInfo returns the file info a trusted timestamp publishes for
// the snapshot document.
func SnapshotInfo(ts *Trusted[metadata.TimestampType]) *metadata.MetaFiles {
	return ts.meta.Signed.Meta[fmt.Sprintf("%s.json", metadata.SNAPSHOT)]
}

// RootInfo returns the file info a trusted snapshot publishes for the
// root document.
func RootInfo(sn *Trusted[metadata.SnapshotType]) *metadata.MetaFiles {
	return sn.meta.Signed.Meta[fmt.Sprintf("%s.json", metadata.ROOT)]
}

// IndexInfo returns the file info a trusted snapshot publishes for the
// index, for both the tar.gz and the optional tar form.
func IndexInfo(sn *Trusted[metadata.SnapshotType]) (tgz, tar *metadata.MetaFiles) {
	return sn.meta.Signed.Meta[metadata.IndexTarGz], sn.meta.Signed.Meta[metadata.IndexTar]
}
