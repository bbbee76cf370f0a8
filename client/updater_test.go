package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secureindex/go-secureindex/metadata"
	"github.com/secureindex/go-secureindex/repository"
	"github.com/secureindex/go-secureindex/testutils/simulator"
)

var demoPkg = repository.PackageID{Name: "demo", Version: "1.0"}

func newSimulator(t *testing.T) *simulator.RepositorySimulator {
	t.Helper()
	sim, err := simulator.New(t.TempDir())
	require.NoError(t, err)
	return sim
}

func newUpdater(t *testing.T, sim *simulator.RepositorySimulator) *Updater {
	t.Helper()
	up, err := New(sim, sim.Cfg)
	require.NoError(t, err)
	return up
}

func countFetches(sim *simulator.RepositorySimulator, name string) int {
	n := 0
	for _, call := range sim.FetchCalls {
		if call == name {
			n++
		}
	}
	return n
}

func cachedSnapshotVersion(t *testing.T, sim *simulator.RepositorySimulator) int64 {
	t.Helper()
	p, err := sim.GetCached(metadata.SNAPSHOT)
	require.NoError(t, err)
	sn, err := metadata.Snapshot().FromFile(p)
	require.NoError(t, err)
	return sn.Signed.Version
}

func TestFreshBootstrap(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)

	require.NoError(t, up.Refresh())
	assert.Equal(t, StateIdle, up.State())

	// all four cache files are present after the first refresh
	for _, name := range []string{metadata.ROOT, metadata.TIMESTAMP, metadata.SNAPSHOT, metadata.IndexTarGz} {
		_, err := sim.GetCached(name)
		assert.NoError(t, err, name)
	}

	// per-package metadata is read lazily from the cached index
	targets, err := up.PackageTargets(demoPkg)
	require.NoError(t, err)
	assert.Contains(t, targets.Signed().Targets, demoPkg.TarGzName())

	dest := filepath.Join(t.TempDir(), demoPkg.TarGzName())
	require.NoError(t, up.DownloadPackage(demoPkg, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("demo tarball bytes"), data)
}

func TestUnchangedRepository(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())

	snapshotPath, err := sim.GetCached(metadata.SNAPSHOT)
	require.NoError(t, err)
	snapshotBefore, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)

	before := len(sim.FetchCalls)
	require.NoError(t, up.Refresh())
	assert.Equal(t, StateIdle, up.State())

	// the second cycle stops after timestamp: one download, no more
	assert.Equal(t, before+1, len(sim.FetchCalls))
	assert.Equal(t, "timestamp", sim.FetchCalls[len(sim.FetchCalls)-1])

	snapshotAfter, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	assert.Equal(t, snapshotBefore, snapshotAfter)
}

func TestSnapshotRollback(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())
	goodVersion := cachedSnapshotVersion(t, sim)

	// the server rolls snapshot back to version 0
	sim.MDSnapshot.Signed.Version = 0
	sim.Publish()

	rootFetchesBefore := countFetches(sim, "root")
	err := up.Refresh()
	var doubleRecovery metadata.ErrDoubleRecovery
	require.True(t, errors.As(err, &doubleRecovery))
	assert.ErrorContains(t, err, "rollback")

	// recovery fetched root exactly once and the cache kept the good snapshot
	assert.Equal(t, rootFetchesBefore+1, countFetches(sim, "root"))
	assert.Equal(t, goodVersion, cachedSnapshotVersion(t, sim))

	var sawWarning bool
	for _, ev := range sim.Events {
		if _, ok := ev.(repository.VerificationError); ok {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning)
}

func TestRootRotation(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())
	assert.Equal(t, int64(1), up.RootVersion())

	// rotate the root keys and publish root v2; the other role keys keep
	// verifying under the old root, so the rotation happens on the
	// normal path via the snapshot's root reference
	require.NoError(t, sim.RotateKeys(metadata.ROOT))
	sim.BumpRoot()

	require.NoError(t, up.Refresh())
	assert.Equal(t, int64(2), up.RootVersion())
	assert.Equal(t, StateIdle, up.State())

	var sawRootUpdated bool
	for _, ev := range sim.Events {
		if ru, ok := ev.(repository.RootUpdated); ok {
			sawRootUpdated = true
			assert.Equal(t, int64(2), ru.Version)
		}
	}
	assert.True(t, sawRootUpdated)

	// the cached anchor is the new root
	p, err := sim.GetCachedRoot()
	require.NoError(t, err)
	root, err := metadata.Root().FromFile(p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), root.Signed.Version)
}

func TestRoleKeyRotationRecovers(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())

	// rotating the timestamp key makes the new timestamp unverifiable
	// under the old root; the engine recovers by fetching root v2 first
	require.NoError(t, sim.RotateKeys(metadata.ROOT))
	require.NoError(t, sim.RotateKeys(metadata.TIMESTAMP))
	require.NoError(t, sim.RotateKeys(metadata.SNAPSHOT))
	sim.BumpRoot()

	require.NoError(t, up.Refresh())
	assert.Equal(t, int64(2), up.RootVersion())
}

func TestEndlessDataRecovers(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())

	sim.UpdateSnapshot()
	sim.PadSnapshot = 1024
	sim.PadOnce = true

	require.NoError(t, up.Refresh())

	// the oversized response never reached the cache
	p, err := sim.GetCached(metadata.SNAPSHOT)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	_, err = metadata.Snapshot().FromBytes(data)
	assert.NoError(t, err)
}

func TestEndlessDataPersistentIsFatal(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())
	goodVersion := cachedSnapshotVersion(t, sim)

	sim.UpdateSnapshot()
	sim.PadSnapshot = 1024

	err := up.Refresh()
	var doubleRecovery metadata.ErrDoubleRecovery
	require.True(t, errors.As(err, &doubleRecovery))
	assert.Equal(t, goodVersion, cachedSnapshotVersion(t, sim))
}

func TestIndexHashMismatch(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())

	otherPkg := repository.PackageID{Name: "other", Version: "2.0"}
	require.NoError(t, sim.AddPackage(otherPkg, []byte("other tarball bytes")))
	sim.CorruptIndex = true

	err := up.Refresh()
	var doubleRecovery metadata.ErrDoubleRecovery
	require.True(t, errors.As(err, &doubleRecovery))

	// the cached index is the untouched old one
	targets, err := up.PackageTargets(demoPkg)
	require.NoError(t, err)
	assert.Contains(t, targets.Signed().Targets, demoPkg.TarGzName())
	_, err = up.PackageTargets(otherPkg)
	assert.ErrorIs(t, err, metadata.ErrNotCached{Name: otherPkg.TargetsPath()})
}

func TestRootUpdateLoopGuard(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())

	// snapshot keeps claiming a root version the server never delivers
	sim.ClaimRootVersion = 99
	sim.UpdateSnapshot()

	err := up.Refresh()
	var tooMany metadata.ErrTooManyRootRotations
	require.True(t, errors.As(err, &tooMany))
	assert.Equal(t, sim.Cfg.MaxRootRotations, tooMany.Limit)
}

func TestExpiredRootRecovery(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))

	// install an expired v1 root as the cached anchor
	goodExpiry := sim.MDRoot.Signed.Expires
	sim.MDRoot.Signed.Expires = time.Now().UTC().Add(-time.Hour)
	sim.PublishRoot()
	require.NoError(t, sim.Bootstrap(sim.SignedRoots[len(sim.SignedRoots)-1]))

	// the server has moved on to a fresh v2 root
	sim.MDRoot.Signed.Expires = goodExpiry
	sim.BumpRoot()

	up := newUpdater(t, sim)
	require.NoError(t, up.Refresh())
	assert.Equal(t, int64(2), up.RootVersion())

	var sawWarning bool
	for _, ev := range sim.Events {
		if ve, ok := ev.(repository.VerificationError); ok && ve.Role == metadata.ROOT {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning)
}

func TestTarFormIndex(t *testing.T) {
	sim := newSimulator(t)
	sim.OfferTar = true
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)

	require.NoError(t, up.Refresh())

	// the transport elected the tar form; only it is cached
	_, err := sim.GetCached(metadata.IndexTar)
	assert.NoError(t, err)
	_, err = sim.GetCached(metadata.IndexTarGz)
	assert.Error(t, err)

	targets, err := up.PackageTargets(demoPkg)
	require.NoError(t, err)
	assert.Contains(t, targets.Signed().Targets, demoPkg.TarGzName())
}

func TestIndexDownloadedAtMostOncePerCycle(t *testing.T) {
	sim := newSimulator(t)
	require.NoError(t, sim.AddPackage(demoPkg, []byte("demo tarball bytes")))
	up := newUpdater(t, sim)

	require.NoError(t, up.Refresh())
	assert.Equal(t, 1, countFetches(sim, "index"))

	// an unchanged index is not downloaded again even when snapshot moves
	sim.UpdateSnapshot()
	require.NoError(t, up.Refresh())
	assert.Equal(t, 1, countFetches(sim, "index"))
}

func TestNewWithoutAnchorFails(t *testing.T) {
	sim := newSimulator(t)
	p, err := sim.GetCachedRoot()
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	_, err = New(sim, sim.Cfg)
	assert.Error(t, err)
}
